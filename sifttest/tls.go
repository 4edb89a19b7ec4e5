package sifttest

import "encoding/binary"

// ClientHello builds a minimal TLS 1.2 ClientHello record carrying the
// given SNI.
func ClientHello(sni string) []byte {
	var body []byte
	// client_version
	body = append(body, 0x03, 0x03)
	// random
	body = append(body, make([]byte, 32)...)
	// session_id
	body = append(body, 0x00)
	// cipher_suites: TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, TLS_RSA_WITH_AES_128_CBC_SHA
	body = append(body, 0x00, 0x04, 0xc0, 0x2f, 0x00, 0x2f)
	// compression_methods: null
	body = append(body, 0x01, 0x00)

	// extensions: server_name + supported_groups + ec_point_formats
	var ext []byte
	name := []byte(sni)
	sniEntry := append([]byte{0x00}, u16(len(name))...) // host_name
	sniEntry = append(sniEntry, name...)
	sniList := append(u16(len(sniEntry)), sniEntry...)
	ext = append(ext, extension(0x0000, sniList)...)
	ext = append(ext, extension(0x000a, append(u16(2), 0x00, 0x17))...) // secp256r1
	ext = append(ext, extension(0x000b, []byte{0x01, 0x00})...)        // uncompressed

	body = append(body, u16(len(ext))...)
	body = append(body, ext...)

	return record(0x16, handshake(0x01, body))
}

// ServerHello builds a minimal TLS 1.2 ServerHello record.
func ServerHello() []byte {
	var body []byte
	body = append(body, 0x03, 0x03)
	body = append(body, make([]byte, 32)...)
	body = append(body, 0x00)             // session_id
	body = append(body, 0xc0, 0x2f)       // cipher_suite
	body = append(body, 0x00)             // compression
	body = append(body, u16(0)...)        // extensions
	return record(0x16, handshake(0x02, body))
}

func record(typ byte, payload []byte) []byte {
	out := []byte{typ, 0x03, 0x03}
	out = append(out, u16(len(payload))...)
	return append(out, payload...)
}

func handshake(typ byte, body []byte) []byte {
	out := []byte{typ, 0x00}
	out = append(out, u16(len(body))...)
	return append(out, body...)
}

func extension(typ uint16, data []byte) []byte {
	out := u16(int(typ))
	out = append(out, u16(len(data))...)
	return append(out, data...)
}

func u16(v int) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return b[:]
}
