package conntrack

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testId(port uint16) ConnId {
	return ConnId{
		A:     netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), port),
		B:     netip.AddrPortFrom(netip.MustParseAddr("192.0.2.80"), 443),
		Proto: 6,
	}
}

func TestTimerWheelExpires(t *testing.T) {
	start := time.Unix(0, 0)
	w := NewTimerWheel(10*time.Second, time.Second, start)

	w.Insert(testId(1), start, 3*time.Second)
	w.Insert(testId(2), start, 7*time.Second)

	var expired []ConnId
	w.Advance(start.Add(4*time.Second), func(id ConnId) { expired = append(expired, id) })
	assert.Equal(t, []ConnId{testId(1)}, expired)

	w.Advance(start.Add(8*time.Second), func(id ConnId) { expired = append(expired, id) })
	assert.Equal(t, []ConnId{testId(1), testId(2)}, expired)
}

func TestTimerWheelReinsertDuringAdvance(t *testing.T) {
	start := time.Unix(0, 0)
	w := NewTimerWheel(4*time.Second, time.Second, start)

	w.Insert(testId(1), start, time.Second)
	count := 0
	w.Advance(start.Add(2*time.Second), func(id ConnId) {
		count++
		if count == 1 {
			w.Insert(id, start.Add(2*time.Second), time.Second)
		}
	})
	assert.Equal(t, 1, count)

	w.Advance(start.Add(4*time.Second), func(ConnId) { count++ })
	assert.Equal(t, 2, count)
}

func TestTimerWheelClampsToOneRevolution(t *testing.T) {
	start := time.Unix(0, 0)
	w := NewTimerWheel(4*time.Second, time.Second, start)
	w.Insert(testId(1), start, time.Second)

	fired := 0
	// far in the future: a single revolution must still find the entry
	w.Advance(start.Add(time.Hour), func(ConnId) { fired++ })
	assert.Equal(t, 1, fired)
}

func TestConnIdHashDeterministic(t *testing.T) {
	a := netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), 40000)
	b := netip.AddrPortFrom(netip.MustParseAddr("192.0.2.80"), 443)
	fwd := ConnId{A: a, B: b, Proto: 6}
	assert.Equal(t, fwd.Hash(), fwd.Hash())
}
