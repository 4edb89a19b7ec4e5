package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sift-net/sift/export"
	"github.com/sift-net/sift/subscription"
)

// registerBuiltins installs the callbacks a config file can reference
// without writing an application: structured-log printers for each
// delivery shape.
func registerBuiltins() {
	subscription.RegisterCallback("log_session", func(d *subscription.Delivery) {
		fields := logrus.Fields{"conn": d.ConnId.String()}
		if d.Session != nil {
			fields["proto"] = d.Session.SessionProto()
			for _, name := range []string{"sni", "uri", "host", "query_domain", "version"} {
				if v, ok := d.Session.Field(name); ok && v != "" {
					fields[name] = v
				}
			}
		}
		logrus.WithFields(fields).Info("session")
	})

	subscription.RegisterCallback("log_conn", func(d *subscription.Delivery) {
		if d.Record == nil {
			return
		}
		logrus.WithFields(logrus.Fields{
			"conn":     d.Record.Id.String(),
			"proto":    d.Record.Proto,
			"pkts":     d.Record.PktsOrig + d.Record.PktsResp,
			"bytes":    d.Record.BytesOrig + d.Record.BytesResp,
			"duration": d.Record.Duration(),
		}).Info("connection")
	})

	subscription.RegisterCallback("log_frame", func(d *subscription.Delivery) {
		if d.Frame == nil {
			return
		}
		logrus.WithFields(logrus.Fields{
			"conn": d.ConnId.String(),
			"len":  d.Frame.Len(),
		}).Info("frame")
	})
}

var ipfixExporter *export.Exporter

// registerIPFIX wires the IPFIX exporter under the "export_ipfix"
// callback name.
func registerIPFIX(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	exporter, err := export.NewExporter(f)
	if err != nil {
		f.Close()
		return err
	}
	ipfixExporter = exporter
	subscription.RegisterCallback("export_ipfix", exporter.Callback)
	return nil
}

func closeIPFIX() error {
	if ipfixExporter == nil {
		return nil
	}
	return ipfixExporter.Close()
}
