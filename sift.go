// Command sift replays or captures traffic through the subscription
// pipeline: packets in, filtered and reconstructed datatypes out to the
// declared callbacks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/sift-net/sift/runtime"
	"github.com/sift-net/sift/stats"
	_ "github.com/sift-net/sift/stream/dns"
	_ "github.com/sift-net/sift/stream/http"
	_ "github.com/sift-net/sift/stream/quic"
	_ "github.com/sift-net/sift/stream/tls"
	"github.com/sift-net/sift/subscription"
)

func main() {
	configPath := flag.String("config", "sift.yaml", "runtime configuration file")
	pcapPath := flag.String("pcap", "", "pcap file to replay")
	ipfixPath := flag.String("ipfix", "", "write terminated connection records as IPFIX to this file")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if err := run(*configPath, *pcapPath, *ipfixPath); err != nil {
		logrus.WithError(err).Error("sift failed")
		os.Exit(1)
	}
}

func run(configPath, pcapPath, ipfixPath string) error {
	cfg, err := runtime.LoadConfig(configPath)
	if err != nil {
		return err
	}

	registerBuiltins()
	if ipfixPath != "" {
		if err := registerIPFIX(ipfixPath); err != nil {
			return err
		}
	}

	set, err := subscription.Build(cfg.Subscriptions)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		stats.Serve(cfg.MetricsAddr)
	}

	if pcapPath == "" {
		return fmt.Errorf("no capture source: pass -pcap (live drivers attach through the runtime.Source contract)")
	}
	source, err := runtime.OpenPcap(pcapPath)
	if err != nil {
		return err
	}
	defer source.Close()

	rt, err := runtime.New(cfg, set)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"workers":       cfg.Workers,
		"subscriptions": len(cfg.Subscriptions),
		"source":        pcapPath,
	}).Info("pipeline starting")

	if err := rt.Run(ctx, source); err != nil {
		return err
	}
	return closeIPFIX()
}
