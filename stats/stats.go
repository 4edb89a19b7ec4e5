// Package stats exposes datapath counters via prometheus. Workers own
// their counters; aggregation happens at scrape time, never with locks on
// the datapath.
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// PacketsIngested counts frames handed to a worker.
	PacketsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sift", Name: "packets_ingested_total",
		Help: "Frames handed to a worker core.",
	}, []string{"core"})

	// PacketsDropped counts frames dropped before tracking, by reason.
	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sift", Name: "packets_dropped_total",
		Help: "Frames dropped before tracking.",
	}, []string{"core", "reason"})

	// MempoolExhausted counts allocation failures at ingress.
	MempoolExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sift", Name: "mempool_exhausted_total",
		Help: "Packet buffer allocation failures.",
	}, []string{"core"})

	// ConnsTracked reports live connection table entries.
	ConnsTracked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sift", Name: "connections_tracked",
		Help: "Live connection table entries, tombstones included.",
	}, []string{"core"})

	// ConnsTerminated counts connection terminations.
	ConnsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sift", Name: "connections_terminated_total",
		Help: "Connections terminated.",
	}, []string{"core"})

	// ConnsTimedOut counts timer-wheel reaps.
	ConnsTimedOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sift", Name: "connections_timed_out_total",
		Help: "Connections reaped by the timer wheel.",
	}, []string{"core"})

	// Deliveries counts callback invocations.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sift", Name: "deliveries_total",
		Help: "Subscription callback invocations.",
	}, []string{"callback"})

	// DispatchDropped counts work items shed by full dispatch rings.
	DispatchDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sift", Name: "dispatch_dropped_total",
		Help: "Work items dropped by full dispatch rings.",
	}, []string{"ring"})
)

// Serve exposes /metrics on addr in the background.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logrus.WithError(err).Error("metrics listener failed")
		}
	}()
}
