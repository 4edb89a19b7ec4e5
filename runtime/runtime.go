package runtime

import (
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sift-net/sift/conntrack"
	"github.com/sift-net/sift/memory"
	"github.com/sift-net/sift/protocols"
	"github.com/sift-net/sift/stats"
	"github.com/sift-net/sift/subscription"
)

const queueDepth = 1024

// Runtime owns the worker cores of one process. Each worker runs to
// completion over its receive queue: filters, connection table and
// callbacks, with no shared mutable state between workers.
type Runtime struct {
	cfg  Config
	set  *subscription.Set
	pool *memory.Mempool

	queues  []chan *protocols.PacketResult
	workers []*worker
	wg      sync.WaitGroup
}

type worker struct {
	label string
	table *conntrack.Table
	cfg   conntrack.Config
}

// New builds a runtime from a configuration and a resolved subscription
// set.
func New(cfg Config, set *subscription.Set) (*Runtime, error) {
	if cfg.Workers < 1 {
		return nil, errors.New("workers must be at least 1")
	}
	r := &Runtime{
		cfg:  cfg,
		set:  set,
		pool: memory.NewMempool(cfg.Mempool.Buffers, cfg.Mempool.FrameSize),
	}
	start := time.Now()
	for i := 0; i < cfg.Workers; i++ {
		w := &worker{
			label: strconv.Itoa(i),
			cfg:   cfg.conntrack(),
			table: conntrack.NewTable(set.Engine(), set.Registry(), set.NewTracked, cfg.conntrack(), start),
		}
		r.workers = append(r.workers, w)
		r.queues = append(r.queues, make(chan *protocols.PacketResult, queueDepth))
	}
	return r, nil
}

// Run replays the source through the pipeline until EOF or cancellation,
// then drains all connection tables so terminal deliveries fire.
func (r *Runtime) Run(ctx context.Context, source Source) error {
	for i, w := range r.workers {
		r.wg.Add(1)
		go func(w *worker, queue chan *protocols.PacketResult) {
			defer r.wg.Done()
			w.run(queue)
		}(w, r.queues[i])
	}

	err := r.ingest(ctx, source)
	for _, q := range r.queues {
		close(q)
	}
	r.wg.Wait()
	return err
}

// ingest reads, parses and shards frames. The 5-tuple hash emulates the
// RSS contract of a real driver: one flow, one worker.
func (r *Runtime) ingest(ctx context.Context, source Source) error {
	n := uint64(len(r.queues))
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		data, ts, err := source.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "source")
		}

		buf, err := r.pool.Get(data, ts.UnixNano())
		if err != nil {
			stats.MempoolExhausted.WithLabelValues("ingress").Inc()
			continue
		}
		res := new(protocols.PacketResult)
		if err := protocols.Parse(buf, res); err != nil {
			stats.PacketsDropped.WithLabelValues("ingress", "parse").Inc()
			logrus.WithError(err).Debug("dropping unparseable frame")
			buf.Release()
			continue
		}
		id, _, err := conntrack.NewConnId(res)
		if err != nil {
			stats.PacketsDropped.WithLabelValues("ingress", "transport").Inc()
			buf.Release()
			continue
		}
		r.queues[id.Hash()%n] <- res
	}
}

func (w *worker) run(queue <-chan *protocols.PacketResult) {
	ingested := stats.PacketsIngested.WithLabelValues(w.label)
	tracked := stats.ConnsTracked.WithLabelValues(w.label)
	terminated := stats.ConnsTerminated.WithLabelValues(w.label)
	timedOut := stats.ConnsTimedOut.WithLabelValues(w.label)

	var lastAdvance time.Time
	var lastStats conntrack.Stats
	for res := range queue {
		ingested.Inc()
		now := time.Unix(0, res.Buf.Timestamp())
		w.table.Process(res, now)

		if lastAdvance.IsZero() || now.Sub(lastAdvance) >= w.cfg.TimerResolution {
			w.table.AdvanceTimers(now)
			lastAdvance = now

			st := w.table.Stats()
			terminated.Add(float64(st.Terminated - lastStats.Terminated))
			timedOut.Add(float64(st.TimedOut - lastStats.TimedOut))
			lastStats = st
			tracked.Set(float64(w.table.Len()))
		}
	}
	w.table.Drain()
	tracked.Set(0)
}
