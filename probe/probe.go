// Package probe implements the top-level orchestrator: worker shards, each
// single-threaded over its own disjoint set of trackers, running the
// classify -> extract -> match pipeline (spec.md §5). Engine.Run drains the
// control/stats/data event channels in the caller's goroutine and
// dispatches each event to its worker synchronously; no goroutine is
// started per worker.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/foolishisme/l7probe/config"
	"github.com/foolishisme/l7probe/connid"
	"github.com/foolishisme/l7probe/events"
	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/frame/amqp"
	"github.com/foolishisme/l7probe/frame/cql"
	"github.com/foolishisme/l7probe/frame/crpc"
	"github.com/foolishisme/l7probe/frame/dns"
	"github.com/foolishisme/l7probe/frame/httpx"
	"github.com/foolishisme/l7probe/frame/mongo"
	"github.com/foolishisme/l7probe/frame/mysqlf"
	"github.com/foolishisme/l7probe/frame/nats"
	"github.com/foolishisme/l7probe/frame/pgsql"
	"github.com/foolishisme/l7probe/frame/redis"
	"github.com/foolishisme/l7probe/match"
	"github.com/foolishisme/l7probe/metrics"
	"github.com/foolishisme/l7probe/proto"
	"github.com/foolishisme/l7probe/tracker"
)

// Extractors is the protocol -> frame.Extractor table every worker shares;
// extractors are stateless so one instance serves every tracker.
var Extractors = map[proto.Protocol]frame.Extractor{
	proto.HTTP:       httpx.Extractor{},
	proto.PostgreSQL: pgsql.Extractor{},
	proto.DNS:        dns.Extractor{},
	proto.Redis:      redis.Extractor{},
	proto.NATS:       nats.Extractor{},
	proto.Cassandra:  cql.Extractor{},
	proto.MongoDB:    mongo.Extractor{},
	proto.MySQL:      mysqlf.Extractor{},
	proto.CRPC:       crpc.Extractor{},
	proto.AMQP:       amqp.Extractor{},
}

// Sink receives matched records, called synchronously from whichever
// goroutine calls HandleData or HandleControl.
// The caller must not block; the teacher's Proxy.Events() channel pattern
// is not reused here because records must never overtake the lock-free
// SPSC queue per worker (spec.md §5) — a blocking consumer would stall
// the worker's event loop.
type Sink func(r match.Record)

// Worker owns a disjoint shard of trackers and runs single-threaded
// cooperative scheduling (spec.md §5): no lock is ever taken within a
// worker.
type Worker struct {
	id       int
	cfg      config.Config
	trackers map[connid.ID]*tracker.Tracker
	metrics  *metrics.Collector
	sink     Sink
}

// NewWorker returns a Worker bound to one shard.
func NewWorker(id int, cfg config.Config, m *metrics.Collector, sink Sink) *Worker {
	return &Worker{
		id:       id,
		cfg:      cfg,
		trackers: make(map[connid.ID]*tracker.Tracker),
		metrics:  m,
		sink:     sink,
	}
}

// HandleControl applies an OPEN/CLOSE control event.
func (w *Worker) HandleControl(ev events.ControlEvent) {
	switch ev.Kind {
	case events.Open:
		t := tracker.New(ev.ConnID, w.cfg, w.metrics.ForProtocol(proto.Unknown))
		t.Open(ev.Client, ev.Server, ev.L4Role, ev.IsSSL)
		w.trackers[ev.ConnID] = t
	case events.Close:
		t, ok := w.trackers[ev.ConnID]
		if !ok {
			return
		}
		t.Stats(ev.WriteTotal, ev.ReadTotal)
		w.drainTracker(t, ev.TSNano)
		delete(w.trackers, ev.ConnID)
	}
	if w.metrics != nil {
		w.metrics.SetTrackersActive(len(w.trackers))
	}
}

// HandleStats applies a STATS event's cumulative counters.
func (w *Worker) HandleStats(ev events.StatsEvent) {
	t, ok := w.trackers[ev.ConnID]
	if !ok {
		return
	}
	t.Stats(ev.WriteTotal, ev.ReadTotal)
}

// HandleData appends a payload chunk, advances extraction, and runs the
// matcher for the affected tracker.
func (w *Worker) HandleData(ev events.DataEvent) error {
	t, ok := w.trackers[ev.ConnID]
	if !ok {
		if w.cfg.MaxTrackers > 0 && len(w.trackers) >= w.cfg.MaxTrackers {
			w.evictOldest()
		}
		t = tracker.New(ev.ConnID, w.cfg, w.metrics.ForProtocol(proto.Unknown))
		w.trackers[ev.ConnID] = t
	}

	// A truncated event (len(Payload) < ActualByteLength) still only
	// contributes the bytes actually delivered; the missing suffix is
	// unrecoverable and may desync one frame, but stream position is
	// never rewound to account for it (spec.md §6).
	t.Data(ev.Direction, ev.TSNano, ev.Payload)

	if err := t.Advance(Extractors, ev.TSNano); err != nil {
		return fmt.Errorf("probe: worker %d: %w", w.id, err)
	}

	w.runMatcher(t, ev.TSNano)
	return nil
}

func (w *Worker) runMatcher(t *tracker.Tracker, nowNS int64) {
	if t.Protocol == proto.Unknown {
		return
	}
	sink := match.NewSink(1024, w.metrics.ForProtocol(t.Protocol))
	switch t.Protocol {
	case proto.DNS:
		match.Match(t.ID, t.ClientAddr, t.ServerAddr, t.Protocol, t.Egress, t.Ingress, match.DNSKey, sink, w.metrics.ForProtocol(t.Protocol))
	case proto.MongoDB:
		match.Match(t.ID, t.ClientAddr, t.ServerAddr, t.Protocol, t.Egress, t.Ingress, match.MongoKey, sink, w.metrics.ForProtocol(t.Protocol))
	case proto.AMQP:
		match.MatchAMQP(t.ID, t.ClientAddr, t.ServerAddr, t.Egress, t.Ingress, sink)
	default:
		// FIFO protocols: requests on one direction, responses on the
		// other. The tracker's L7 role tells us which physical direction
		// is which; client-originated bytes are requests.
		reqStream, respStream := t.Egress, t.Ingress
		if t.L7Role == proto.L7Server {
			reqStream, respStream = t.Ingress, t.Egress
		}
		match.MatchFIFO(t.ID, t.ClientAddr, t.ServerAddr, t.Protocol, reqStream, respStream, sink)
	}

	orphanNS := w.cfg.OrphanTimeout.Nanoseconds()
	match.EvictOrphans(t.ID, t.ClientAddr, t.ServerAddr, t.Protocol, t.Egress, proto.Egress, nowNS, orphanNS, sink, w.metrics.ForProtocol(t.Protocol))
	match.EvictOrphans(t.ID, t.ClientAddr, t.ServerAddr, t.Protocol, t.Ingress, proto.Ingress, nowNS, orphanNS, sink, w.metrics.ForProtocol(t.Protocol))

	for _, r := range sink.Drain() {
		if !r.Orphaned && w.metrics != nil {
			w.metrics.ObserveLatency(r.Protocol, r.LatencyNS)
		}
		w.sink(r)
	}
}

// drainTracker runs one last matching pass on CLOSE, per spec.md §4.5.
func (w *Worker) drainTracker(t *tracker.Tracker, nowNS int64) {
	w.runMatcher(t, nowNS)
}

// evictOldest removes the least-recently-active tracker, implementing the
// LRU eviction bound from spec.md §5.
func (w *Worker) evictOldest() {
	var oldestID connid.ID
	var oldestTS int64 = -1
	for id, t := range w.trackers {
		if oldestTS == -1 || t.LastEventNS < oldestTS {
			oldestID = id
			oldestTS = t.LastEventNS
		}
	}
	if oldestTS != -1 {
		delete(w.trackers, oldestID)
	}
}

// SweepIdle destroys trackers that have seen no event for idleTimeout,
// per spec.md §4.5's T_idle rule (default 5 minutes).
func (w *Worker) SweepIdle(nowNS int64, idleTimeout time.Duration) {
	cutoff := nowNS - idleTimeout.Nanoseconds()
	for id, t := range w.trackers {
		if t.LastEventNS < cutoff {
			w.drainTracker(t, nowNS)
			delete(w.trackers, id)
		}
	}
}

// ShardFor returns the worker index id hashes to, out of numWorkers.
func ShardFor(id connid.ID, numWorkers int) int {
	if numWorkers <= 0 {
		return 0
	}
	return int(id.ShardKey() % uint64(numWorkers))
}

// Engine owns a fixed pool of workers and a shared Registerer. It is the
// passive analogue of proxy.Proxy: instead of accepting and relaying live
// connections, it classifies and reconstructs already-captured traffic.
type Engine struct {
	cfg     config.Config
	workers []*Worker
	metrics *metrics.Collector
}

// NewEngine creates an Engine with numWorkers shards, registering its
// metrics against reg.
func NewEngine(cfg config.Config, numWorkers int, reg prometheus.Registerer, sink Sink) *Engine {
	m := metrics.NewCollector(reg)
	e := &Engine{cfg: cfg, metrics: m}
	for i := 0; i < numWorkers; i++ {
		e.workers = append(e.workers, NewWorker(i, cfg, m, sink))
	}
	return e
}

// Dispatch routes a data event to the worker its connection hashes to.
func (e *Engine) Dispatch(ev events.DataEvent) error {
	w := e.workers[ShardFor(ev.ConnID, len(e.workers))]
	return w.HandleData(ev)
}

// DispatchControl routes a control event to its worker.
func (e *Engine) DispatchControl(ev events.ControlEvent) {
	e.workers[ShardFor(ev.ConnID, len(e.workers))].HandleControl(ev)
}

// DispatchStats routes a stats event to its worker.
func (e *Engine) DispatchStats(ev events.StatsEvent) {
	e.workers[ShardFor(ev.ConnID, len(e.workers))].HandleStats(ev)
}

// Run drains ctl, stats, and data channels until ctx is cancelled or data
// is closed, implementing the cooperative single-thread loop from
// spec.md §5 ("a global shutdown flag checked between event batches").
func (e *Engine) Run(ctx context.Context, ctl <-chan events.ControlEvent, stats <-chan events.StatsEvent, data <-chan events.DataEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-data:
			if !ok {
				return nil
			}
			if err := e.Dispatch(ev); err != nil {
				return err
			}
		case ev := <-ctl:
			e.DispatchControl(ev)
		case ev := <-stats:
			e.DispatchStats(ev)
		}
	}
}
