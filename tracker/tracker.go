// Package tracker implements the connection tracker (spec component C5):
// per-identity state routing control and data events to the pair of data
// streams, running the inferrer on each data event until the connection
// is classified, and deriving the L7 role.
package tracker

import (
	"fmt"

	"github.com/foolishisme/l7probe/config"
	"github.com/foolishisme/l7probe/connid"
	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/infer"
	"github.com/foolishisme/l7probe/proto"
	"github.com/foolishisme/l7probe/rawbuf"
	"github.com/foolishisme/l7probe/stream"
)

// unknownCap bounds how much an unclassified tracker's streams may grow
// before classification succeeds (spec.md §4.5).
const unknownCap = 16 * 1024

// Metrics receives the counters the tracker and its streams increment:
// unknown-protocol drops and raw-buffer overflow. Invalid parse results
// are not counted.
type Metrics interface {
	UnknownProtocol()
	ResourceExhausted(dropped int)
}

// Tracker holds all per-connection state.
type Tracker struct {
	ID connid.ID

	ClientAddr connid.Addr
	ServerAddr connid.Addr
	L4Role     proto.L4Role
	IsSSL      bool

	Protocol proto.Protocol
	L7Role   proto.L7Role

	WriteTotal uint64
	ReadTotal  uint64

	Egress  *stream.Stream
	Ingress *stream.Stream

	Reported bool

	LastEventNS int64

	mysqlCarry []byte

	cfg     config.Config
	metrics Metrics
}

// New creates a Tracker for a freshly observed connection identity.
func New(id connid.ID, cfg config.Config, m Metrics) *Tracker {
	t := &Tracker{ID: id, cfg: cfg, metrics: m}
	t.Egress = stream.New(proto.Egress, rawbuf.New(cfg.CompactThreshold, cfg.MaxBufferSize, overflowAdapter{m}), cfg.StuckLimit, 1024)
	t.Ingress = stream.New(proto.Ingress, rawbuf.New(cfg.CompactThreshold, cfg.MaxBufferSize, overflowAdapter{m}), cfg.StuckLimit, 1024)
	return t
}

type overflowAdapter struct{ m Metrics }

func (o overflowAdapter) BufferOverflow(dropped int) {
	if o.m != nil {
		o.m.ResourceExhausted(dropped)
	}
}

// Open applies an OPEN control event's fields.
func (t *Tracker) Open(client, server connid.Addr, l4Role proto.L4Role, isSSL bool) {
	t.ClientAddr = client
	t.ServerAddr = server
	t.L4Role = l4Role
	t.IsSSL = isSSL
}

// Stats applies a STATS (or CLOSE) event's cumulative byte counters.
func (t *Tracker) Stats(writeTotal, readTotal uint64) {
	t.WriteTotal = writeTotal
	t.ReadTotal = readTotal
}

// MySQLCarry implements infer.Carrier.
func (t *Tracker) MySQLCarry() []byte { return t.mysqlCarry }

// SetMySQLCarry implements infer.Carrier.
func (t *Tracker) SetMySQLCarry(b []byte) { t.mysqlCarry = b }

// Data routes one payload chunk to the stream matching dir, classifying
// the connection on the first successful inference and deriving the L7
// role exactly once (spec.md §3, §4.5).
func (t *Tracker) Data(dir proto.Direction, ts int64, payload []byte) {
	t.LastEventNS = ts
	s := t.streamFor(dir)

	if t.Protocol == proto.Unknown {
		protocol, kind, ok := infer.Infer(payload, dir, t.cfg.Protocols, t)
		if !ok {
			if s.Buf.Len()+len(payload) > unknownCap {
				if t.metrics != nil {
					t.metrics.UnknownProtocol()
				}
				return
			}
			s.Append(payload)
			return
		}
		t.Protocol = protocol
		if t.L7Role == proto.L7Unknown {
			t.L7Role = proto.DeriveL7Role(dir, kind)
		}
	}

	s.Append(payload)
}

// streamFor returns the stream matching dir.
func (t *Tracker) streamFor(dir proto.Direction) *stream.Stream {
	if dir == proto.Egress {
		return t.Egress
	}
	return t.Ingress
}

// Advance drives both directions' extractors as far as buffered bytes
// allow. Extractors is an index keyed by Protocol; a tracker with unknown
// protocol has nothing to advance.
//
// Each stream's physical direction is remapped to a client/server-relative
// logical direction before the extractor sees it: the streams' physical
// Egress/Ingress split is fixed for the tracker's lifetime, but which
// physical side is the protocol client is only known once L7Role is
// derived, and the probe traces either side of a connection (spec.md §3).
// Extractors whose Kind assignment depends on direction (pgsql, mysqlf)
// rely on always being handed the client->server side as Egress, the
// server->client side as Ingress, regardless of which physical direction
// that turned out to be.
func (t *Tracker) Advance(extractors map[proto.Protocol]frame.Extractor, ts int64) error {
	if t.Protocol == proto.Unknown {
		return nil
	}
	ex, ok := extractors[t.Protocol]
	if !ok {
		return fmt.Errorf("tracker: no extractor registered for protocol %s", t.Protocol)
	}
	t.Egress.Advance(ex, ts, t.logicalDirection(proto.Egress))
	t.Ingress.Advance(ex, ts, t.logicalDirection(proto.Ingress))
	return nil
}

// logicalDirection reconciles a stream's fixed physical direction against
// the tracker's derived L7Role. When the traced process is the protocol
// server, the physical Egress stream (bytes the traced process writes)
// carries server->client responses and the physical Ingress stream carries
// client->server requests — the reverse of the client-traced case — so the
// two are swapped before being handed to an extractor.
func (t *Tracker) logicalDirection(physical proto.Direction) proto.Direction {
	if t.L7Role != proto.L7Server {
		return physical
	}
	if physical == proto.Egress {
		return proto.Ingress
	}
	return proto.Egress
}
