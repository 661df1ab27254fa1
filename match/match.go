// Package match implements the request/response matcher (spec component
// C6): per-protocol pairing strategies over a tracker's two frame queues,
// orphan eviction, and a bounded output queue.
package match

import (
	"github.com/google/uuid"

	"github.com/foolishisme/l7probe/connid"
	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/frame/amqp"
	"github.com/foolishisme/l7probe/frame/dns"
	"github.com/foolishisme/l7probe/frame/mongo"
	"github.com/foolishisme/l7probe/proto"
	"github.com/foolishisme/l7probe/stream"
)

// Record is a matched request/response pair, or a half-record produced by
// orphan eviction. ID is a record-scoped identifier, the analogue of the
// teacher's per-event uuid.New() transaction id, useful for downstream
// dedup/tracing once a record leaves the sink.
type Record struct {
	ID          string
	ConnID      connid.ID
	ClientAddr  connid.Addr
	ServerAddr  connid.Addr
	Protocol    proto.Protocol
	Request     frame.Frame
	Response    frame.Frame
	LatencyNS   int64
	Orphaned    bool
	OrphanedDir proto.Direction
}

// Metrics receives the counters this package increments.
type Metrics interface {
	OrphanRequest()
	OrphanResponse()
	OutputDropped()
}

// Sink is the bounded output queue. Push drops the oldest record on
// overflow and counts it, per spec.md §4.6.
type Sink struct {
	cap     int
	records []Record
	metrics Metrics
}

// NewSink returns a Sink bounded to capacity cap.
func NewSink(cap int, m Metrics) *Sink {
	return &Sink{cap: cap, metrics: m}
}

// Push appends a record, dropping the oldest if the sink is full. A record
// pushed without an ID is assigned a fresh one here, so every call site
// building a Record literal (matchKeyed, MatchFIFO, MatchAMQP, EvictOrphans)
// stays free of id-generation concerns.
func (s *Sink) Push(r Record) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.records = append(s.records, r)
	if s.cap > 0 && len(s.records) > s.cap {
		s.records = s.records[1:]
		if s.metrics != nil {
			s.metrics.OutputDropped()
		}
	}
}

// Drain returns and clears all buffered records.
func (s *Sink) Drain() []Record {
	out := s.records
	s.records = nil
	return out
}

// KeyFunc extracts a per-protocol match key from a frame; two frames with
// an equal key (and the request one preceding the response one) pair.
type KeyFunc func(f frame.Frame) (key any, ok bool)

// Match runs one matching pass over a connection's two streams for
// protocols using a request-key == response-key strategy (DNS by
// transaction id, MongoDB by response-to==request-id). FIFO protocols use
// MatchFIFO instead, since they need no key extraction at all.
func Match(id connid.ID, client, server connid.Addr, p proto.Protocol, egress, ingress *stream.Stream, keyOf KeyFunc, sink *Sink, m Metrics) {
	matchKeyed(id, client, server, p, egress, ingress, keyOf, sink, m)
	matchKeyed(id, client, server, p, ingress, egress, keyOf, sink, m)
}

// matchKeyed scans reqStream's pending requests against respStream's
// pending responses, nulling matched slots in place. It is called twice
// (egress-as-requester and ingress-as-requester) since the engine does not
// assume which physical direction carries requests for a keyed protocol.
func matchKeyed(id connid.ID, client, server connid.Addr, p proto.Protocol, reqStream, respStream *stream.Stream, keyOf KeyFunc, sink *Sink, m Metrics) {
	for i := range reqStream.Queue {
		req := reqStream.Queue[i]
		if req.Frame == nil || req.Frame.Base().Kind != proto.Request {
			continue
		}
		reqKey, ok := keyOf(req.Frame)
		if !ok {
			continue
		}
		for j := range respStream.Queue {
			resp := respStream.Queue[j]
			if resp.Frame == nil || resp.Frame.Base().Kind != proto.Response {
				continue
			}
			respKey, ok := keyOf(resp.Frame)
			if !ok || respKey != reqKey {
				continue
			}
			sink.Push(Record{
				ConnID:     id,
				ClientAddr: client,
				ServerAddr: server,
				Protocol:   p,
				Request:    req.Frame,
				Response:   resp.Frame,
				LatencyNS:  resp.Timestamp - req.Timestamp,
			})
			reqStream.Queue[i].Frame = nil
			respStream.Queue[j].Frame = nil
			break
		}
	}
}

// MatchFIFO pairs the i-th pending request on reqStream with the i-th
// pending response on respStream, for protocols with guaranteed ordered
// replies (HTTP, PostgreSQL, MySQL, Redis, CRPC, Cassandra).
func MatchFIFO(id connid.ID, client, server connid.Addr, p proto.Protocol, reqStream, respStream *stream.Stream, sink *Sink) {
	reqs := liveRequests(reqStream)
	resps := liveResponses(respStream)
	n := len(reqs)
	if len(resps) < n {
		n = len(resps)
	}
	for k := 0; k < n; k++ {
		sink.Push(Record{
			ConnID:     id,
			ClientAddr: client,
			ServerAddr: server,
			Protocol:   p,
			Request:    reqs[k].Frame,
			Response:   resps[k].Frame,
			LatencyNS:  resps[k].Timestamp - reqs[k].Timestamp,
		})
	}
	clearMatched(reqStream, n, proto.Request)
	clearMatched(respStream, n, proto.Response)
}

func liveRequests(s *stream.Stream) []stream.Pending {
	var out []stream.Pending
	for _, p := range s.Queue {
		if p.Frame != nil && p.Frame.Base().Kind == proto.Request {
			out = append(out, p)
		}
	}
	return out
}

func liveResponses(s *stream.Stream) []stream.Pending {
	var out []stream.Pending
	for _, p := range s.Queue {
		if p.Frame != nil && p.Frame.Base().Kind == proto.Response {
			out = append(out, p)
		}
	}
	return out
}

// clearMatched nulls out the first n live frames of the given kind in s's
// queue, in arrival order, mirroring the "set to null in place, cursor
// advances lazily" rule from spec.md §4.6.
func clearMatched(s *stream.Stream, n int, kind proto.Kind) {
	cleared := 0
	for i := range s.Queue {
		if cleared >= n {
			break
		}
		if s.Queue[i].Frame != nil && s.Queue[i].Frame.Base().Kind == kind {
			s.Queue[i].Frame = nil
			cleared++
		}
	}
}

// MatchAMQP pairs method frames by channel id and the declarative
// (class-id, method-id) table in package amqp. Frames whose method is not
// in the table (e.g. Basic.Publish) are left unmatched for orphan eviction
// or one-sided emission.
func MatchAMQP(id connid.ID, client, server connid.Addr, egress, ingress *stream.Stream, sink *Sink) {
	matchAMQPDir(id, client, server, egress, ingress, sink)
	matchAMQPDir(id, client, server, ingress, egress, sink)
}

func matchAMQPDir(id connid.ID, client, server connid.Addr, reqStream, respStream *stream.Stream, sink *Sink) {
	for i := range reqStream.Queue {
		req := reqStream.Queue[i]
		if req.Frame == nil {
			continue
		}
		reqFrame, ok := req.Frame.(*amqp.Frame)
		if !ok || reqFrame.FrameType != amqp.Method {
			continue
		}
		if !amqp.HasResponse(reqFrame.ClassID, reqFrame.MethodID) {
			continue
		}
		for j := range respStream.Queue {
			resp := respStream.Queue[j]
			if resp.Frame == nil {
				continue
			}
			respFrame, ok := resp.Frame.(*amqp.Frame)
			if !ok || respFrame.FrameType != amqp.Method {
				continue
			}
			if respFrame.Channel != reqFrame.Channel {
				continue
			}
			reqMethod, isResp := amqp.IsResponseMethod(respFrame.ClassID, respFrame.MethodID)
			if !isResp || reqMethod != reqFrame.MethodID || respFrame.ClassID != reqFrame.ClassID {
				continue
			}
			sink.Push(Record{
				ConnID:     id,
				ClientAddr: client,
				ServerAddr: server,
				Protocol:   proto.AMQP,
				Request:    req.Frame,
				Response:   resp.Frame,
				LatencyNS:  resp.Timestamp - req.Timestamp,
			})
			reqStream.Queue[i].Frame = nil
			respStream.Queue[j].Frame = nil
			break
		}
	}
}

// DNSKey extracts the 16-bit transaction id as the match key.
func DNSKey(f frame.Frame) (any, bool) {
	d, ok := f.(*dns.Frame)
	if !ok {
		return nil, false
	}
	return d.TxID, true
}

// MongoKey extracts request-id for requests and response-to for
// responses, so that equal keys pair a request with its response per
// spec.md §4.6 ("response-to field of the response equals request-id of
// the request").
func MongoKey(f frame.Frame) (any, bool) {
	m, ok := f.(*mongo.Frame)
	if !ok {
		return nil, false
	}
	if m.Base().Kind == proto.Request {
		return m.RequestID, true
	}
	return m.ResponseTo, true
}

// EvictOrphans removes request/response frames older than maxAgeNS,
// emitting them as half-records, per spec.md §4.6/§7 (OrphanFrame).
func EvictOrphans(id connid.ID, client, server connid.Addr, p proto.Protocol, s *stream.Stream, dir proto.Direction, nowNS, maxAgeNS int64, sink *Sink, m Metrics) {
	kept := s.Queue[:0]
	for _, pend := range s.Queue {
		if pend.Frame == nil {
			continue
		}
		if nowNS-pend.Timestamp > maxAgeNS {
			sink.Push(Record{
				ConnID:      id,
				ClientAddr:  client,
				ServerAddr:  server,
				Protocol:    p,
				Orphaned:    true,
				OrphanedDir: dir,
				Request: func() frame.Frame {
					if pend.Frame.Base().Kind == proto.Request {
						return pend.Frame
					}
					return nil
				}(),
				Response: func() frame.Frame {
					if pend.Frame.Base().Kind == proto.Response {
						return pend.Frame
					}
					return nil
				}(),
			})
			if m != nil {
				if pend.Frame.Base().Kind == proto.Request {
					m.OrphanRequest()
				} else {
					m.OrphanResponse()
				}
			}
			continue
		}
		kept = append(kept, pend)
	}
	s.Queue = kept
}
