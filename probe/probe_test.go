package probe_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/foolishisme/l7probe/config"
	"github.com/foolishisme/l7probe/connid"
	"github.com/foolishisme/l7probe/events"
	"github.com/foolishisme/l7probe/frame/amqp"
	"github.com/foolishisme/l7probe/frame/httpx"
	"github.com/foolishisme/l7probe/frame/mongo"
	"github.com/foolishisme/l7probe/match"
	"github.com/foolishisme/l7probe/metrics"
	"github.com/foolishisme/l7probe/probe"
	"github.com/foolishisme/l7probe/proto"
)

func newWorker(t *testing.T, sink probe.Sink) *probe.Worker {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	return probe.NewWorker(0, config.Default(), m, sink)
}

// Scenario 1 from spec.md §8: HTTP GET/200.
func TestHTTPGetOK(t *testing.T) {
	t.Parallel()
	var recs []match.Record
	w := newWorker(t, func(r match.Record) { recs = append(recs, r) })

	id := connid.ID{TGID: 1, FD: 1}
	require.NoError(t, w.HandleData(events.DataEvent{
		ConnID: id, TSNano: 1_000_000, Direction: proto.Egress,
		Payload: []byte("GET /a HTTP/1.1\r\nHost: x\r\n\r\n"),
	}))
	require.NoError(t, w.HandleData(events.DataEvent{
		ConnID: id, TSNano: 2_000_000, Direction: proto.Ingress,
		Payload: []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"),
	}))

	require.Len(t, recs, 1)
	req := recs[0].Request.(*httpx.Frame)
	resp := recs[0].Response.(*httpx.Frame)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "/a", req.Path)
	require.Equal(t, 200, resp.Status)
	require.EqualValues(t, 1_000_000, recs[0].LatencyNS)
}

// Scenario 2: DNS query/response paired by transaction id.
func TestDNSQueryResponse(t *testing.T) {
	t.Parallel()
	var recs []match.Record
	w := probe.NewWorker(0, withDNS(config.Default()), metrics.NewCollector(prometheus.NewRegistry()), func(r match.Record) { recs = append(recs, r) })

	id := connid.ID{TGID: 2, FD: 1}
	query := make([]byte, 12)
	query[0], query[1] = 0x12, 0x34
	query[4], query[5] = 0, 1

	resp := make([]byte, 12)
	resp[0], resp[1] = 0x12, 0x34
	resp[2] = 0x80
	resp[6], resp[7] = 0, 1

	require.NoError(t, w.HandleData(events.DataEvent{ConnID: id, TSNano: 500_000, Direction: proto.Egress, Payload: query}))
	require.NoError(t, w.HandleData(events.DataEvent{ConnID: id, TSNano: 1_000_000, Direction: proto.Ingress, Payload: resp}))

	require.Len(t, recs, 1)
	require.EqualValues(t, 500_000, recs[0].LatencyNS)
}

func withDNS(cfg config.Config) config.Config {
	cfg.Protocols |= config.DNS
	return cfg
}

// Scenario 6: a 1.5 MiB burst of frame-less bytes must not wedge the
// stream; classification stays Unknown for that burst, and a subsequent
// valid frame on the same connection is still classified and extracted.
func TestBufferOverflowKeepsStreamFunctional(t *testing.T) {
	t.Parallel()
	var recs []match.Record
	w := newWorker(t, func(r match.Record) { recs = append(recs, r) })
	id := connid.ID{TGID: 3, FD: 1}

	garbage := make([]byte, 1536*1024)
	for i := range garbage {
		garbage[i] = 0xAB
	}
	require.NoError(t, w.HandleData(events.DataEvent{ConnID: id, TSNano: 0, Direction: proto.Egress, Payload: garbage}))

	require.NoError(t, w.HandleData(events.DataEvent{
		ConnID: id, TSNano: 1_000_000, Direction: proto.Egress,
		Payload: []byte("GET /a HTTP/1.1\r\nHost: x\r\n\r\n"),
	}))
	require.NoError(t, w.HandleData(events.DataEvent{
		ConnID: id, TSNano: 2_000_000, Direction: proto.Ingress,
		Payload: []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"),
	}))

	require.Len(t, recs, 1)
}

func amqpMethodFrame(class, method, channel uint16) []byte {
	payload := []byte{byte(class >> 8), byte(class), byte(method >> 8), byte(method)}
	buf := []byte{byte(amqp.Method), byte(channel >> 8), byte(channel), 0, 0, 0, byte(len(payload))}
	buf = append(buf, payload...)
	return append(buf, 0xCE)
}

// Scenario 4: AMQP method pairing is keyed by channel plus (class, method),
// never by bare method id; a Channel.Open/OpenOk exchange on channel 1 must
// match while an unanswered request on channel 2 stays unmatched.
func TestAMQPChannelAndMethodPairing(t *testing.T) {
	t.Parallel()
	var recs []match.Record
	w := newWorker(t, func(r match.Record) { recs = append(recs, r) })
	id := connid.ID{TGID: 4, FD: 1}

	require.NoError(t, w.HandleData(events.DataEvent{
		ConnID: id, TSNano: 0, Direction: proto.Egress,
		Payload: amqpMethodFrame(20, 10, 1), // Channel.Open, channel 1
	}))
	require.NoError(t, w.HandleData(events.DataEvent{
		ConnID: id, TSNano: 1_000_000, Direction: proto.Ingress,
		Payload: amqpMethodFrame(20, 11, 1), // Channel.OpenOk, channel 1
	}))
	require.NoError(t, w.HandleData(events.DataEvent{
		ConnID: id, TSNano: 2_000_000, Direction: proto.Egress,
		Payload: amqpMethodFrame(20, 10, 2), // Channel.Open, channel 2, unanswered
	}))

	require.Len(t, recs, 1)
	require.EqualValues(t, 1_000_000, recs[0].LatencyNS)
}

func mongoOpMsg(requestID, responseTo int32) []byte {
	buf := make([]byte, 16)
	le := func(off int, v int32) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
	}
	le(0, 16)
	le(4, requestID)
	le(8, responseTo)
	le(12, 2013) // OP_MSG
	return buf
}

// Scenario 5: MongoDB OP_MSG pairing by responseTo == requestID, not by
// stream order.
func TestMongoOpMsgPairing(t *testing.T) {
	t.Parallel()
	var recs []match.Record
	w := newWorker(t, func(r match.Record) { recs = append(recs, r) })
	id := connid.ID{TGID: 5, FD: 1}

	require.NoError(t, w.HandleData(events.DataEvent{ConnID: id, TSNano: 0, Direction: proto.Egress, Payload: mongoOpMsg(42, 0)}))
	require.NoError(t, w.HandleData(events.DataEvent{ConnID: id, TSNano: 3_000_000, Direction: proto.Ingress, Payload: mongoOpMsg(99, 42)}))

	require.Len(t, recs, 1)
	req := recs[0].Request.(*mongo.Frame)
	resp := recs[0].Response.(*mongo.Frame)
	require.EqualValues(t, 42, req.RequestID)
	require.EqualValues(t, 42, resp.ResponseTo)
	require.EqualValues(t, 3_000_000, recs[0].LatencyNS)
}
