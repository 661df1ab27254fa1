// Package amqp implements the AMQP 0-9-1 frame extractor: 1-byte frame
// type, 2-byte big-endian channel id, 4-byte big-endian payload length,
// payload, and a single 0xCE terminator byte (spec.md §4.3). The 8-byte
// "AMQP\0\0\x09\x01" protocol header is a one-off synthetic frame emitted
// only at the start of a connection.
package amqp

import (
	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/proto"
)

// FrameType identifies an AMQP frame's payload kind.
type FrameType byte

const (
	Method    FrameType = 1
	Header    FrameType = 2
	Body      FrameType = 3
	Heartbeat FrameType = 8
)

const frameEnd = 0xCE

// Frame is one AMQP 0-9-1 frame.
type Frame struct {
	frame.Base

	IsProtocolHeader bool
	FrameType        FrameType
	Channel          uint16
	ClassID          uint16
	MethodID         uint16

	// Fields carries the handful of method arguments worth surfacing
	// per-frame (exchange/queue/routing-key names), for the methods where
	// the original C parser extracts them (amqp_parser.c). Nil for methods
	// this extractor does not decode further.
	Fields map[string]string
}

// Base implements frame.Frame.
func (f *Frame) Base() *frame.Base { return &f.Base }

// MethodPair is one entry in the declarative request->response method-pair
// table. Grounded on amqp_matcher.c's explicit pairing list; encoded here
// as data rather than an if-chain per spec.md §9, and always keyed on the
// full (class, method) pair since method ids alone collide across classes
// (METHOD_CHANNEL_CLOSE == METHOD_BASIC_PUBLISH == 40 in the flat C enum).
type MethodPair struct {
	Class          uint16
	RequestMethod  uint16
	ResponseMethod uint16
}

const (
	classConnection = 10
	classChannel    = 20
	classExchange   = 40
	classQueue      = 50
	classBasic      = 60
	classTx         = 90
	classConfirm    = 85
)

// MethodPairs is the fixed table of AMQP request methods that expect a
// paired response on the same channel. Methods not listed here (e.g.
// Basic.Publish, Basic.Ack) have no protocol-level acknowledgement and are
// never matched by the (class, method) table; the matcher emits them as
// one-sided records or drops them after the orphan timeout.
var MethodPairs = []MethodPair{
	{classConnection, 10, 11}, // Start / Start-Ok
	{classConnection, 20, 21}, // Secure / Secure-Ok
	{classConnection, 30, 31}, // Tune / Tune-Ok
	{classConnection, 40, 41}, // Open / Open-Ok
	{classConnection, 50, 51}, // Close / Close-Ok
	{classChannel, 10, 11},    // Open / Open-Ok
	{classChannel, 20, 21},    // Flow / Flow-Ok
	{classChannel, 40, 41},    // Close / Close-Ok
	{classExchange, 10, 11},   // Declare / Declare-Ok
	{classExchange, 20, 21},   // Delete / Delete-Ok
	{classQueue, 10, 11},      // Declare / Declare-Ok
	{classQueue, 20, 21},      // Bind / Bind-Ok
	{classQueue, 30, 31},      // Purge / Purge-Ok
	{classQueue, 40, 41},      // Delete / Delete-Ok
	{classQueue, 50, 51},      // Unbind / Unbind-Ok
	{classBasic, 10, 11},      // Qos / Qos-Ok
	{classBasic, 20, 21},      // Consume / Consume-Ok
	{classBasic, 30, 31},      // Cancel / Cancel-Ok
	{classBasic, 70, 71},      // Get / Get-Ok (Get-Empty=72 also valid; matcher checks both)
	{classTx, 10, 11},         // Select / Select-Ok
	{classTx, 20, 21},         // Commit / Commit-Ok
	{classTx, 30, 31},         // Rollback / Rollback-Ok
	{classConfirm, 10, 11},    // Select / Select-Ok
}

// requestMethodFor reports whether (class, method) is a known response
// method and, if so, the request method it pairs with.
func requestMethodFor(class, method uint16) (uint16, bool) {
	// Basic.Get-Empty (72) is an alternate response to Basic.Get (70),
	// not listed as a distinct table row since it shares the request side.
	if class == classBasic && method == 72 {
		return 70, true
	}
	for _, p := range MethodPairs {
		if p.Class == class && p.ResponseMethod == method {
			return p.RequestMethod, true
		}
	}
	return 0, false
}

// HasResponse reports whether (class, method) is a known request method
// that expects a paired response.
func HasResponse(class, method uint16) bool {
	for _, p := range MethodPairs {
		if p.Class == class && p.RequestMethod == method {
			return true
		}
	}
	return false
}

// IsResponseMethod reports whether (class, method) is listed as a response
// in the table, and returns the request method it answers.
func IsResponseMethod(class, method uint16) (uint16, bool) {
	return requestMethodFor(class, method)
}

var protocolHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// shortStr reads an AMQP short-string (1-byte length prefix, no trailing
// NUL) at the start of args, returning its text and the byte count
// consumed, or ok=false if args is too short.
func shortStr(args []byte) (string, int, bool) {
	if len(args) < 1 {
		return "", 0, false
	}
	n := int(args[0])
	if len(args) < 1+n {
		return "", 0, false
	}
	return string(args[1 : 1+n]), 1 + n, true
}

// methodFields decodes the handful of method arguments the original
// implementation surfaces per-frame: exchange/queue declaration names and
// Basic.Publish's exchange+routing-key, matching amqp_parser.c. The
// argument lists of these three methods begin with a 2-byte "reserved"
// short (a deprecated ticket field), skipped here before the first
// short-string.
func methodFields(class, method uint16, args []byte) map[string]string {
	if len(args) < 2 {
		return nil
	}
	args = args[2:]
	switch {
	case class == classExchange && method == 10: // Exchange.Declare
		name, n, ok := shortStr(args)
		if !ok {
			return nil
		}
		kind, _, ok := shortStr(args[n:])
		fields := map[string]string{"exchange": name}
		if ok {
			fields["type"] = kind
		}
		return fields
	case class == classQueue && method == 10: // Queue.Declare
		name, _, ok := shortStr(args)
		if !ok {
			return nil
		}
		return map[string]string{"queue": name}
	case class == classBasic && method == 40: // Basic.Publish
		exchange, n, ok := shortStr(args)
		if !ok {
			return nil
		}
		routingKey, _, ok := shortStr(args[n:])
		fields := map[string]string{"exchange": exchange}
		if ok {
			fields["routing_key"] = routingKey
		}
		return fields
	}
	return nil
}

// Extractor implements frame.Extractor for AMQP.
type Extractor struct{}

// FindBoundary looks for the next byte that is a valid frame-type value;
// false positives are common since frame type is a single small integer,
// so resynchronization here is best-effort.
func (Extractor) FindBoundary(buf []byte) int {
	for i, b := range buf {
		switch FrameType(b) {
		case Method, Header, Body, Heartbeat:
			return i
		}
	}
	return -1
}

// ParseOne parses either the one-off protocol header or a standard
// type+channel+length+payload+0xCE frame.
func (Extractor) ParseOne(buf []byte, dir proto.Direction) (frame.Frame, frame.Status) {
	if len(buf) >= 4 && string(buf[:4]) == "AMQP" {
		if len(buf) < 8 {
			return nil, frame.NeedsMoreData
		}
		matches := buf[4] == 0 && buf[5] == 0 && buf[6] == 9 && buf[7] == 1
		if !matches {
			return nil, frame.Invalid
		}
		f := &Frame{IsProtocolHeader: true, Kind: proto.Request}
		f.Len = 8
		f.Payload = buf[:8]
		return f, frame.Success
	}

	if len(buf) < 7 {
		return nil, frame.NeedsMoreData
	}
	ftype := FrameType(buf[0])
	switch ftype {
	case Method, Header, Body, Heartbeat:
	default:
		return nil, frame.Invalid
	}
	channel := uint16(buf[1])<<8 | uint16(buf[2])
	length := uint32(buf[3])<<24 | uint32(buf[4])<<16 | uint32(buf[5])<<8 | uint32(buf[6])
	total := 7 + int(length) + 1
	if len(buf) < total {
		return nil, frame.NeedsMoreData
	}
	if buf[total-1] != frameEnd {
		return nil, frame.Invalid
	}

	f := &Frame{FrameType: ftype, Channel: channel}
	f.Len = total
	f.Payload = buf[:total]

	if ftype == Method && length >= 4 {
		payload := buf[7 : 7+length]
		f.ClassID = uint16(payload[0])<<8 | uint16(payload[1])
		f.MethodID = uint16(payload[2])<<8 | uint16(payload[3])
		if _, ok := IsResponseMethod(f.ClassID, f.MethodID); ok {
			f.Kind = proto.Response
		} else {
			f.Kind = proto.Request
		}
		f.Fields = methodFields(f.ClassID, f.MethodID, payload[4:])
	} else {
		// Header, body, and heartbeat frames carry no method id of their
		// own; they are classified as requests by convention and excluded
		// from response-table matching (the matcher pairs on Method
		// frames only).
		f.Kind = proto.Request
	}
	return f, frame.Success
}
