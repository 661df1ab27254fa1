// Package events defines the engine's three input event shapes (spec.md
// §6): control (OPEN/CLOSE), stats, and data events. The output record
// sink's callback type is probe.Sink. The perf-ring transport that
// produces these is out of scope; this package only defines the shapes
// user space consumes.
package events

import (
	"github.com/foolishisme/l7probe/connid"
	"github.com/foolishisme/l7probe/proto"
)

// ControlKind is the kind of a ControlEvent.
type ControlKind int

const (
	Open ControlKind = iota
	Close
)

// ControlEvent reports a connection lifecycle transition.
type ControlEvent struct {
	ConnID     connid.ID
	TSNano     int64
	Kind       ControlKind
	Client     connid.Addr // OPEN only
	Server     connid.Addr // OPEN only
	L4Role     proto.L4Role
	IsSSL      bool
	WriteTotal uint64 // CLOSE only
	ReadTotal  uint64 // CLOSE only
}

// StatsEvent reports cumulative byte counters for a connection.
type StatsEvent struct {
	ConnID     connid.ID
	TSNano     int64
	WriteTotal uint64
	ReadTotal  uint64
}

// MaxDataPayload is the largest payload a single data event may carry
// (spec.md §2: "≤ 8 KiB − 1").
const MaxDataPayload = 8*1024 - 1

// DataEvent carries one raw payload chunk for one direction of one
// connection. ActualByteLength may exceed len(Payload) when the kernel
// truncated the chunk. The engine appends only len(Payload) bytes to the
// raw buffer; it does not advance the raw-buffer cursor past the missing
// suffix, so a truncated chunk can desync the stream.
type DataEvent struct {
	ConnID           connid.ID
	TSNano           int64
	ProtocolHint     proto.Protocol // optional, 0 == unset
	L7RoleHint       proto.L7Role   // optional, 0 == unset
	Direction        proto.Direction
	IsSSL            bool
	AbsoluteOffset   int64
	ActualByteLength int
	Payload          []byte // len(Payload) == SubmittedByteLength
	Index            uint64
}

// Truncated reports whether the kernel delivered fewer bytes than the
// connection actually wrote/read.
func (e DataEvent) Truncated() bool {
	return len(e.Payload) < e.ActualByteLength
}
