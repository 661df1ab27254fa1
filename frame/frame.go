// Package frame defines the common frame and extractor contract every
// per-protocol parser implements: find_boundary to resynchronize onto a
// plausible frame start, and ParseOne to attempt a single frame parse.
package frame

import (
	"github.com/foolishisme/l7probe/proto"
)

// Status is the outcome of a single ParseOne call.
type Status int

const (
	// NeedsMoreData means the buffered bytes are a valid-so-far prefix of
	// a frame but the frame isn't complete yet; the caller should wait for
	// more bytes before calling ParseOne again at the same offset.
	NeedsMoreData Status = iota
	// Success means a complete frame was parsed; Frame.Len bytes should be
	// consumed from the buffer.
	Success
	// Invalid means the bytes at the current offset cannot be a valid
	// frame of this protocol; the caller should attempt resynchronization
	// via FindBoundary.
	Invalid
)

// Base carries the fields common to every protocol's frame type. Protocol
// extractors embed Base and add their own parsed fields.
type Base struct {
	Kind      proto.Kind
	Len       int // total bytes this frame occupies in the stream, header included
	Payload   []byte
	Timestamp int64 // nanoseconds, as supplied by the caller's event timestamp
}

// Frame is implemented by every protocol's concrete frame type.
type Frame interface {
	Base() *Base
}

// Extractor is implemented once per protocol. A stream.Stream drives it
// with the find_boundary + ParseOne loop described in spec.md §3.
type Extractor interface {
	// FindBoundary scans buf for the earliest offset that could plausibly
	// begin a frame of this protocol, returning -1 if none is found. It is
	// called after ParseOne returns Invalid, to resynchronize the stream.
	FindBoundary(buf []byte) int

	// ParseOne attempts to parse exactly one frame starting at buf[0]. dir
	// is the stream's role-relative direction — Egress means "the bytes
	// travel from protocol client to protocol server", Ingress the
	// reverse — already reconciled against the tracker's derived L7Role,
	// not the raw physical socket direction the bytes arrived on. Callers
	// must remap physical direction through the tracker's L7Role before
	// invoking ParseOne (tracker.Advance does this); protocols (PostgreSQL,
	// MySQL) whose frame kind depends on which side sent it rely on dir
	// already being client/server-relative so the same extractor works
	// whether the traced process is the protocol's client or its server.
	ParseOne(buf []byte, dir proto.Direction) (Frame, Status)
}
