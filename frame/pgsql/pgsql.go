// Package pgsql implements the PostgreSQL wire-protocol frame extractor.
// Every post-startup message is a 1-byte type tag followed by a 4-byte
// big-endian length (length field included in its own count) and a
// payload; this extractor does not handle the untagged startup packet,
// matching the inferrer's startup exclusion (spec.md §4.1).
package pgsql

import (
	"bytes"
	"encoding/binary"

	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/proto"
	"github.com/foolishisme/l7probe/query"
)

// Frame is one tagged PostgreSQL protocol message.
type Frame struct {
	frame.Base
	Tag byte
	// Fingerprint is the normalized query text for a simple-query ('Q')
	// frame, empty otherwise.
	Fingerprint string
}

// Base implements frame.Frame.
func (f *Frame) Base() *frame.Base { return &f.Base }

// Extractor implements frame.Extractor for PostgreSQL.
type Extractor struct{}

// FindBoundary looks for the next byte followed by a big-endian length
// field in [4, 16 MiB); the tag byte itself is not checked, and the length
// is not compared against the rest of the buffer. This is necessarily
// heuristic since single-byte tags collide with arbitrary payload bytes.
func (Extractor) FindBoundary(buf []byte) int {
	for i := 0; i < len(buf)-5; i++ {
		length := int(binary.BigEndian.Uint32(buf[i+1 : i+5]))
		if length >= 4 && length < 1<<24 {
			return i
		}
	}
	return -1
}

// ParseOne parses one tagged message. Tag alone is ambiguous for a few
// letters PostgreSQL reuses across request and response messages (S, D, C,
// H); dir disambiguates them: on the client-to-server (logical Egress)
// side they are requests, on the server-to-client (logical Ingress) side
// responses. dir is already role-relative, not the raw physical socket
// direction — the tracker remaps it against the connection's derived L7
// role before calling here, so this extractor behaves identically whether
// the traced process is the protocol's client or its server.
func (Extractor) ParseOne(buf []byte, dir proto.Direction) (frame.Frame, frame.Status) {
	if len(buf) < 5 {
		return nil, frame.NeedsMoreData
	}
	tag := buf[0]
	length := int(binary.BigEndian.Uint32(buf[1:5]))
	if length < 4 {
		return nil, frame.Invalid
	}
	total := 1 + length
	if len(buf) < total {
		return nil, frame.NeedsMoreData
	}

	f := &Frame{Tag: tag}
	f.Len = total
	f.Payload = buf[:total]

	if tag == 'Q' {
		body := buf[5:total]
		if i := bytes.IndexByte(body, 0); i >= 0 {
			body = body[:i]
		}
		f.Fingerprint = query.Normalize(string(body))
	}

	if dir == proto.Egress {
		f.Kind = proto.Request
	} else {
		f.Kind = proto.Response
	}
	return f, frame.Success
}
