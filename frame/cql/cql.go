// Package cql implements the Cassandra native protocol (CQL) frame
// extractor: a fixed 9-byte header (version, flags, stream, opcode, body
// length) followed by a length-prefixed body.
package cql

import (
	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/proto"
)

// Frame is one CQL native-protocol frame.
type Frame struct {
	frame.Base
	Opcode byte
	Stream int16
}

// Base implements frame.Frame.
func (f *Frame) Base() *frame.Base { return &f.Base }

var requestOps = map[byte]bool{
	0x01: true, // STARTUP
	0x05: true, // OPTIONS
	0x07: true, // QUERY
	0x09: true, // PREPARE
	0x0A: true, // EXECUTE
	0x0B: true, // REGISTER
	0x0D: true, // BATCH
	0x0F: true, // AUTH_RESPONSE
}

// Extractor implements frame.Extractor for CQL.
type Extractor struct{}

// FindBoundary looks for the next byte whose low-7-bit version is
// plausible and whose flags' high nibble is zero.
func (Extractor) FindBoundary(buf []byte) int {
	for i := 0; i+9 <= len(buf); i++ {
		v := buf[i] & 0x7f
		if (v == 3 || v == 4 || v == 5) && buf[i+1]&0xf0 == 0 {
			return i
		}
	}
	return -1
}

// ParseOne parses the 9-byte header plus its length-prefixed body.
func (Extractor) ParseOne(buf []byte, dir proto.Direction) (frame.Frame, frame.Status) {
	if len(buf) < 9 {
		return nil, frame.NeedsMoreData
	}
	version := buf[0] & 0x7f
	if version != 3 && version != 4 && version != 5 {
		return nil, frame.Invalid
	}
	if buf[1]&0xf0 != 0 {
		return nil, frame.Invalid
	}
	bodyLen := int(buf[5])<<24 | int(buf[6])<<16 | int(buf[7])<<8 | int(buf[8])
	total := 9 + bodyLen
	if len(buf) < total {
		return nil, frame.NeedsMoreData
	}
	f := &Frame{
		Opcode: buf[4],
		Stream: int16(buf[2])<<8 | int16(buf[3]),
	}
	f.Len = total
	f.Payload = buf[:total]
	directionBit := buf[0]&0x80 != 0
	if requestOps[f.Opcode] {
		if directionBit {
			return nil, frame.Invalid
		}
		f.Kind = proto.Request
	} else {
		if !directionBit {
			return nil, frame.Invalid
		}
		f.Kind = proto.Response
	}
	return f, frame.Success
}
