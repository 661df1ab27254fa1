// Package crpc implements the frame extractor for the bank-internal CRPC
// protocol: a fixed binary header beginning with the magic bytes 0x1A 0x19,
// a big-endian total-length field, a big-endian header-length field, a
// version byte, and a flags byte encoding request/response and body
// format.
package crpc

import (
	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/proto"
)

// Frame is one CRPC message.
type Frame struct {
	frame.Base
	Version byte
}

// Base implements frame.Frame.
func (f *Frame) Base() *frame.Base { return &f.Base }

// Extractor implements frame.Extractor for CRPC.
type Extractor struct{}

// FindBoundary scans for the next occurrence of the two-byte magic.
func (Extractor) FindBoundary(buf []byte) int {
	for i := 0; i+2 <= len(buf); i++ {
		if buf[i] == 0x1A && buf[i+1] == 0x19 {
			return i
		}
	}
	return -1
}

// ParseOne validates the fixed header and, once the declared total length
// (bytes 2-5, big-endian, count-6) is satisfiable against the buffered
// bytes, treats the whole declared length as the frame.
func (Extractor) ParseOne(buf []byte, dir proto.Direction) (frame.Frame, frame.Status) {
	if len(buf) < 10 {
		return nil, frame.NeedsMoreData
	}
	if buf[0] != 0x1A || buf[1] != 0x19 {
		return nil, frame.Invalid
	}
	version := buf[8]
	if version != 1 && version != 2 {
		return nil, frame.Invalid
	}
	length := int(buf[2])<<24 | int(buf[3])<<16 | int(buf[4])<<8 | int(buf[5])
	headLen := int(buf[6])<<8 | int(buf[7])
	total := length + 6
	if total < 103 {
		return nil, frame.Invalid
	}
	if headLen != total-8 {
		return nil, frame.Invalid
	}
	if len(buf) < total {
		return nil, frame.NeedsMoreData
	}
	f := &Frame{Version: version}
	f.Len = total
	f.Payload = buf[:total]
	requestFlag := buf[9]&0x80 != 0
	if requestFlag {
		f.Kind = proto.Request
	} else {
		f.Kind = proto.Response
	}
	return f, frame.Success
}
