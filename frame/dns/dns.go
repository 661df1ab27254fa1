// Package dns implements a fixed-layout DNS message frame extractor. DNS
// carries no explicit frame length over UDP transports (one datagram is
// one message), so a full message is just "whatever bytes one data event
// delivered" bounded by the 12-byte header plus its question/record
// sections; this extractor validates the header and trusts event framing
// for the boundary, matching how the original probe treats DNS as
// effectively one-shot per datagram.
package dns

import (
	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/proto"
)

// Frame is one DNS message.
type Frame struct {
	frame.Base
	TxID uint16
}

// Base implements frame.Frame.
func (f *Frame) Base() *frame.Base { return &f.Base }

// Extractor implements frame.Extractor for DNS.
type Extractor struct{}

// FindBoundary has no interior resynchronization point: a DNS datagram is
// parsed whole or not at all.
func (Extractor) FindBoundary(buf []byte) int {
	if len(buf) >= 12 {
		return 0
	}
	return -1
}

// ParseOne validates the 12-byte header and, since each data event carries
// exactly one datagram's payload, treats the entire buffer as the frame.
func (Extractor) ParseOne(buf []byte, dir proto.Direction) (frame.Frame, frame.Status) {
	if len(buf) < 12 {
		return nil, frame.NeedsMoreData
	}
	if len(buf) > 512 {
		return nil, frame.Invalid
	}
	if buf[3]&0x70 != 0 {
		return nil, frame.Invalid
	}
	f := &Frame{TxID: uint16(buf[0])<<8 | uint16(buf[1])}
	f.Len = len(buf)
	f.Payload = buf
	qr := buf[2]&0x80 != 0
	if qr {
		f.Kind = proto.Response
	} else {
		f.Kind = proto.Request
	}
	return f, frame.Success
}
