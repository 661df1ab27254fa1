// Package mongo implements a MongoDB wire-protocol frame extractor: a
// 4-byte little-endian message length prefix followed by the
// requestID/responseTo/opCode header and opcode-specific body.
package mongo

import (
	"encoding/binary"

	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/proto"
)

// Frame is one MongoDB wire-protocol message.
type Frame struct {
	frame.Base
	RequestID  int32
	ResponseTo int32
	OpCode     int32
}

// Base implements frame.Frame.
func (f *Frame) Base() *frame.Base { return &f.Base }

var validOpcodes = map[int32]bool{
	1: true, 2001: true, 2002: true, 2004: true, 2005: true,
	2006: true, 2007: true, 2012: true, 2013: true,
}

// Extractor implements frame.Extractor for MongoDB.
type Extractor struct{}

// FindBoundary looks for the next 16-byte header whose declared length is
// self-consistent and whose opcode is one of the known set.
func (Extractor) FindBoundary(buf []byte) int {
	for i := 0; i+16 <= len(buf); i++ {
		length := int32(binary.LittleEndian.Uint32(buf[i:]))
		opcode := int32(binary.LittleEndian.Uint32(buf[i+12:]))
		if length >= 16 && validOpcodes[opcode] {
			return i
		}
	}
	return -1
}

// ParseOne parses the 16-byte header and treats messageLength-16
// additional bytes as the opcode-specific body.
func (Extractor) ParseOne(buf []byte, dir proto.Direction) (frame.Frame, frame.Status) {
	if len(buf) < 16 {
		return nil, frame.NeedsMoreData
	}
	length := int32(binary.LittleEndian.Uint32(buf[0:4]))
	if length < 16 {
		return nil, frame.Invalid
	}
	requestID := int32(binary.LittleEndian.Uint32(buf[4:8]))
	responseTo := int32(binary.LittleEndian.Uint32(buf[8:12]))
	opcode := int32(binary.LittleEndian.Uint32(buf[12:16]))
	if requestID < 0 || !validOpcodes[opcode] {
		return nil, frame.Invalid
	}
	total := int(length)
	if len(buf) < total {
		return nil, frame.NeedsMoreData
	}
	f := &Frame{RequestID: requestID, ResponseTo: responseTo, OpCode: opcode}
	f.Len = total
	f.Payload = buf[:total]
	if responseTo == 0 {
		f.Kind = proto.Request
	} else {
		f.Kind = proto.Response
	}
	return f, frame.Success
}
