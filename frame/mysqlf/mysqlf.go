// Package mysqlf implements the MySQL client/server protocol frame
// extractor: a 3-byte little-endian length, a 1-byte sequence id, and a
// payload. Mirrors the packet layout proxy/mysql/conn.go reads off a live
// socket, adapted to the buffered find_boundary/parse_one contract since
// the engine here only ever sees already-captured bytes, never a live
// io.Reader it can block on.
package mysqlf

import (
	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/proto"
	"github.com/foolishisme/l7probe/query"
)

// Frame is one MySQL packet.
type Frame struct {
	frame.Base
	SequenceID byte
	Command    byte // first payload byte on a request; 0 on a response
	// Fingerprint is the normalized query text for a COM_QUERY frame,
	// empty otherwise.
	Fingerprint string
}

// Base implements frame.Frame.
func (f *Frame) Base() *frame.Base { return &f.Base }

var requestCommands = map[byte]bool{
	0x03: true, // COM_QUERY
	0x0B: true, // COM_CONNECT
	0x16: true, // COM_STMT_PREPARE
	0x17: true, // COM_STMT_EXECUTE
	0x19: true, // COM_STMT_CLOSE
}

// Extractor implements frame.Extractor for MySQL.
type Extractor struct{}

// FindBoundary has no reliable resynchronization signature for MySQL's
// binary framing: a packet header is four arbitrary-looking bytes. It
// returns -1, deferring to the stream's stuck-counter reset.
func (Extractor) FindBoundary(buf []byte) int {
	return -1
}

// ParseOne parses a single 4-byte-header MySQL packet. dir is the
// client/server-relative direction (Egress meaning client->server) the
// tracker has already reconciled against the connection's derived L7
// role, not the raw physical socket direction.
func (Extractor) ParseOne(buf []byte, dir proto.Direction) (frame.Frame, frame.Status) {
	if len(buf) < 4 {
		return nil, frame.NeedsMoreData
	}
	length := int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
	seq := buf[3]
	total := 4 + length
	if len(buf) < total {
		return nil, frame.NeedsMoreData
	}

	f := &Frame{SequenceID: seq}
	f.Len = total
	f.Payload = buf[:total]

	if dir == proto.Egress && length > 0 && requestCommands[buf[4]] {
		f.Kind = proto.Request
		f.Command = buf[4]
		if f.Command == 0x03 && length > 1 {
			f.Fingerprint = query.Normalize(string(buf[5:total]))
		}
	} else if dir == proto.Egress && seq == 0 {
		// Any other client-originated seq-0 packet (COM_QUIT, COM_PING,
		// etc.) is still a request even though the inferrer only
		// classifies the subset listed in requestCommands.
		f.Kind = proto.Request
		if length > 0 {
			f.Command = buf[4]
		}
	} else {
		f.Kind = proto.Response
	}
	return f, frame.Success
}
