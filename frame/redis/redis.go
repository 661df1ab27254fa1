// Package redis implements a RESP (REdis Serialization Protocol) frame
// extractor. RESP is recursive: arrays nest simple/bulk/integer/error
// elements, so parsing one frame means recursively parsing its children.
package redis

import (
	"bytes"
	"strconv"

	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/proto"
)

// Frame is one complete RESP value (simple string, error, integer, bulk
// string, or array).
type Frame struct {
	frame.Base
	Type byte // '+' '-' ':' '$' '*'
}

// Base implements frame.Frame.
func (f *Frame) Base() *frame.Base { return &f.Base }

// Extractor implements frame.Extractor for RESP.
type Extractor struct{}

// FindBoundary scans for the next plausible RESP type byte.
func (Extractor) FindBoundary(buf []byte) int {
	for i, b := range buf {
		switch b {
		case '+', '-', ':', '$', '*':
			return i
		}
	}
	return -1
}

// ParseOne parses one RESP value starting at buf[0]. Requests and replies
// share RESP framing; any value with a leading '*' (array) is tagged as a
// request (Redis command invocation), everything else as a response. This
// differs from the inferrer, which tags every RESP prefix as a request.
func (Extractor) ParseOne(buf []byte, dir proto.Direction) (frame.Frame, frame.Status) {
	n, status := respLen(buf)
	if status != frame.Success {
		return nil, status
	}
	f := &Frame{Type: buf[0]}
	f.Len = n
	f.Payload = buf[:n]
	if buf[0] == '*' {
		f.Kind = proto.Request
	} else {
		f.Kind = proto.Response
	}
	return f, frame.Success
}

// respLen returns the total byte length of one RESP value at buf[0], or a
// NeedsMoreData/Invalid status if it cannot yet (or never) be determined.
func respLen(buf []byte) (int, frame.Status) {
	if len(buf) == 0 {
		return 0, frame.NeedsMoreData
	}
	switch buf[0] {
	case '+', '-', ':':
		i := bytes.Index(buf, []byte("\r\n"))
		if i < 0 {
			return 0, frame.NeedsMoreData
		}
		return i + 2, frame.Success
	case '$':
		i := bytes.Index(buf, []byte("\r\n"))
		if i < 0 {
			return 0, frame.NeedsMoreData
		}
		size, err := strconv.Atoi(string(buf[1:i]))
		if err != nil {
			return 0, frame.Invalid
		}
		if size < 0 {
			// null bulk string: "$-1\r\n", no payload follows.
			return i + 2, frame.Success
		}
		total := i + 2 + size + 2
		if len(buf) < total {
			return 0, frame.NeedsMoreData
		}
		return total, frame.Success
	case '*':
		i := bytes.Index(buf, []byte("\r\n"))
		if i < 0 {
			return 0, frame.NeedsMoreData
		}
		count, err := strconv.Atoi(string(buf[1:i]))
		if err != nil {
			return 0, frame.Invalid
		}
		off := i + 2
		if count < 0 {
			return off, frame.Success
		}
		for k := 0; k < count; k++ {
			if off >= len(buf) {
				return 0, frame.NeedsMoreData
			}
			elemLen, st := respLen(buf[off:])
			if st != frame.Success {
				return 0, st
			}
			off += elemLen
		}
		return off, frame.Success
	}
	return 0, frame.Invalid
}
