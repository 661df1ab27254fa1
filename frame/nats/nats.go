// Package nats implements a line-oriented frame extractor for the NATS
// core protocol: most operations are a single CRLF-terminated line; PUB,
// HPUB, and MSG/HMSG carry a binary payload whose length is given on that
// control line.
package nats

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/proto"
)

// Frame is one NATS protocol operation.
type Frame struct {
	frame.Base
	Op      string
	Subject string
}

// Base implements frame.Frame.
func (f *Frame) Base() *frame.Base { return &f.Base }

var crlf = []byte("\r\n")

// Extractor implements frame.Extractor for NATS.
type Extractor struct{}

var ops = []string{"CONNECT", "INFO", "HPUB", "HMSG", "UNSUB", "SUB", "PUB", "MSG", "PING", "PONG", "+OK", "-ERR"}

// FindBoundary scans for the earliest recognizable operation token,
// case-insensitively, anywhere in the buffer; a match is not required to
// sit at a line start.
func (Extractor) FindBoundary(buf []byte) int {
	upper := bytes.ToUpper(buf)
	best := -1
	for _, op := range ops {
		if i := bytes.Index(upper, []byte(op)); i >= 0 && (best == -1 || i < best) {
			best = i
		}
	}
	return best
}

var payloadOps = map[string]bool{"PUB": true, "HPUB": true, "MSG": true, "HMSG": true}

var requestOps = map[string]bool{"CONNECT": true, "SUB": true, "PUB": true, "HPUB": true}

// ParseOne parses one NATS operation, including the binary payload for
// PUB/HPUB/MSG/HMSG which follows their control line.
func (Extractor) ParseOne(buf []byte, dir proto.Direction) (frame.Frame, frame.Status) {
	lineEnd := bytes.Index(buf, crlf)
	if lineEnd < 0 {
		if len(buf) > 4096 {
			return nil, frame.Invalid
		}
		return nil, frame.NeedsMoreData
	}
	line := string(buf[:lineEnd])
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, frame.Invalid
	}
	op := strings.ToUpper(fields[0])

	f := &Frame{Op: op}
	if len(fields) > 1 {
		f.Subject = fields[1]
	}
	if requestOps[op] {
		f.Kind = proto.Request
	} else {
		f.Kind = proto.Response
	}

	if !payloadOps[op] {
		f.Len = lineEnd + 2
		f.Payload = buf[:f.Len]
		return f, frame.Success
	}

	// Last field on the control line is always the payload byte count for
	// PUB/MSG; HPUB/HMSG carry two counts (header-bytes total-bytes) and
	// the total is the one that governs frame length.
	sizeField := fields[len(fields)-1]
	size, err := strconv.Atoi(sizeField)
	if err != nil {
		return nil, frame.Invalid
	}
	total := lineEnd + 2 + size + 2 // payload + trailing CRLF
	if len(buf) < total {
		return nil, frame.NeedsMoreData
	}
	f.Len = total
	f.Payload = buf[:total]
	return f, frame.Success
}
