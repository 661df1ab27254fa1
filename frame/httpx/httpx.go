// Package httpx implements the HTTP/1.x frame extractor (spec.md §4.3):
// request and status lines, headers, and a body delimited by either
// Content-Length or chunked transfer-encoding.
package httpx

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/proto"
)

// Frame is one HTTP/1.x request or response message.
type Frame struct {
	frame.Base

	Method  string // request only
	Path    string // request only
	Status  int    // response only
	Headers map[string]string
}

// Base implements frame.Frame.
func (f *Frame) Base() *frame.Base { return &f.Base }

// Extractor implements frame.Extractor for HTTP/1.x.
type Extractor struct{}

var crlfcrlf = []byte("\r\n\r\n")

// FindBoundary scans for the start of the next request or status line,
// identified by the leading token set the inferrer itself uses plus
// "OPTIONS", "PATCH", and the "HTTP/1." response prefix.
func (Extractor) FindBoundary(buf []byte) int {
	prefixes := [][]byte{
		[]byte("GET "), []byte("HEAD"), []byte("POST"), []byte("PUT "),
		[]byte("DELETE"), []byte("HTTP/1."), []byte("OPTIONS"), []byte("PATCH"),
	}
	best := -1
	for _, p := range prefixes {
		if i := bytes.Index(buf, p); i >= 0 && (best == -1 || i < best) {
			best = i
		}
	}
	return best
}

// ParseOne parses a single HTTP message: start line, headers, and body.
func (Extractor) ParseOne(buf []byte, dir proto.Direction) (frame.Frame, frame.Status) {
	headerEnd := bytes.Index(buf, crlfcrlf)
	if headerEnd < 0 {
		if len(buf) > 64*1024 {
			return nil, frame.Invalid
		}
		return nil, frame.NeedsMoreData
	}
	head := string(buf[:headerEnd])
	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 {
		return nil, frame.Invalid
	}
	startLine := lines[0]

	f := &Frame{Headers: map[string]string{}}
	isResponse := strings.HasPrefix(startLine, "HTTP/1.")

	if isResponse {
		parts := strings.SplitN(startLine, " ", 3)
		if len(parts) < 2 {
			return nil, frame.Invalid
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, frame.Invalid
		}
		f.Status = code
		f.Kind = proto.Response
	} else {
		parts := strings.SplitN(startLine, " ", 3)
		if len(parts) < 2 {
			return nil, frame.Invalid
		}
		f.Method = parts[0]
		f.Path = parts[1]
		f.Kind = proto.Request
	}

	for _, l := range lines[1:] {
		i := strings.Index(l, ":")
		if i < 0 {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(l[:i]))
		v := strings.TrimSpace(l[i+1:])
		f.Headers[k] = v
	}

	bodyStart := headerEnd + len(crlfcrlf)

	if strings.EqualFold(f.Headers["transfer-encoding"], "chunked") {
		bodyLen := chunkedBodyLen(buf[bodyStart:])
		if bodyLen < 0 {
			return nil, frame.NeedsMoreData
		}
		end := bodyStart + bodyLen
		f.Len = end
		f.Payload = buf[:end]
		return f, frame.Success
	}

	clStr, hasCL := f.Headers["content-length"]
	bodyLen := 0
	if hasCL {
		n, err := strconv.Atoi(clStr)
		if err != nil || n < 0 {
			return nil, frame.Invalid
		}
		bodyLen = n
	}
	end := bodyStart + bodyLen
	if len(buf) < end {
		return nil, frame.NeedsMoreData
	}
	f.Len = end
	f.Payload = buf[:end]
	return f, frame.Success
}

// chunkedBodyLen scans a chunked-encoding body starting right after the
// headers and returns the number of bytes the full chunked body (including
// the terminating zero-chunk and trailing CRLF) occupies, or -1 if the
// bytes seen so far are an incomplete prefix.
func chunkedBodyLen(buf []byte) int {
	off := 0
	for {
		lineEnd := bytes.Index(buf[off:], []byte("\r\n"))
		if lineEnd < 0 {
			return -1
		}
		sizeLine := string(buf[off : off+lineEnd])
		if i := strings.Index(sizeLine, ";"); i >= 0 {
			sizeLine = sizeLine[:i]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
		if err != nil {
			return -1
		}
		off += lineEnd + 2
		if size == 0 {
			if off+2 > len(buf) {
				return -1
			}
			return off + 2
		}
		need := off + int(size) + 2
		if need > len(buf) {
			return -1
		}
		off = need
	}
}
