// Package stream implements the per-direction data stream (spec component
// C4): a raw buffer plus a FIFO of parsed frames awaiting the matcher,
// driven by the find_boundary/parse_one loop described in spec.md §4.3.
package stream

import (
	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/proto"
	"github.com/foolishisme/l7probe/rawbuf"
)

// Pending is one frame waiting in a stream's queue, together with the
// absolute stream offset and timestamp of its first byte so the matcher
// can compute latency and age it out.
type Pending struct {
	Frame     frame.Frame
	Offset    int64
	Timestamp int64
}

// Stream owns one direction's raw buffer and pending-frame queue.
type Stream struct {
	Buf   *rawbuf.Buffer
	Queue []Pending

	// stuck counts consecutive INVALID results not rescued by
	// FindBoundary; at StuckLimit the stream is reset.
	stuck      int
	stuckLimit int
	maxQueue   int

	lastProgress int64
	direction    proto.Direction
}

// New returns a Stream for one direction of a tracker.
func New(dir proto.Direction, buf *rawbuf.Buffer, stuckLimit, maxQueue int) *Stream {
	return &Stream{
		Buf:        buf,
		direction:  dir,
		stuckLimit: stuckLimit,
		maxQueue:   maxQueue,
	}
}

// Append adds a payload chunk to the stream's raw buffer.
func (s *Stream) Append(chunk []byte) {
	s.Buf.Append(chunk)
}

// Advance drives the extractor's find_boundary/parse_one loop over
// whatever unconsumed bytes the stream's buffer holds, per spec.md §4.3:
//
//	while buffer non-empty: parse_one; SUCCESS -> enqueue, continue;
//	NEEDS_MORE -> break; INVALID -> find_boundary; if found, consume up
//	to it and continue, else break.
//
// logicalDir is passed straight through to the extractor's ParseOne and
// must already be role-relative (client->server vs server->client), not
// necessarily equal to this stream's own physical direction — the caller
// (tracker.Advance) reconciles the two against the tracker's derived
// L7Role before calling Advance, since a stream's physical direction is
// fixed for its lifetime but which side is the protocol client is only
// known once classification completes.
//
// It returns true if the stream was reset due to hitting the stuck limit.
func (s *Stream) Advance(ex frame.Extractor, ts int64, logicalDir proto.Direction) (wasReset bool) {
	for {
		buf := s.Buf.Peek()
		if len(buf) == 0 {
			return false
		}
		f, status := ex.ParseOne(buf, logicalDir)
		switch status {
		case frame.Success:
			base := f.Base()
			base.Timestamp = ts
			s.enqueue(Pending{Frame: f, Offset: s.Buf.AbsOffset(), Timestamp: ts})
			s.Buf.Consume(base.Len)
			s.stuck = 0
			s.lastProgress = ts
			continue
		case frame.NeedsMoreData:
			return false
		case frame.Invalid:
			boundary := ex.FindBoundary(buf)
			if boundary > 0 {
				s.Buf.Consume(boundary)
				continue
			}
			s.stuck++
			if boundary == 0 {
				// find_boundary agrees the cursor is already a plausible
				// start; parsing it again would loop forever, so treat
				// this like no rescue was found.
				boundary = -1
			}
			if s.stuck >= s.stuckLimit {
				s.reset()
				return true
			}
			return false
		}
	}
}

func (s *Stream) enqueue(p Pending) {
	s.Queue = append(s.Queue, p)
	if s.maxQueue > 0 && len(s.Queue) > s.maxQueue {
		// oldest dropped, per spec.md §5's bounded frame-queue rule.
		s.Queue = s.Queue[len(s.Queue)-s.maxQueue:]
	}
}

// reset clears the buffer and frame queue but keeps protocol
// classification, per spec.md §4.4.
func (s *Stream) reset() {
	s.Buf.Consume(s.Buf.Len())
	s.Buf.Compact()
	s.Queue = nil
	s.stuck = 0
}

// LastProgress returns the timestamp of the most recent successfully
// parsed frame on this stream.
func (s *Stream) LastProgress() int64 {
	return s.lastProgress
}
