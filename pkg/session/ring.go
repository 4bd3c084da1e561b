package session

import "time"

type timedFrame struct {
	pixels []byte
	ts     time.Time
}

// frameRing is a fixed-capacity circular buffer of event frames. Overflow
// drops the oldest frame; the newest event frame is never lost.
type frameRing struct {
	buf     []timedFrame
	start   int
	count   int
	dropped uint64
}

func newFrameRing(capacity int) *frameRing {
	if capacity < 1 {
		capacity = 1
	}
	return &frameRing{buf: make([]timedFrame, capacity)}
}

func (r *frameRing) push(f timedFrame) {
	if r.count == len(r.buf) {
		r.buf[r.start] = f
		r.start = (r.start + 1) % len(r.buf)
		r.dropped++
		return
	}
	r.buf[(r.start+r.count)%len(r.buf)] = f
	r.count++
}

func (r *frameRing) len() int { return r.count }

// takeDropped returns the overflow count since the last call and resets it.
func (r *frameRing) takeDropped() uint64 {
	n := r.dropped
	r.dropped = 0
	return n
}

// drain returns the buffered frames in arrival order and clears the ring.
func (r *frameRing) drain() []timedFrame {
	out := make([]timedFrame, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	r.start = 0
	r.count = 0
	return out
}
