package wsfmp4

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilcam/vigil/pkg/framestore"
)

// box builds an mp4 box with a 32-bit size header.
func box(fourcc string, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(8+len(payload)))
	copy(out[4:8], fourcc)
	copy(out[8:], payload)
	return out
}

func TestInitCaptureSplitsAcrossChunks(t *testing.T) {
	ftyp := box("ftyp", []byte("isomiso6"))
	moov := box("moov", make([]byte, 40))
	media := box("moof", make([]byte, 16))

	stream := append(append(append([]byte{}, ftyp...), moov...), media...)

	c := &initCapture{}
	var out []byte
	// Feed in awkward 7-byte chunks to cross every header boundary.
	for i := 0; i < len(stream); i += 7 {
		end := i + 7
		if end > len(stream) {
			end = len(stream)
		}
		out = append(out, c.feed(stream[i:end])...)
	}

	require.True(t, c.done)
	assert.Equal(t, append(append([]byte{}, ftyp...), moov...), c.segment)
	assert.Equal(t, media, out)
}

func TestInitCaptureHandlesLargesizeHeader(t *testing.T) {
	// A box using the 64-bit largesize form before moov.
	payload := []byte("xx")
	large := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint32(large[:4], 1)
	copy(large[4:8], "free")
	binary.BigEndian.PutUint64(large[8:16], uint64(16+len(payload)))
	copy(large[16:], payload)

	moov := box("moov", make([]byte, 8))

	c := &initCapture{}
	out := c.feed(append(append([]byte{}, large...), moov...))
	require.True(t, c.done)
	assert.Empty(t, out)
	assert.Len(t, c.segment, len(large)+len(moov))
}

func TestInitCaptureAbortsOnOpenEndedBox(t *testing.T) {
	bad := box("mdat", []byte("data"))
	binary.BigEndian.PutUint32(bad[:4], 0) // size 0: "to end of file"

	c := &initCapture{}
	out := c.feed(bad)
	require.True(t, c.done)
	assert.Nil(t, c.segment)
	assert.Equal(t, bad, out)

	// Later chunks pass straight through.
	assert.Equal(t, []byte("more"), c.feed([]byte("more")))
}

func TestInitCaptureAbortsOnImplausibleSize(t *testing.T) {
	bad := box("mdat", nil)
	binary.BigEndian.PutUint32(bad[:4], 4) // smaller than its own header

	c := &initCapture{}
	out := c.feed(bad)
	require.True(t, c.done)
	assert.Equal(t, bad, out)

	huge := box("mdat", nil)
	binary.BigEndian.PutUint32(huge[:4], 60<<20)
	c2 := &initCapture{}
	assert.Equal(t, huge, c2.feed(huge))
	assert.True(t, c2.done)
}

type fakeStreamEncoder struct {
	mu        sync.Mutex
	frames    [][]byte
	out       chan []byte
	closeOnce sync.Once
	closed    bool
}

func newFakeStreamEncoder(chunks ...[]byte) *fakeStreamEncoder {
	e := &fakeStreamEncoder{out: make(chan []byte, 16)}
	for _, c := range chunks {
		e.out <- c
	}
	return e
}

func (e *fakeStreamEncoder) WriteFrame(pixels []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, append([]byte(nil), pixels...))
	return nil
}

func (e *fakeStreamEncoder) Read(p []byte) (int, error) {
	chunk, ok := <-e.out
	if !ok {
		return 0, io.EOF
	}
	return copy(p, chunk), nil
}

func (e *fakeStreamEncoder) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.out)
	})
	return nil
}

func (e *fakeStreamEncoder) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeStreamEncoder) frameCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

type fakeConn struct {
	mu        sync.Mutex
	msgs      [][]byte
	failAfter int // fail writes once this many messages landed; -1 never
	closed    bool
}

func newFakeConn() *fakeConn { return &fakeConn{failAfter: -1} }

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter >= 0 && len(c.msgs) >= c.failAfter {
		return errors.New("write on closed socket")
	}
	c.msgs = append(c.msgs, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func agentFrame(index uint64) *framestore.Envelope {
	return &framestore.Envelope{
		Width:      4,
		Height:     4,
		FrameIndex: index,
		ProducedAt: time.Now(),
		Pixels:     make([]byte, 4*4*3),
	}
}

func newTestPublisher(enc *fakeStreamEncoder) (*Publisher, *framestore.Store) {
	frames := framestore.NewStore()
	factory := func(_ context.Context, _, _, _ int) (Encoder, error) { return enc, nil }
	return NewPublisher("agent-1", 5, frames, factory, nil), frames
}

func TestPublisherSendsInitThenMedia(t *testing.T) {
	ftyp := box("ftyp", []byte("isomiso6"))
	moov := box("moov", make([]byte, 24))
	media := box("moof", make([]byte, 12))

	// Init split across two reads, media in the second.
	split := len(ftyp) + len(moov)/2
	stream := append(append(append([]byte{}, ftyp...), moov...), media...)
	enc := newFakeStreamEncoder(stream[:split], stream[split:])

	p, frames := newTestPublisher(enc)
	frames.Put("agent-1", agentFrame(1))

	conn := newFakeConn()
	id, err := p.AddViewer(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, 1, p.ViewerCount())

	require.Eventually(t, func() bool { return len(conn.messages()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := conn.messages()
	assert.Equal(t, append(append([]byte{}, ftyp...), moov...), msgs[0], "first message is the init segment")
	assert.Equal(t, media, msgs[1])

	// The seeded frame reached the encoder exactly once.
	require.Eventually(t, func() bool { return enc.frameCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	p.RemoveViewer(id)
	assert.Zero(t, p.ViewerCount())
	assert.True(t, enc.isClosed(), "last viewer stops the encoder")
	assert.True(t, conn.closed)
}

func TestPublisherFailsWithoutFrames(t *testing.T) {
	p, _ := newTestPublisher(newFakeStreamEncoder())
	_, err := p.AddViewer(context.Background(), newFakeConn())
	require.ErrorIs(t, err, ErrNoFrames)
	assert.Zero(t, p.ViewerCount())
}

func TestPublisherDropsViewerOnWriteFailure(t *testing.T) {
	init := append(box("ftyp", []byte("isomiso6")), box("moov", make([]byte, 24))...)
	media := box("moof", make([]byte, 12))
	enc := newFakeStreamEncoder(init)

	p, frames := newTestPublisher(enc)
	frames.Put("agent-1", agentFrame(1))

	good := newFakeConn()
	flaky := newFakeConn()
	flaky.failAfter = 1 // accepts the init segment, fails on media

	_, err := p.AddViewer(context.Background(), good)
	require.NoError(t, err)
	_, err = p.AddViewer(context.Background(), flaky)
	require.NoError(t, err)
	require.Equal(t, 2, p.ViewerCount())

	enc.out <- media

	require.Eventually(t, func() bool { return p.ViewerCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(good.messages()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, flaky.closed)

	p.Stop()
	assert.True(t, enc.isClosed())
}

func TestPublisherStopDropsEveryViewer(t *testing.T) {
	init := append(box("ftyp", nil), box("moov", make([]byte, 8))...)
	enc := newFakeStreamEncoder(init)

	p, frames := newTestPublisher(enc)
	frames.Put("agent-1", agentFrame(1))

	a := newFakeConn()
	b := newFakeConn()
	_, err := p.AddViewer(context.Background(), a)
	require.NoError(t, err)
	_, err = p.AddViewer(context.Background(), b)
	require.NoError(t, err)

	p.Stop()
	assert.Zero(t, p.ViewerCount())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.True(t, enc.isClosed())
}
