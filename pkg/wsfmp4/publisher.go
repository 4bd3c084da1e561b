// Package wsfmp4 streams an agent's annotated frames to browser viewers as
// fragmented MP4 over WebSocket. One publisher per agent owns a single
// stream encoder shared by all its viewers; the encoder runs only while at
// least one viewer is connected.
package wsfmp4

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vigilcam/vigil/pkg/framestore"
)

// Conn is the viewer-facing subset of *websocket.Conn.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Encoder is the publisher-facing subset of encoder.StreamEncoder.
type Encoder interface {
	WriteFrame(pixels []byte) error
	Read(p []byte) (int, error)
	Close() error
}

// EncoderFactory builds the fMP4 encoder for the given geometry.
type EncoderFactory func(ctx context.Context, width, height, fps int) (Encoder, error)

const (
	// firstFrameWait bounds how long the first viewer waits for the agent
	// to publish any frame at all.
	firstFrameWait = 2 * time.Second
	framePollDelay = 100 * time.Millisecond
	// initSendWait is how long AddViewer waits to hand the init segment
	// over synchronously; after that the broadcaster delivers it.
	initSendWait = 500 * time.Millisecond
	readChunk    = 4096
)

var ErrNoFrames = errors.New("agent has produced no frames")

// pipeline is one encoder lifetime: it exists from the first viewer to the
// last.
type pipeline struct {
	enc       Encoder
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	initReady chan struct{}
	init      []byte // guarded by Publisher.mu
}

// Publisher fans one agent's encoded stream out to WebSocket viewers.
type Publisher struct {
	agentID    string
	fps        int
	frames     *framestore.Store
	newEncoder EncoderFactory
	clk        clock.Clock

	mu      sync.Mutex
	viewers map[uuid.UUID]*viewer
	pipe    *pipeline
}

type viewer struct {
	conn     Conn
	sentInit bool
}

func NewPublisher(agentID string, fps int, frames *framestore.Store, newEncoder EncoderFactory, clk clock.Clock) *Publisher {
	if clk == nil {
		clk = clock.New()
	}
	if fps < 1 {
		fps = 5
	}
	return &Publisher{
		agentID:    agentID,
		fps:        fps,
		frames:     frames,
		newEncoder: newEncoder,
		clk:        clk,
		viewers:    map[uuid.UUID]*viewer{},
	}
}

// AddViewer registers a WebSocket connection. The first viewer starts the
// encoder, which needs at least one published frame to size itself. The
// init segment is written to the connection as soon as it is known; media
// follows on the broadcast path.
func (p *Publisher) AddViewer(ctx context.Context, conn Conn) (uuid.UUID, error) {
	p.mu.Lock()
	if p.pipe == nil {
		if err := p.startLocked(ctx); err != nil {
			p.mu.Unlock()
			return uuid.Nil, err
		}
	}
	id := uuid.New()
	v := &viewer{conn: conn}
	p.viewers[id] = v
	pipe := p.pipe
	init := pipe.init
	p.mu.Unlock()

	if init == nil {
		t := p.clk.Timer(initSendWait)
		defer t.Stop()
		select {
		case <-pipe.initReady:
			p.mu.Lock()
			init = pipe.init
			p.mu.Unlock()
		case <-t.C:
			// Not ready yet; the broadcaster sends it when it lands.
		case <-ctx.Done():
		}
	}
	if init != nil {
		p.mu.Lock()
		if !v.sentInit {
			v.sentInit = true
			if err := conn.WriteMessage(websocket.BinaryMessage, init); err != nil {
				delete(p.viewers, id)
				p.mu.Unlock()
				p.stopIfIdle()
				return uuid.Nil, fmt.Errorf("failed to send init segment: %w", err)
			}
		}
		p.mu.Unlock()
	}

	log.Info().Str("agent_id", p.agentID).Str("viewer_id", id.String()).Msg("stream viewer attached")
	return id, nil
}

// RemoveViewer detaches a viewer; the last one out stops the encoder.
func (p *Publisher) RemoveViewer(id uuid.UUID) {
	p.mu.Lock()
	v, ok := p.viewers[id]
	if ok {
		delete(p.viewers, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	_ = v.conn.Close()
	log.Info().Str("agent_id", p.agentID).Str("viewer_id", id.String()).Msg("stream viewer detached")
	p.stopIfIdle()
}

// ViewerCount reports attached viewers.
func (p *Publisher) ViewerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.viewers)
}

// Stop drops every viewer and tears the encoder down.
func (p *Publisher) Stop() {
	p.mu.Lock()
	for id, v := range p.viewers {
		_ = v.conn.Close()
		delete(p.viewers, id)
	}
	pipe := p.pipe
	p.pipe = nil
	p.mu.Unlock()
	p.teardown(pipe)
}

// startLocked waits for the agent's first frame, then launches the encoder
// with that frame's geometry plus the feeder and broadcaster tasks. Called
// with the lock held; only the first viewer pays the wait.
func (p *Publisher) startLocked(ctx context.Context) error {
	env, err := p.waitForFrame(ctx)
	if err != nil {
		return err
	}

	fps := p.fps
	if m := int(math.Round(env.MeasuredFPS)); m >= 1 {
		fps = m
	}

	encCtx, cancel := context.WithCancel(context.Background())
	enc, err := p.newEncoder(encCtx, env.Width, env.Height, fps)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start stream encoder: %w", err)
	}

	pipe := &pipeline{
		enc:       enc,
		cancel:    cancel,
		initReady: make(chan struct{}),
	}
	p.pipe = pipe

	pipe.wg.Add(2)
	go p.feed(encCtx, pipe)
	go p.broadcast(pipe)

	log.Info().
		Str("agent_id", p.agentID).
		Int("width", env.Width).Int("height", env.Height).Int("fps", fps).
		Msg("fmp4 stream started")
	return nil
}

// waitForFrame polls the store until the agent publishes a usable frame.
func (p *Publisher) waitForFrame(ctx context.Context) (*framestore.Envelope, error) {
	deadline := p.clk.Now().Add(firstFrameWait)
	for {
		if env, ok := p.frames.Get(p.agentID); ok && env.Valid() {
			return env, nil
		}
		if !p.clk.Now().Before(deadline) {
			return nil, ErrNoFrames
		}
		t := p.clk.Timer(framePollDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
		t.Stop()
	}
}

// feed pumps new frames from the store into the encoder, deduping by index
// and dropping frames whose pixel buffer does not match the geometry the
// encoder was started with.
func (p *Publisher) feed(ctx context.Context, pipe *pipeline) {
	defer pipe.wg.Done()

	var lastIndex uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, ok := p.frames.Get(p.agentID)
		if !ok || env.IsError() || env.FrameIndex == lastIndex {
			p.sleep(ctx, framePollDelay/2)
			continue
		}
		lastIndex = env.FrameIndex

		if len(env.Pixels) != env.Width*env.Height*3 {
			log.Warn().
				Str("agent_id", p.agentID).
				Int("pixels", len(env.Pixels)).
				Int("expected", env.Width*env.Height*3).
				Msg("dropping malformed frame")
			continue
		}

		if err := pipe.enc.WriteFrame(env.Pixels); err != nil {
			log.Warn().Err(err).Str("agent_id", p.agentID).Msg("stream encoder rejected frame")
			return
		}
	}
}

// broadcast drains the encoder, captures the init segment and fans media
// chunks out to every viewer.
func (p *Publisher) broadcast(pipe *pipeline) {
	defer pipe.wg.Done()

	capture := &initCapture{}
	buf := make([]byte, readChunk)
	for {
		n, err := pipe.enc.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !capture.done {
				media := capture.feed(chunk)
				if capture.done && capture.segment != nil {
					p.mu.Lock()
					pipe.init = capture.segment
					p.mu.Unlock()
					close(pipe.initReady)
					log.Debug().
						Str("agent_id", p.agentID).
						Int("bytes", len(capture.segment)).
						Msg("init segment captured")
				}
				chunk = media
			}
			if len(chunk) > 0 {
				p.fanout(pipe, chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

// fanout sends one media chunk to every viewer, delivering the init segment
// first to viewers that joined before it was known. A failed send drops the
// viewer.
func (p *Publisher) fanout(pipe *pipeline, chunk []byte) {
	p.mu.Lock()
	var dropped []uuid.UUID
	for id, v := range p.viewers {
		if !v.sentInit {
			if pipe.init == nil {
				continue
			}
			if err := v.conn.WriteMessage(websocket.BinaryMessage, pipe.init); err != nil {
				dropped = append(dropped, id)
				continue
			}
			v.sentInit = true
		}
		if err := v.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		v := p.viewers[id]
		delete(p.viewers, id)
		_ = v.conn.Close()
		log.Debug().Str("agent_id", p.agentID).Str("viewer_id", id.String()).Msg("viewer dropped on write failure")
	}
	empty := len(p.viewers) == 0
	p.mu.Unlock()

	if empty && len(dropped) > 0 {
		// Off this goroutine: stopping waits for the broadcaster itself.
		go p.stopIfIdle()
	}
}

// stopIfIdle tears the pipeline down when no viewers remain.
func (p *Publisher) stopIfIdle() {
	p.mu.Lock()
	if len(p.viewers) > 0 || p.pipe == nil {
		p.mu.Unlock()
		return
	}
	pipe := p.pipe
	p.pipe = nil
	p.mu.Unlock()
	p.teardown(pipe)
}

func (p *Publisher) teardown(pipe *pipeline) {
	if pipe == nil {
		return
	}
	pipe.cancel()
	_ = pipe.enc.Close()
	pipe.wg.Wait()
	log.Info().Str("agent_id", p.agentID).Msg("fmp4 stream stopped")
}

func (p *Publisher) sleep(ctx context.Context, d time.Duration) {
	t := p.clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
