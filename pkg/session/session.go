// Package session converts per-frame "rule fired" callbacks into immediate
// bus notifications and time-bounded encoded video chunks. Memory is
// bounded on both sides: a fixed frame ring per session and a bounded
// encode queue; overload drops old frames or whole chunks, never the newest
// event and never the caller's time.
package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/vigilcam/vigil/pkg/config"
	"github.com/vigilcam/vigil/pkg/framestore"
	"github.com/vigilcam/vigil/pkg/pubsub"
	"github.com/vigilcam/vigil/pkg/types"
)

// State is the per-session lifecycle. Only the sweeper (or shutdown flush)
// moves a session from active to closing.
type State string

const (
	StateActive   State = "ACTIVE"
	StateEncoding State = "ENCODING"
	StateClosing  State = "CLOSING"
)

// ChunkEncoder encodes a frame sequence into MP4 bytes. Satisfied by
// encoder.ChunkEncoder.
type ChunkEncoder interface {
	Encode(ctx context.Context, frames [][]byte, fps, width, height int) ([]byte, error)
}

// EventContext carries the registry records an event references. Device may
// be nil when the camera is not bound to one.
type EventContext struct {
	Agent  *types.Agent
	Camera *types.Camera
	Device *types.Device
}

type sessionKey struct {
	agentID   string
	ruleIndex int
}

type session struct {
	id    string
	ctx   EventContext
	rule  int
	label string

	fps           int
	width, height int
	frameLimit    int

	state         State
	openedAt      time.Time
	lastEventAt   time.Time
	chunkOpenedAt time.Time
	chunkNumber   int

	ring *frameRing
}

// Manager owns all live event sessions for the process.
type Manager struct {
	cfg        config.Session
	video      config.Video
	defaultFPS int
	clk        clock.Clock
	loc        *time.Location

	encoder ChunkEncoder
	bus     pubsub.Publisher

	mu       sync.Mutex
	sessions map[sessionKey]*session
	stopped  bool

	jobs      chan encodeJob
	done      chan struct{} // dispatcher exit
	producers sync.WaitGroup
	sweepCtx  context.Context
	sweepEnd  context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(cfg config.Session, video config.Video, defaultFPS int, enc ChunkEncoder, bus pubsub.Publisher, loc *time.Location, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if loc == nil {
		loc = time.UTC
	}
	if defaultFPS < 1 {
		defaultFPS = 5
	}
	queueSize := cfg.EncodeQueue
	if queueSize < 1 {
		queueSize = 1
	}
	m := &Manager{
		cfg:        cfg,
		video:      video,
		defaultFPS: defaultFPS,
		clk:        clk,
		loc:        loc,
		encoder:    enc,
		bus:        bus,
		sessions:   map[sessionKey]*session{},
		jobs:       make(chan encodeJob, queueSize),
		done:       make(chan struct{}),
	}
	m.sweepCtx, m.sweepEnd = context.WithCancel(context.Background())
	return m
}

// Start launches the encode dispatcher and the expiry sweeper.
func (m *Manager) Start() {
	go m.dispatch()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.clk.Ticker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.sweepCtx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// HandleEventFrame records one fired rule. It opens a session when none is
// live for (agent, rule), emits the immediate notification on open, buffers
// the frame and splits a chunk when the current one is full. The call never
// blocks beyond ring bookkeeping and a bounded queue push.
func (m *Manager) HandleEventFrame(ec EventContext, ruleIndex int, label string, frame *framestore.Envelope, det *types.Detections) {
	if !frame.Valid() {
		log.Warn().Str("agent_id", ec.Agent.ID).Msg("dropping invalid event frame")
		return
	}

	now := m.clk.Now()
	key := sessionKey{agentID: ec.Agent.ID, ruleIndex: ruleIndex}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}

	s, live := m.sessions[key]
	if !live {
		s = m.openSession(key, ec, label, frame, now)
		m.sessions[key] = s

		// Best effort, off the caller's path. The session is open whether
		// or not the notification lands.
		go m.notify(s, frame, det, now)
	}

	s.lastEventAt = now
	s.ring.push(timedFrame{pixels: frame.Pixels, ts: now})

	var job *encodeJob
	if s.state == StateActive &&
		(s.ring.len() >= s.frameLimit || now.Sub(s.chunkOpenedAt) >= m.cfg.ChunkDuration) {
		j := m.cutChunk(s, false, now)
		job = &j
		// Registered under the lock: Stop sets stopped under the same lock
		// and waits for producers before closing the queue, so this push
		// can never hit a closed channel.
		m.producers.Add(1)
	}
	m.mu.Unlock()

	if job != nil {
		m.enqueue(*job)
		m.producers.Done()
	}
}

func (m *Manager) openSession(key sessionKey, ec EventContext, label string, frame *framestore.Envelope, now time.Time) *session {
	fps := ec.Agent.EffectiveFPS(m.defaultFPS)
	frameLimit := fps * int(m.cfg.ChunkDuration/time.Second)
	if frameLimit < 1 {
		frameLimit = 1
	}
	capacity := int(math.Ceil(float64(frameLimit) * 1.1))

	s := &session{
		id:            fmt.Sprintf("%s_%d_%d", key.agentID, key.ruleIndex, now.Unix()),
		ctx:           ec,
		rule:          key.ruleIndex,
		label:         label,
		fps:           fps,
		width:         frame.Width,
		height:        frame.Height,
		frameLimit:    frameLimit,
		state:         StateActive,
		openedAt:      now,
		lastEventAt:   now,
		chunkOpenedAt: now,
		ring:          newFrameRing(capacity),
	}

	log.Info().
		Str("session_id", s.id).
		Str("agent_id", key.agentID).
		Int("rule_index", key.ruleIndex).
		Str("label", label).
		Msg("event session opened")

	return s
}

// cutChunk snapshots the ring into an encode job and advances the chunk
// counter. Caller holds the lock and has verified the state allows it.
func (m *Manager) cutChunk(s *session, final bool, now time.Time) encodeJob {
	if final {
		s.state = StateClosing
	} else {
		s.state = StateEncoding
	}

	frames := s.ring.drain()
	if n := s.ring.takeDropped(); n > 0 {
		log.Warn().
			Str("session_id", s.id).
			Uint64("dropped_frames", n).
			Msg("frame ring overflowed, oldest frames lost")
	}
	job := encodeJob{
		session:     s,
		chunkNumber: s.chunkNumber,
		final:       final,
		frames:      frames,
	}
	if len(frames) > 0 {
		job.start = frames[0].ts
		job.end = frames[len(frames)-1].ts
	}

	s.chunkNumber++
	s.chunkOpenedAt = now
	return job
}

// enqueue pushes a job onto the bounded encode queue, blocking briefly. A
// full queue drops the chunk rather than growing memory; the session state
// is advanced as if the job had completed.
func (m *Manager) enqueue(job encodeJob) {
	t := m.clk.Timer(100 * time.Millisecond)
	defer t.Stop()
	select {
	case m.jobs <- job:
	case <-t.C:
		log.Warn().
			Str("session_id", job.session.id).
			Int("chunk_number", job.chunkNumber).
			Int("frames", len(job.frames)).
			Msg("encode queue full, dropping chunk")
		m.finishJob(job)
	}
}

// sweep closes sessions whose last event is older than the session timeout.
func (m *Manager) sweep() {
	now := m.clk.Now()

	m.mu.Lock()
	var jobs []encodeJob
	for key, s := range m.sessions {
		if s.state != StateActive || now.Sub(s.lastEventAt) < m.cfg.Timeout {
			continue
		}
		if s.ring.len() == 0 {
			// Nothing left to flush; close in place.
			delete(m.sessions, key)
			log.Info().Str("session_id", s.id).Msg("event session expired with empty buffer")
			continue
		}
		jobs = append(jobs, m.cutChunk(s, true, now))
	}
	m.mu.Unlock()

	for _, job := range jobs {
		m.enqueue(job)
	}
}

// Stop flushes every active session as a final chunk, then drains the
// encode queue and waits for in-flight encodes.
func (m *Manager) Stop() {
	m.sweepEnd()
	m.wg.Wait()

	now := m.clk.Now()

	m.mu.Lock()
	m.stopped = true
	var jobs []encodeJob
	for key, s := range m.sessions {
		if s.state != StateActive {
			continue
		}
		if s.ring.len() == 0 {
			delete(m.sessions, key)
			continue
		}
		jobs = append(jobs, m.cutChunk(s, true, now))
	}
	m.mu.Unlock()

	for _, job := range jobs {
		m.enqueue(job)
	}

	// Callers that cut a chunk before stopped was set may still hold a
	// pending push.
	m.producers.Wait()
	close(m.jobs)
	<-m.done
	log.Info().Msg("event session manager stopped")
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// finishJob advances the session state machine after a job completed, was
// dropped, or failed: final jobs remove the session, partial jobs return it
// to active.
func (m *Manager) finishJob(job encodeJob) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey{agentID: job.session.ctx.Agent.ID, ruleIndex: job.session.rule}
	if job.final {
		delete(m.sessions, key)
		log.Info().Str("session_id", job.session.id).Msg("event session closed")
		return
	}
	if job.session.state == StateEncoding {
		job.session.state = StateActive
	}
}

func (m *Manager) formatTime(t time.Time) string {
	return t.In(m.loc).Format(time.RFC3339)
}
