package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilcam/vigil/pkg/framestore"
	"github.com/vigilcam/vigil/pkg/inference"
	"github.com/vigilcam/vigil/pkg/session"
	"github.com/vigilcam/vigil/pkg/store"
	"github.com/vigilcam/vigil/pkg/types"
)

type capturedEvent struct {
	ruleIndex  int
	label      string
	frameIndex uint64
}

type captureSink struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (s *captureSink) HandleEventFrame(_ session.EventContext, ruleIndex int, label string, frame *framestore.Envelope, _ *types.Detections) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, capturedEvent{ruleIndex: ruleIndex, label: label, frameIndex: frame.FrameIndex})
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *captureSink) last() capturedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

// modelRecorder captures which models get asked per frame.
type modelRecorder struct {
	mu     sync.Mutex
	models []string
}

func (r *modelRecorder) Detect(_ context.Context, model string, env *framestore.Envelope) (types.Detections, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = append(r.models, model)
	return types.Detections{Timestamp: env.ProducedAt}, nil
}

func (r *modelRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.models...)
}

func newFrame(index uint64, at time.Time) *framestore.Envelope {
	return &framestore.Envelope{
		Width:      4,
		Height:     4,
		FrameIndex: index,
		ProducedAt: at,
		SourceFPS:  25,
		Pixels:     make([]byte, 4*4*3),
	}
}

func personAgent() *types.Agent {
	return &types.Agent{
		ID:       "agent-1",
		Name:     "door watcher",
		CameraID: "cam-1",
		Model:    "yolo11n",
		FPS:      5,
		RunMode:  types.RunModeContinuous,
		Status:   types.AgentStatusRunning,
		Rules: []types.Rule{
			{Type: types.RuleTypeClassPresence, Class: "person"},
		},
	}
}

func testCamera() *types.Camera {
	return &types.Camera{ID: "cam-1", OwnerUserID: "user-1", StreamURL: "rtsp://example/stream"}
}

// advanceUntil drives the mock clock in small steps until cond holds.
func advanceUntil(t *testing.T, mock *clock.Mock, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		mock.Add(50 * time.Millisecond)
		return cond()
	}, 5*time.Second, time.Millisecond)
}

func TestWorkerProcessesFramesAndDedupes(t *testing.T) {
	frames := framestore.NewStore()
	mock := clock.NewMock()
	sink := &captureSink{}
	registry := store.NewInMemory()
	agent := personAgent()
	registry.PutAgent(agent)
	fake := inference.NewFake(types.Detections{
		Classes: []string{"person"},
		Scores:  []float32{0.9},
		Boxes:   [][4]float32{{1, 1, 3, 3}},
	})

	frames.Put("cam-1", newFrame(1, mock.Now()))

	w := New(agent, testCamera(), nil, Deps{
		Frames:     frames,
		Detector:   fake,
		Sink:       sink,
		Registry:   registry,
		Clock:      mock,
		DefaultFPS: 5,
	})
	go w.Run(context.Background())

	advanceUntil(t, mock, func() bool { return fake.Calls() == 1 })

	// The same frame is never reprocessed.
	for i := 0; i < 20; i++ {
		mock.Add(50 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 1, fake.Calls())

	frames.Put("cam-1", newFrame(2, mock.Now()))
	advanceUntil(t, mock, func() bool { return fake.Calls() == 2 })

	// Each processed frame fired the presence rule.
	require.GreaterOrEqual(t, sink.count(), 2)
	ev := sink.last()
	assert.Equal(t, 0, ev.ruleIndex)
	assert.Equal(t, "person detected", ev.label)
	assert.Equal(t, uint64(2), ev.frameIndex)

	// Annotated output is published under the agent's key with the source
	// frame's index.
	out, ok := frames.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), out.FrameIndex)
	assert.True(t, out.Valid())

	// Heartbeats landed.
	got, err := registry.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.After(time.Unix(0, 0)))

	w.Stop()
	<-w.Done()
}

func TestWorkerCountsSkippedFrames(t *testing.T) {
	frames := framestore.NewStore()
	mock := clock.NewMock()
	registry := store.NewInMemory()
	agent := personAgent()
	registry.PutAgent(agent)
	fake := inference.NewFake()

	frames.Put("cam-1", newFrame(1, mock.Now()))

	w := New(agent, testCamera(), nil, Deps{
		Frames:     frames,
		Detector:   fake,
		Sink:       &captureSink{},
		Registry:   registry,
		Clock:      mock,
		DefaultFPS: 5,
	})
	go w.Run(context.Background())

	advanceUntil(t, mock, func() bool { return fake.Calls() == 1 })

	// The hub raced ahead: frames 2..4 were never seen.
	frames.Put("cam-1", newFrame(5, mock.Now()))
	advanceUntil(t, mock, func() bool { return fake.Calls() == 2 })

	w.Stop()
	<-w.Done()
	assert.Equal(t, uint64(3), w.skipped)
	assert.Equal(t, uint64(2), w.processed)
}

func TestWorkerSelfExpiryMarksCompleted(t *testing.T) {
	mock := clock.NewMock()
	registry := store.NewInMemory()
	agent := personAgent()
	end := mock.Now()
	agent.EndTime = &end
	registry.PutAgent(agent)

	w := New(agent, testCamera(), nil, Deps{
		Frames:     framestore.NewStore(),
		Detector:   inference.NewFake(),
		Sink:       &captureSink{},
		Registry:   registry,
		Clock:      mock,
		DefaultFPS: 5,
	})
	w.Run(context.Background())

	got, err := registry.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusCompleted, got.Status)
}

func TestWorkerStopLeavesStatusAlone(t *testing.T) {
	mock := clock.NewMock()
	registry := store.NewInMemory()
	agent := personAgent()
	registry.PutAgent(agent)

	w := New(agent, testCamera(), nil, Deps{
		Frames:     framestore.NewStore(),
		Detector:   inference.NewFake(),
		Sink:       &captureSink{},
		Registry:   registry,
		Clock:      mock,
		DefaultFPS: 5,
	})
	go w.Run(context.Background())

	w.Stop()
	<-w.Done()

	got, err := registry.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusRunning, got.Status)
}

func TestWorkerSourceEndedMarksCompleted(t *testing.T) {
	mock := clock.NewMock()
	registry := store.NewInMemory()
	agent := personAgent()
	registry.PutAgent(agent)

	w := New(agent, testCamera(), nil, Deps{
		Frames:     framestore.NewStore(),
		Detector:   inference.NewFake(),
		Sink:       &captureSink{},
		Registry:   registry,
		Clock:      mock,
		DefaultFPS: 5,
	})
	go w.Run(context.Background())

	w.SourceEnded()
	<-w.Done()

	got, err := registry.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusCompleted, got.Status)
}

func TestWorkerAddsPoseModelForFallRules(t *testing.T) {
	frames := framestore.NewStore()
	mock := clock.NewMock()
	registry := store.NewInMemory()
	agent := personAgent()
	agent.Rules = []types.Rule{{Type: types.RuleTypeAccidentPresence}}
	registry.PutAgent(agent)
	rec := &modelRecorder{}

	frames.Put("cam-1", newFrame(1, mock.Now()))

	w := New(agent, testCamera(), nil, Deps{
		Frames:     frames,
		Detector:   rec,
		Sink:       &captureSink{},
		Registry:   registry,
		Clock:      mock,
		DefaultFPS: 5,
	})
	go w.Run(context.Background())

	advanceUntil(t, mock, func() bool { return len(rec.seen()) >= 2 })
	w.Stop()
	<-w.Done()

	assert.Equal(t, []string{"yolo11n", inference.PoseModel}, rec.seen()[:2])
}

func TestWorkerPoseModelNotDuplicated(t *testing.T) {
	agent := personAgent()
	agent.Model = "yolo11n-pose"
	agent.Rules = []types.Rule{{Type: types.RuleTypeAccidentPresence}}

	w := New(agent, testCamera(), nil, Deps{DefaultFPS: 5, Clock: clock.NewMock()})
	assert.False(t, w.needsPose)
}

// slowTickDetector counts calls and advances the clock once mid-run to
// mimic one inference round overrunning the frame period.
type slowTickDetector struct {
	mu      sync.Mutex
	calls   int
	stallAt int
	stall   func()
}

func (d *slowTickDetector) Detect(_ context.Context, _ string, env *framestore.Envelope) (types.Detections, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	if n == d.stallAt && d.stall != nil {
		d.stall()
	}
	return types.Detections{Timestamp: env.ProducedAt}, nil
}

func (d *slowTickDetector) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestWorkerPacingHoldsTargetRate(t *testing.T) {
	frames := framestore.NewStore()
	mock := clock.NewMock()
	registry := store.NewInMemory()
	agent := personAgent() // 5 fps, one frame per 200 ms
	registry.PutAgent(agent)
	det := &slowTickDetector{
		stallAt: 12,
		stall:   func() { mock.Add(300 * time.Millisecond) },
	}

	w := New(agent, testCamera(), nil, Deps{
		Frames:     frames,
		Detector:   det,
		Sink:       &captureSink{},
		Registry:   registry,
		Clock:      mock,
		DefaultFPS: 5,
	})
	go w.Run(context.Background())

	var idx uint64
	idx++
	frames.Put("cam-1", newFrame(idx, mock.Now()))
	advanceUntil(t, mock, func() bool { return det.count() >= 1 })

	// Feed a fresh frame every 50 ms of clock time for ten seconds. The
	// hub produces four times faster than the agent's rate; the pacer must
	// hold one detection per 200 ms, and the overrun in the middle must
	// neither stall the rate afterwards nor be repaid as a burst.
	start := mock.Now()
	base := det.count()
	for i := 0; i < 200; i++ {
		idx++
		frames.Put("cam-1", newFrame(idx, mock.Now()))
		mock.Add(50 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	window := mock.Now().Sub(start)
	processed := det.count() - base

	w.Stop()
	<-w.Done()

	target := int(window / (200 * time.Millisecond))
	assert.InDelta(t, float64(target), float64(processed), 1)
}

func TestWorkerPatrolSleepsThenRunsWindow(t *testing.T) {
	frames := framestore.NewStore()
	mock := clock.NewMock()
	registry := store.NewInMemory()
	agent := personAgent()
	agent.RunMode = types.RunModePatrol
	agent.IntervalMinutes = 1
	agent.CheckDurationSeconds = 2
	registry.PutAgent(agent)
	fake := inference.NewFake()

	frames.Put("cam-1", newFrame(1, mock.Now()))

	w := New(agent, testCamera(), nil, Deps{
		Frames:     frames,
		Detector:   fake,
		Sink:       &captureSink{},
		Registry:   registry,
		Clock:      mock,
		DefaultFPS: 5,
	})
	go w.Run(context.Background())

	// Half the patrol interval passes: no detection, but heartbeats land.
	for i := 0; i < 30; i++ {
		mock.Add(time.Second)
		time.Sleep(time.Millisecond)
	}
	assert.Zero(t, fake.Calls())
	got, err := registry.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.After(time.Unix(0, 0)))

	// The window opens after the full interval and processes the frame.
	advanceUntil(t, mock, func() bool { return fake.Calls() >= 1 })

	w.Stop()
	<-w.Done()
}
