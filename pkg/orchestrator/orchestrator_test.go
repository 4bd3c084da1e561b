package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilcam/vigil/pkg/framehub"
	"github.com/vigilcam/vigil/pkg/store"
	"github.com/vigilcam/vigil/pkg/types"
)

type fakeIngest struct {
	mu      sync.Mutex
	end     chan struct{}
	ret     error
	stopped bool
}

func (f *fakeIngest) Run(ctx context.Context) error {
	defer func() {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.end:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.ret
	}
}

// finish makes Run return err on its own, like a decode loop dying.
func (f *fakeIngest) finish(err error) {
	f.mu.Lock()
	f.ret = err
	f.mu.Unlock()
	close(f.end)
}

func (f *fakeIngest) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeWorker struct {
	mu          sync.Mutex
	stopped     bool
	sourceEnded bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{stop: make(chan struct{}), done: make(chan struct{})}
}

func (w *fakeWorker) Run(ctx context.Context) {
	defer close(w.done)
	select {
	case <-ctx.Done():
	case <-w.stop:
	}
}

func (w *fakeWorker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *fakeWorker) SourceEnded() {
	w.mu.Lock()
	w.sourceEnded = true
	w.mu.Unlock()
}

func (w *fakeWorker) Done() <-chan struct{} { return w.done }

func (w *fakeWorker) wasStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

func (w *fakeWorker) sawSourceEnd() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sourceEnded
}

type fixture struct {
	registry *store.InMemory
	mock     *clock.Mock

	mu      sync.Mutex
	ingests []*fakeIngest
	workers []*fakeWorker
}

func newFixture() *fixture {
	return &fixture{registry: store.NewInMemory(), mock: clock.NewMock()}
}

func (f *fixture) newIngester(_ *types.Camera) IngestRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	ing := &fakeIngest{end: make(chan struct{})}
	f.ingests = append(f.ingests, ing)
	return ing
}

func (f *fixture) newWorker(_ *types.Agent, _ *types.Camera, _ *types.Device) WorkerRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := newFakeWorker()
	f.workers = append(f.workers, w)
	return w
}

func (f *fixture) ingestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ingests)
}

func (f *fixture) workerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

func (f *fixture) ingest(i int) *fakeIngest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ingests[i]
}

func (f *fixture) worker(i int) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[i]
}

func (f *fixture) orchestrator() *Orchestrator {
	return New(Config{
		PollInterval: 5 * time.Second,
		Registry:     f.registry,
		Clock:        f.mock,
		NewIngester:  f.newIngester,
		NewWorker:    f.newWorker,
	})
}

// tickUntil advances whole poll intervals until cond holds.
func (f *fixture) tickUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mock.Add(5 * time.Second)
		return cond()
	}, 5*time.Second, time.Millisecond)
}

func activeCamera(id string) *types.Camera {
	return &types.Camera{ID: id, OwnerUserID: "user-1", StreamURL: "rtsp://example/" + id, Status: types.CameraStatusActive}
}

func runningAgent(id, cameraID string) *types.Agent {
	return &types.Agent{ID: id, CameraID: cameraID, Model: "yolo11n", FPS: 5, Status: types.AgentStatusActive}
}

func TestReconcileStartsIngestsAndWorkers(t *testing.T) {
	f := newFixture()
	f.registry.PutCamera(activeCamera("cam-1"))
	f.registry.PutAgent(runningAgent("agent-1", "cam-1"))

	o := f.orchestrator()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { o.Run(ctx); close(done) }()

	f.tickUntil(t, func() bool { return f.ingestCount() == 1 && f.workerCount() == 1 })

	got, err := f.registry.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusRunning, got.Status)

	cancel()
	<-done
	assert.True(t, f.worker(0).wasStopped())
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture()
	f.registry.PutCamera(activeCamera("cam-1"))
	f.registry.PutAgent(runningAgent("agent-1", "cam-1"))

	o := f.orchestrator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	f.tickUntil(t, func() bool { return f.workerCount() == 1 })

	// Several more polls change nothing.
	for i := 0; i < 5; i++ {
		f.mock.Add(5 * time.Second)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 1, f.ingestCount())
	assert.Equal(t, 1, f.workerCount())
}

func TestCancelledAgentStopsWorkerWithoutStatusWrite(t *testing.T) {
	f := newFixture()
	f.registry.PutCamera(activeCamera("cam-1"))
	f.registry.PutAgent(runningAgent("agent-1", "cam-1"))

	o := f.orchestrator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	f.tickUntil(t, func() bool { return f.workerCount() == 1 })

	// External cancellation: the record is already terminal.
	agent := runningAgent("agent-1", "cam-1")
	agent.Status = types.AgentStatusCancelled
	f.registry.PutAgent(agent)

	f.tickUntil(t, func() bool { return f.worker(0).wasStopped() })

	got, err := f.registry.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusCancelled, got.Status)
}

func TestExpiredAgentMarkedCompletedWithoutWorker(t *testing.T) {
	f := newFixture()
	f.registry.PutCamera(activeCamera("cam-1"))
	agent := runningAgent("agent-1", "cam-1")
	end := f.mock.Now().Add(-time.Minute)
	agent.EndTime = &end
	f.registry.PutAgent(agent)

	o := f.orchestrator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	f.tickUntil(t, func() bool {
		got, err := f.registry.GetAgent(context.Background(), "agent-1")
		return err == nil && got.Status == types.AgentStatusCompleted
	})
	assert.Zero(t, f.workerCount())
}

func TestPendingAgentNotScheduled(t *testing.T) {
	f := newFixture()
	f.registry.PutCamera(activeCamera("cam-1"))
	agent := runningAgent("agent-1", "cam-1")
	agent.Status = types.AgentStatusPending
	start := f.mock.Now().Add(time.Hour)
	agent.StartTime = &start
	f.registry.PutAgent(agent)

	o := f.orchestrator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	f.tickUntil(t, func() bool { return f.ingestCount() == 1 })
	for i := 0; i < 3; i++ {
		f.mock.Add(5 * time.Second)
		time.Sleep(time.Millisecond)
	}
	assert.Zero(t, f.workerCount())

	got, err := f.registry.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusPending, got.Status)
}

func TestDeadIngestIsRestarted(t *testing.T) {
	f := newFixture()
	f.registry.PutCamera(activeCamera("cam-1"))

	o := f.orchestrator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	f.tickUntil(t, func() bool { return f.ingestCount() == 1 })
	f.ingest(0).finish(errors.New("decoder crashed"))
	f.tickUntil(t, func() bool { return f.ingestCount() == 2 })
}

func TestFileSourceEndCompletesWorkersAndStaysDown(t *testing.T) {
	f := newFixture()
	f.registry.PutCamera(activeCamera("cam-1"))
	f.registry.PutAgent(runningAgent("agent-1", "cam-1"))

	o := f.orchestrator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	f.tickUntil(t, func() bool { return f.ingestCount() == 1 && f.workerCount() == 1 })
	f.ingest(0).finish(framehub.ErrSourceEnded)

	f.tickUntil(t, func() bool { return f.worker(0).sawSourceEnd() })

	// A played-out file is never re-opened.
	for i := 0; i < 3; i++ {
		f.mock.Add(5 * time.Second)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 1, f.ingestCount())
}

func TestInactiveCameraStopsIngest(t *testing.T) {
	f := newFixture()
	f.registry.PutCamera(activeCamera("cam-1"))

	o := f.orchestrator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	f.tickUntil(t, func() bool { return f.ingestCount() == 1 })

	cam := activeCamera("cam-1")
	cam.Status = types.CameraStatusInactive
	f.registry.PutCamera(cam)

	f.tickUntil(t, func() bool { return f.ingest(0).wasStopped() })
}
