// Package orchestrator reconciles the registry's desired state with the
// set of running camera ingesters, detection workers and stream publishers.
// Reconciliation is a periodic idempotent set comparison; nothing reacts to
// registry change events directly.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/vigilcam/vigil/pkg/framehub"
	"github.com/vigilcam/vigil/pkg/store"
	"github.com/vigilcam/vigil/pkg/types"
)

// joinTimeout bounds how long reconciliation waits for a stopped task.
// Slow tasks are abandoned; they hold no locks the loop needs.
const joinTimeout = time.Second

// IngestRunner is one camera's decode loop. Satisfied by
// framehub.Ingester.
type IngestRunner interface {
	Run(ctx context.Context) error
}

// IngesterFactory builds the decode loop for a camera.
type IngesterFactory func(camera *types.Camera) IngestRunner

// WorkerRunner is one agent's detection loop. Satisfied by worker.Worker.
type WorkerRunner interface {
	Run(ctx context.Context)
	Stop()
	SourceEnded()
	Done() <-chan struct{}
}

// WorkerFactory builds the detection loop for an agent whose camera and
// device records have been resolved.
type WorkerFactory func(agent *types.Agent, camera *types.Camera, device *types.Device) WorkerRunner

// Publisher is a long-lived outbound stream (a WebRTC peer) kept alive
// alongside the ingest or worker it mirrors.
type Publisher interface {
	Run(ctx context.Context)
	Stop()
	Done() <-chan struct{}
}

// PublisherFactory builds outbound publishers. A nil factory disables
// publishing entirely.
type PublisherFactory interface {
	CameraPublisher(camera *types.Camera) Publisher
	AgentPublisher(agent *types.Agent, camera *types.Camera) Publisher
}

// Config wires an Orchestrator.
type Config struct {
	PollInterval time.Duration
	Registry     store.Store
	Clock        clock.Clock
	NewIngester  IngesterFactory
	NewWorker    WorkerFactory
	Publishers   PublisherFactory
}

type ingestHandle struct {
	camera *types.Camera
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	// ended marks a file source that played out; it is not restarted.
	ended bool
}

type workerHandle struct {
	agent    *types.Agent
	cameraID string
	w        WorkerRunner
	pub      *pubHandle
}

type pubHandle struct {
	p      Publisher
	cancel context.CancelFunc
}

// Orchestrator is the sole owner of the ingest, worker and publisher
// registries. All maps are touched only from the Run goroutine.
type Orchestrator struct {
	cfg Config
	clk clock.Clock

	ingests map[string]*ingestHandle // by camera id
	workers map[string]*workerHandle // by agent id
	camPubs map[string]*pubHandle    // by camera id
}

func New(cfg Config) *Orchestrator {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Orchestrator{
		cfg:     cfg,
		clk:     clk,
		ingests: map[string]*ingestHandle{},
		workers: map[string]*workerHandle{},
		camPubs: map[string]*pubHandle{},
	}
}

// Run reconciles until ctx is cancelled, then stops everything it started.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Info().Dur("poll_interval", o.cfg.PollInterval).Msg("orchestrator started")

	ticker := o.clk.Ticker(o.cfg.PollInterval)
	defer ticker.Stop()

	o.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case <-ticker.C:
			o.reconcile(ctx)
		}
	}
}

func (o *Orchestrator) reconcile(ctx context.Context) {
	now := o.clk.Now()
	o.reconcileCameras(ctx)
	o.reconcileAgents(ctx, now)
}

// reconcileCameras matches running ingesters (and camera publishers) to the
// set of active cameras.
func (o *Orchestrator) reconcileCameras(ctx context.Context) {
	cameras, err := o.cfg.Registry.ListActiveCameras(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list active cameras")
		return
	}

	active := map[string]*types.Camera{}
	for _, c := range cameras {
		active[c.ID] = c
	}

	// Stop ingesters whose camera went away.
	for id, h := range o.ingests {
		if _, ok := active[id]; ok {
			continue
		}
		o.stopIngest(id, h)
	}

	// Collect exits: file sources that played out complete their workers,
	// anything else is forgotten so the next loop restarts it.
	for id, h := range o.ingests {
		select {
		case <-h.done:
		default:
			continue
		}
		if h.ended {
			continue
		}
		if errors.Is(h.err, framehub.ErrSourceEnded) {
			h.ended = true
			for _, wh := range o.workers {
				if wh.cameraID == id {
					wh.w.SourceEnded()
				}
			}
			continue
		}
		log.Warn().Err(h.err).Str("camera_id", id).Msg("camera ingest died, restarting next tick")
		delete(o.ingests, id)
	}

	// Start what is missing.
	for id, camera := range active {
		if _, ok := o.ingests[id]; !ok {
			o.startIngest(camera)
		}
		if o.cfg.Publishers != nil {
			if _, ok := o.camPubs[id]; !ok {
				o.camPubs[id] = o.startPublisher(o.cfg.Publishers.CameraPublisher(camera))
			}
		}
	}
	for id, ph := range o.camPubs {
		if _, ok := active[id]; !ok {
			o.stopPublisher(ph)
			delete(o.camPubs, id)
		}
	}
}

// reconcileAgents matches running workers to the set of schedulable agents.
func (o *Orchestrator) reconcileAgents(ctx context.Context, now time.Time) {
	agents, err := o.cfg.Registry.ListEligibleAgents(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list eligible agents")
		return
	}

	// Reap workers that finished on their own.
	for id, h := range o.workers {
		select {
		case <-h.w.Done():
			o.dropWorker(id, h)
		default:
		}
	}

	schedulable := map[string]*types.Agent{}
	for _, a := range agents {
		if a.Expired(now) {
			if err := o.cfg.Registry.UpdateAgentStatus(ctx, a.ID, types.AgentStatusCompleted, now); err != nil {
				log.Warn().Err(err).Str("agent_id", a.ID).Msg("failed to mark expired agent completed")
			}
			log.Info().Str("agent_id", a.ID).Msg("agent window closed")
			continue
		}
		if a.Scheduled(now) {
			// Not started yet; stays PENDING.
			continue
		}
		schedulable[a.ID] = a
	}

	// Stop workers whose agent is no longer schedulable. The record already
	// says why (cancelled, completed above, deactivated), so the worker
	// writes no status of its own.
	for id, h := range o.workers {
		if _, ok := schedulable[id]; ok {
			continue
		}
		o.stopWorker(id, h)
	}

	for id, agent := range schedulable {
		if _, ok := o.workers[id]; ok {
			continue
		}
		o.startWorker(ctx, agent, now)
	}
}

func (o *Orchestrator) startIngest(camera *types.Camera) {
	runCtx, cancel := context.WithCancel(context.Background())
	h := &ingestHandle{
		camera: camera,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ing := o.cfg.NewIngester(camera)
	go func() {
		h.err = ing.Run(runCtx)
		close(h.done)
	}()
	o.ingests[camera.ID] = h
	log.Info().Str("camera_id", camera.ID).Str("stream_url", camera.StreamURL).Msg("camera ingest started")
}

func (o *Orchestrator) stopIngest(id string, h *ingestHandle) {
	h.cancel()
	o.join(h.done)
	delete(o.ingests, id)
	log.Info().Str("camera_id", id).Msg("camera ingest stopped")
}

func (o *Orchestrator) startWorker(ctx context.Context, agent *types.Agent, now time.Time) {
	camera, err := o.cfg.Registry.GetCamera(ctx, agent.CameraID)
	if err != nil {
		log.Warn().Err(err).
			Str("agent_id", agent.ID).
			Str("camera_id", agent.CameraID).
			Msg("cannot start worker, camera lookup failed")
		return
	}
	agent.SourceURI = camera.StreamURL

	var device *types.Device
	if camera.DeviceID != "" {
		device, err = o.cfg.Registry.GetDevice(ctx, camera.DeviceID)
		if err != nil {
			log.Debug().Err(err).Str("device_id", camera.DeviceID).Msg("device lookup failed")
		}
	}

	if err := o.cfg.Registry.UpdateAgentStatus(ctx, agent.ID, types.AgentStatusRunning, now); err != nil {
		log.Warn().Err(err).Str("agent_id", agent.ID).Msg("failed to mark agent running, retrying next tick")
		return
	}

	h := &workerHandle{
		agent:    agent,
		cameraID: camera.ID,
		w:        o.cfg.NewWorker(agent, camera, device),
	}
	if o.cfg.Publishers != nil {
		h.pub = o.startPublisher(o.cfg.Publishers.AgentPublisher(agent, camera))
	}
	go h.w.Run(context.Background())
	o.workers[agent.ID] = h
	log.Info().Str("agent_id", agent.ID).Str("camera_id", camera.ID).Msg("detection worker scheduled")
}

func (o *Orchestrator) stopWorker(id string, h *workerHandle) {
	h.w.Stop()
	o.join(h.w.Done())
	o.dropWorker(id, h)
	log.Info().Str("agent_id", id).Msg("detection worker stopped")
}

// dropWorker forgets a worker handle and tears down its publisher.
func (o *Orchestrator) dropWorker(id string, h *workerHandle) {
	if h.pub != nil {
		o.stopPublisher(h.pub)
	}
	delete(o.workers, id)
}

func (o *Orchestrator) startPublisher(p Publisher) *pubHandle {
	if p == nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	go p.Run(runCtx)
	return &pubHandle{p: p, cancel: cancel}
}

func (o *Orchestrator) stopPublisher(ph *pubHandle) {
	if ph == nil {
		return
	}
	ph.cancel()
	ph.p.Stop()
	o.join(ph.p.Done())
}

// join waits for done with the standard join timeout; laggards are
// abandoned.
func (o *Orchestrator) join(done <-chan struct{}) {
	t := o.clk.Timer(joinTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
	}
}

// shutdown stops every owned task. Worker agents stay RUNNING in the
// registry so a restarted process picks them straight back up.
func (o *Orchestrator) shutdown() {
	for id, h := range o.workers {
		o.stopWorker(id, h)
	}
	for id, h := range o.ingests {
		o.stopIngest(id, h)
	}
	for id, ph := range o.camPubs {
		o.stopPublisher(ph)
		delete(o.camPubs, id)
	}
	log.Info().Msg("orchestrator stopped")
}
