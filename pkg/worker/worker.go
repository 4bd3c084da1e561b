// Package worker runs one detection loop per scheduled agent: pull the
// camera's latest frame, run the agent's models, annotate, evaluate rules
// and hand fired events to the session manager. Workers pace themselves to
// the agent's fps and always read the newest frame, never a backlog.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/vigilcam/vigil/pkg/annotate"
	"github.com/vigilcam/vigil/pkg/framestore"
	"github.com/vigilcam/vigil/pkg/inference"
	"github.com/vigilcam/vigil/pkg/rules"
	"github.com/vigilcam/vigil/pkg/session"
	"github.com/vigilcam/vigil/pkg/store"
	"github.com/vigilcam/vigil/pkg/types"
)

// EventSink receives fired rule events. Satisfied by session.Manager.
type EventSink interface {
	HandleEventFrame(ec session.EventContext, ruleIndex int, label string, frame *framestore.Envelope, det *types.Detections)
}

// Deps are the shared services a worker runs against.
type Deps struct {
	Frames     *framestore.Store
	Detector   inference.Detector
	Sink       EventSink
	Registry   store.Store
	Clock      clock.Clock
	DefaultFPS int
}

// exitReason says why a detection loop returned; it decides whether the
// worker writes a terminal status.
type exitReason int

const (
	exitNone exitReason = iota
	// exitStop: the orchestrator asked us to stop. The agent record already
	// reflects why, so the worker writes nothing.
	exitStop
	// exitExpired: the agent's own end_time passed.
	exitExpired
	// exitSourceEnded: a file source played out.
	exitSourceEnded
	// exitWindow: the current patrol window elapsed.
	exitWindow
)

// Worker is one agent's detection loop. Create with New, run with Run
// (blocking), stop with Stop. SourceEnded tells a worker bound to a file
// source that the file played out.
type Worker struct {
	agent  *types.Agent
	camera *types.Camera
	device *types.Device
	deps   Deps
	clk    clock.Clock

	fps       int
	period    time.Duration
	needsPose bool
	engine    *rules.Engine
	opts      annotate.Options
	eventCtx  session.EventContext

	stop     chan struct{}
	endSrc   chan struct{}
	stopOnce sync.Once
	endOnce  sync.Once
	done     chan struct{}

	lastSeen   uint64
	processed  uint64
	skipped    uint64
	statsSince time.Time
}

const (
	// frameBackoff is how long a tick waits when the store has no new frame.
	frameBackoff = 50 * time.Millisecond
	// statsEvery controls how often the sampling telemetry line is logged.
	statsEvery = 100
)

func New(agent *types.Agent, camera *types.Camera, device *types.Device, deps Deps) *Worker {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	fps := agent.EffectiveFPS(deps.DefaultFPS)

	return &Worker{
		agent:     agent,
		camera:    camera,
		device:    device,
		deps:      deps,
		clk:       clk,
		fps:       fps,
		period:    time.Second / time.Duration(fps),
		needsPose: agent.NeedsPoseModel() && !inference.IsPoseModel(agent.Model),
		engine:    rules.NewEngine(agent.ID, agent.Rules),
		opts:      annotate.OptionsForRules(agent.Rules),
		eventCtx: session.EventContext{
			Agent:  agent,
			Camera: camera,
			Device: device,
		},
		stop:   make(chan struct{}),
		endSrc: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Stop asks the worker to exit without writing a terminal status. Safe to
// call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// SourceEnded tells the worker its file source played out; the loop exits
// and the agent is marked COMPLETED.
func (w *Worker) SourceEnded() {
	w.endOnce.Do(func() { close(w.endSrc) })
}

// Done is closed when Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run executes the detection loop until stopped, expired or out of source.
// Self-detected completion (end_time reached, file ended) writes COMPLETED;
// an external stop writes nothing.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	log.Info().
		Str("agent_id", w.agent.ID).
		Str("camera_id", w.camera.ID).
		Str("model", w.agent.Model).
		Int("fps", w.fps).
		Str("run_mode", string(w.agent.RunMode)).
		Bool("pose_model", w.needsPose).
		Msg("detection worker started")

	w.statsSince = w.clk.Now()

	var reason exitReason
	if w.agent.RunMode == types.RunModePatrol {
		reason = w.runPatrol(ctx)
	} else {
		reason = w.runWindow(ctx, time.Time{})
	}

	if reason == exitExpired || reason == exitSourceEnded {
		if err := w.deps.Registry.UpdateAgentStatus(context.Background(), w.agent.ID, types.AgentStatusCompleted, w.clk.Now()); err != nil {
			log.Warn().Err(err).Str("agent_id", w.agent.ID).Msg("failed to mark agent completed")
		}
	}

	log.Info().
		Str("agent_id", w.agent.ID).
		Uint64("processed", w.processed).
		Uint64("skipped", w.skipped).
		Msg("detection worker stopped")
}

// runWindow processes frames at the agent's fps until an exit condition or,
// when windowEnd is set, the window closes. Pacing compensates for slow
// ticks by catching next up to now instead of accumulating lag.
func (w *Worker) runWindow(ctx context.Context, windowEnd time.Time) exitReason {
	next := w.clk.Now()

	for {
		now := w.clk.Now()
		if r, ok := w.shouldExit(ctx, now, windowEnd); ok {
			return r
		}

		if d := next.Sub(now); d > 0 {
			w.sleep(ctx, d)
			if r, ok := w.shouldExit(ctx, w.clk.Now(), windowEnd); ok {
				return r
			}
		}
		next = next.Add(w.period)
		if now := w.clk.Now(); next.Before(now) {
			next = now
		}

		w.tick(ctx)
	}
}

// runPatrol alternates interval sleeps with short detection windows. Rule
// state resets at each window start so duration gates never span windows.
func (w *Worker) runPatrol(ctx context.Context) exitReason {
	interval := time.Duration(w.agent.IntervalMinutes) * time.Minute
	window := time.Duration(w.agent.CheckDurationSeconds) * time.Second
	if window < time.Second {
		window = time.Second
	}

	for {
		if r := w.patrolSleep(ctx, interval); r != exitNone {
			return r
		}

		w.engine.Reset()
		start := w.clk.Now()
		log.Debug().Str("agent_id", w.agent.ID).Dur("window", window).Msg("patrol window opened")

		if r := w.runWindow(ctx, start.Add(window)); r != exitWindow {
			return r
		}
		log.Debug().Str("agent_id", w.agent.ID).Msg("patrol window ended")
	}
}

// patrolSleep idles for the patrol interval, heartbeating roughly every
// second so the agent never looks dead while dormant.
func (w *Worker) patrolSleep(ctx context.Context, d time.Duration) exitReason {
	end := w.clk.Now().Add(d)

	for {
		now := w.clk.Now()
		if r, ok := w.shouldExit(ctx, now, time.Time{}); ok {
			return r
		}
		if !now.Before(end) {
			return exitNone
		}

		step := time.Second
		if rem := end.Sub(now); rem < step {
			step = rem
		}
		w.sleep(ctx, step)

		if err := w.deps.Registry.TouchAgent(ctx, w.agent.ID, w.clk.Now()); err != nil {
			log.Debug().Err(err).Str("agent_id", w.agent.ID).Msg("patrol heartbeat failed")
		}
	}
}

// tick processes at most one new frame. Nothing new in the store means a
// short back-off, never reprocessing the same frame.
func (w *Worker) tick(ctx context.Context) {
	env, ok := w.deps.Frames.Get(w.camera.ID)
	if !ok || env.IsError() || env.FrameIndex == w.lastSeen {
		w.sleep(ctx, frameBackoff)
		return
	}

	if w.lastSeen != 0 && env.FrameIndex > w.lastSeen+1 {
		w.skipped += env.FrameIndex - w.lastSeen - 1
	}
	w.lastSeen = env.FrameIndex

	det := w.detect(ctx, env)

	out := env
	if w.opts.WantsAnnotation() {
		out = annotate.Annotate(env, &det, w.opts)
	}
	w.deps.Frames.Put(w.agent.ID, out)

	now := w.clk.Now()
	alert, reports := w.engine.Evaluate(&det, now)
	for _, r := range reports {
		log.Debug().
			Str("agent_id", w.agent.ID).
			Int("rule_index", r.RuleIndex).
			Str("label", r.Label).
			Msg("rule report")
	}
	if alert != nil {
		w.deps.Sink.HandleEventFrame(w.eventCtx, alert.RuleIndex, alert.Label, out, &det)
	}

	if err := w.deps.Registry.TouchAgent(ctx, w.agent.ID, now); err != nil {
		log.Debug().Err(err).Str("agent_id", w.agent.ID).Msg("agent heartbeat failed")
	}

	w.processed++
	if w.processed%statsEvery == 0 {
		elapsed := now.Sub(w.statsSince).Seconds()
		var achieved float64
		if elapsed > 0 {
			achieved = statsEvery / elapsed
		}
		log.Info().
			Str("agent_id", w.agent.ID).
			Uint64("processed", w.processed).
			Uint64("skipped", w.skipped).
			Int("target_fps", w.fps).
			Float64("achieved_fps", achieved).
			Float64("source_fps", env.SourceFPS).
			Uint64("hub_frame_index", env.FrameIndex).
			Msg("sampling")
		w.statsSince = now
	}
}

// detect runs the agent's model, plus the pose model when any rule consumes
// keypoints, and merges the outputs. Model failures degrade to empty
// detections so rule state still sees the frame.
func (w *Worker) detect(ctx context.Context, env *framestore.Envelope) types.Detections {
	det, err := w.deps.Detector.Detect(ctx, w.agent.Model, env)
	if err != nil {
		log.Warn().Err(err).
			Str("agent_id", w.agent.ID).
			Str("model", w.agent.Model).
			Msg("inference failed, treating frame as empty")
		det = types.Detections{}
	}

	if w.needsPose {
		pose, err := w.deps.Detector.Detect(ctx, inference.PoseModel, env)
		if err != nil {
			log.Warn().Err(err).
				Str("agent_id", w.agent.ID).
				Str("model", inference.PoseModel).
				Msg("pose inference failed")
		} else {
			det.Merge(pose)
		}
	}

	det.Timestamp = env.ProducedAt
	return det
}

// shouldExit checks every reason the loop must return, in priority order.
func (w *Worker) shouldExit(ctx context.Context, now time.Time, windowEnd time.Time) (exitReason, bool) {
	select {
	case <-ctx.Done():
		return exitStop, true
	case <-w.stop:
		return exitStop, true
	case <-w.endSrc:
		return exitSourceEnded, true
	default:
	}
	if w.agent.Expired(now) {
		return exitExpired, true
	}
	if !windowEnd.IsZero() && !now.Before(windowEnd) {
		return exitWindow, true
	}
	return exitNone, false
}

// sleep waits d on the injected clock, returning early on any exit signal.
// The caller re-checks shouldExit afterwards.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := w.clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-w.stop:
	case <-w.endSrc:
	}
}
