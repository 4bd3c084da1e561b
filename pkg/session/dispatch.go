package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/vigilcam/vigil/pkg/annotate"
	"github.com/vigilcam/vigil/pkg/framestore"
	"github.com/vigilcam/vigil/pkg/pubsub"
	"github.com/vigilcam/vigil/pkg/types"
)

type encodeJob struct {
	session     *session
	chunkNumber int
	final       bool
	frames      []timedFrame
	start, end  time.Time
}

// dispatch feeds queued jobs into a bounded worker pool. It exits when the
// queue is closed and every in-flight encode has finished.
func (m *Manager) dispatch() {
	defer close(m.done)

	workers := m.cfg.EncodeWorkers
	if workers < 1 {
		workers = 1
	}
	p := pool.New().WithMaxGoroutines(workers)

	for job := range m.jobs {
		job := job
		p.Go(func() {
			m.process(job)
		})
	}
	p.Wait()
}

func (m *Manager) process(job encodeJob) {
	// The state machine always advances, whether the chunk made it out
	// or not: a failed encode drops the chunk, not the session.
	defer m.finishJob(job)

	if len(job.frames) == 0 {
		return
	}

	s := job.session
	frames := make([][]byte, len(job.frames))
	for i, f := range job.frames {
		frames[i] = f.pixels
	}

	data, err := m.encoder.Encode(context.Background(), frames, s.fps, s.width, s.height)
	if err != nil {
		log.Error().Err(err).
			Str("session_id", s.id).
			Int("chunk_number", job.chunkNumber).
			Msg("chunk encode failed, dropping chunk")
		return
	}

	if m.video.Save {
		m.saveLocal(job, data)
	}

	m.emitChunk(job, data)
}

// saveLocal writes the chunk beside the bus emission. When the bus rejects
// an oversize chunk the local file remains the authoritative copy.
func (m *Manager) saveLocal(job encodeJob, data []byte) {
	if err := os.MkdirAll(m.video.SaveDir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", m.video.SaveDir).Msg("failed to create event video dir")
		return
	}

	kind := "partial"
	if job.final {
		kind = "final"
	}
	name := fmt.Sprintf("%s_chunk%03d_%s_%s.mp4",
		sanitizeName(job.session.id),
		job.chunkNumber,
		job.start.In(m.loc).Format("20060102_150405"),
		kind,
	)

	path := filepath.Join(m.video.SaveDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to save event video")
		return
	}
	log.Debug().Str("path", path).Str("size", humanize.Bytes(uint64(len(data)))).Msg("saved event video chunk")
}

func (m *Manager) emitChunk(job encodeJob, data []byte) {
	s := job.session
	duration := float64(len(job.frames)) / float64(s.fps)

	payload := types.EventVideoChunk{
		Type:           types.EventVideoType,
		SessionID:      s.id,
		SequenceNumber: job.chunkNumber,
		IsFinalChunk:   job.final,
		Chunk: types.ChunkInfo{
			ChunkNumber:     job.chunkNumber,
			StartTime:       m.formatTime(job.start),
			EndTime:         m.formatTime(job.end),
			DurationSeconds: duration,
		},
		Event: types.EventInfo{
			Label:     s.label,
			RuleIndex: s.rule,
			Timestamp: m.formatTime(s.openedAt),
		},
		Agent:  agentInfo(s.ctx),
		Camera: cameraInfo(s.ctx),
		Video: types.VideoAttachment{
			DataBase64: base64.StdEncoding.EncodeToString(data),
			Format:     "mp4",
			FPS:        s.fps,
			Resolution: types.Resolution{Width: s.width, Height: s.height},
		},
		Metadata: types.ChunkMetadata{
			SessionID:     s.id,
			ChunkSequence: job.chunkNumber,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("session_id", s.id).Msg("failed to marshal video chunk")
		return
	}

	if err := m.bus.Publish(context.Background(), s.id, body); err != nil {
		if errors.Is(err, pubsub.ErrPayloadTooLarge) {
			log.Error().Err(err).
				Str("session_id", s.id).
				Int("chunk_number", job.chunkNumber).
				Str("size", humanize.Bytes(uint64(len(body)))).
				Bool("saved_locally", m.video.Save).
				Msg("video chunk exceeds bus limit, dropped from bus")
			return
		}
		log.Error().Err(err).Str("session_id", s.id).Msg("failed to publish video chunk")
		return
	}

	log.Info().
		Str("session_id", s.id).
		Int("chunk_number", job.chunkNumber).
		Bool("is_final", job.final).
		Int("frames", len(job.frames)).
		Msg("published event video chunk")
}

// notify sends the immediate single-frame notification that opens a
// session. Failures only lose the notification, never the session.
func (m *Manager) notify(s *session, frame *framestore.Envelope, det *types.Detections, now time.Time) {
	jpegBytes, err := annotate.EncodeJPEG(frame, annotate.NotificationJPEGQuality)
	if err != nil {
		log.Error().Err(err).Str("session_id", s.id).Msg("failed to encode notification frame")
		return
	}

	payload := types.EventNotification{
		Event: types.EventInfo{
			Label:     s.label,
			RuleIndex: s.rule,
			Timestamp: m.formatTime(now),
		},
		Agent:  agentInfo(s.ctx),
		Camera: cameraInfo(s.ctx),
		Frame: types.FrameAttachment{
			ImageBase64: base64.StdEncoding.EncodeToString(jpegBytes),
			Format:      "jpeg",
		},
		Metadata: types.NotificationMetadata{
			VideoTimestamp: m.formatTime(now),
			Detections:     det,
			SessionID:      s.id,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("session_id", s.id).Msg("failed to marshal notification")
		return
	}

	if err := m.bus.Publish(context.Background(), s.ctx.Agent.ID, body); err != nil {
		log.Error().Err(err).Str("session_id", s.id).Msg("failed to publish event notification")
		return
	}

	log.Info().
		Str("session_id", s.id).
		Str("agent_id", s.ctx.Agent.ID).
		Str("label", s.label).
		Msg("published event notification")
}

func agentInfo(ec EventContext) types.AgentInfo {
	return types.AgentInfo{
		AgentID:   ec.Agent.ID,
		AgentName: ec.Agent.Name,
		CameraID:  ec.Agent.CameraID,
	}
}

func cameraInfo(ec EventContext) types.CameraInfo {
	info := types.CameraInfo{}
	if ec.Camera != nil {
		info.OwnerUserID = ec.Camera.OwnerUserID
		info.DeviceID = ec.Camera.DeviceID
	}
	if ec.Device != nil {
		info.DeviceID = ec.Device.DeviceID
	}
	return info
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return '-'
	}, name)
}
