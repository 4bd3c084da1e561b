package webrtc

import (
	"context"
	"errors"
	"io"
	"math"
	"sync/atomic"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/rs/zerolog/log"

	"github.com/vigilcam/vigil/pkg/encoder"
	"github.com/vigilcam/vigil/pkg/framestore"
)

const trackPollDelay = 50 * time.Millisecond

// sampleDuration converts the index gap between two consecutive published
// frames into wall time. Skipped frames stretch the sample that follows
// them, keeping playback speed honest.
func sampleDuration(deltaIndex uint64, fps int) time.Duration {
	if fps < 1 {
		fps = 1
	}
	if deltaIndex < 1 {
		deltaIndex = 1
	}
	return time.Duration(deltaIndex) * (time.Second / time.Duration(fps))
}

// streamTrack encodes frames stored under the publisher's key into an
// Annex-B H264 stream and writes the NAL units to the track as samples.
// It returns when ctx ends or the encoder dies; the session outlives a
// track failure only until its next reconnect.
func (p *Publisher) streamTrack(ctx context.Context, track *pion.TrackLocalStaticSample) {
	env, err := p.waitForFrame(ctx)
	if err != nil {
		return
	}

	fps := p.fps
	if m := int(math.Round(env.MeasuredFPS)); m >= 1 {
		fps = m
	}

	enc, err := encoder.NewStreamEncoder(ctx, p.cfg.FFmpegBin, encoder.StreamFormatAnnexB, env.Width, env.Height, fps)
	if err != nil {
		log.Warn().Err(err).Str("identity", p.identity).Msg("failed to start track encoder")
		return
	}
	defer func() { _ = enc.Close() }()

	// The feeder publishes the duration of the most recent frame gap; the
	// NAL loop below stamps samples with it.
	var pendingDur atomic.Int64
	pendingDur.Store(int64(sampleDuration(1, fps)))

	go p.feedEncoder(ctx, enc, fps, &pendingDur)

	// Closing the encoder unblocks the NAL reader with EOF.
	go func() {
		<-ctx.Done()
		_ = enc.Close()
	}()

	reader, err := h264reader.NewReader(enc)
	if err != nil {
		log.Warn().Err(err).Str("identity", p.identity).Msg("failed to open h264 reader")
		return
	}
	for {
		nal, err := reader.NextNAL()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn().Err(err).Str("identity", p.identity).Msg("h264 stream read failed")
			}
			return
		}
		sample := media.Sample{
			Data:     nal.Data,
			Duration: time.Duration(pendingDur.Load()),
		}
		if err := track.WriteSample(sample); err != nil {
			log.Debug().Err(err).Str("identity", p.identity).Msg("track write failed")
			return
		}
	}
}

// waitForFrame polls until the stream's first usable frame appears.
func (p *Publisher) waitForFrame(ctx context.Context) (*framestore.Envelope, error) {
	for {
		if env, ok := p.frames.Get(p.frameKey); ok && env.Valid() {
			return env, nil
		}
		t := p.clk.Timer(trackPollDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// feedEncoder pumps new frames into the encoder, deduping by index and
// recording each index gap for the sample loop.
func (p *Publisher) feedEncoder(ctx context.Context, enc *encoder.StreamEncoder, fps int, pendingDur *atomic.Int64) {
	var lastIndex uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, ok := p.frames.Get(p.frameKey)
		if !ok || env.IsError() || env.FrameIndex == lastIndex {
			t := p.clk.Timer(trackPollDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}
		if lastIndex != 0 {
			pendingDur.Store(int64(sampleDuration(env.FrameIndex-lastIndex, fps)))
		}
		lastIndex = env.FrameIndex

		if err := enc.WriteFrame(env.Pixels); err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("identity", p.identity).Msg("track encoder rejected frame")
			}
			return
		}
	}
}
