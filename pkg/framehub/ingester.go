// Package framehub maintains one resilient decode per camera and publishes
// every decoded frame to the frame store under the camera's key. It never
// reads the store; consumers poll at their own pace.
package framehub

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/vigilcam/vigil/pkg/framestore"
)

// ErrSourceEnded is returned by Run when a file source reaches its end.
// Live sources never end cleanly; they reconnect.
var ErrSourceEnded = errors.New("source ended")

// Ingester decodes one camera's stream into the frame store until its
// context is cancelled. Faults publish an error envelope, back off and
// reconnect; the error stays visible to consumers until the next frame
// overwrites it.
type Ingester struct {
	cameraID       string
	streamURL      string
	store          *framestore.Store
	opener         Opener
	reconnectDelay time.Duration
	clk            clock.Clock
}

func NewIngester(cameraID, streamURL string, store *framestore.Store, opener Opener, reconnectDelay time.Duration, clk clock.Clock) *Ingester {
	if clk == nil {
		clk = clock.New()
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 2 * time.Second
	}
	return &Ingester{
		cameraID:       cameraID,
		streamURL:      streamURL,
		store:          store,
		opener:         opener,
		reconnectDelay: reconnectDelay,
		clk:            clk,
	}
}

// Run decodes until ctx is cancelled or, for file sources, until the file
// ends (ErrSourceEnded). The frame index survives reconnects so consumers
// never observe a regression.
func (in *Ingester) Run(ctx context.Context) error {
	var frameIndex uint64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		src, err := in.opener.Open(ctx, in.streamURL)
		if err != nil {
			log.Warn().Err(err).Str("camera_id", in.cameraID).Msg("failed to open stream")
			in.store.PutError(in.cameraID, err.Error())
			if !in.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		err = in.pump(ctx, src, &frameIndex)
		src.Close()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF) && !IsRTSP(in.streamURL):
			log.Info().Str("camera_id", in.cameraID).Uint64("frames", frameIndex).Msg("file source ended")
			return ErrSourceEnded
		default:
			log.Warn().Err(err).Str("camera_id", in.cameraID).Msg("stream read failed, reconnecting")
			in.store.PutError(in.cameraID, err.Error())
			if !in.sleep(ctx) {
				return ctx.Err()
			}
		}
	}
}

func (in *Ingester) pump(ctx context.Context, src Source, frameIndex *uint64) error {
	frameSize := src.Width() * src.Height() * 3
	var lastAt time.Time

	log.Info().
		Str("camera_id", in.cameraID).
		Int("width", src.Width()).
		Int("height", src.Height()).
		Float64("fps_hint", src.FPSHint()).
		Msg("ingest started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Envelopes are immutable once published, so every frame gets its
		// own buffer.
		pixels := make([]byte, frameSize)
		if err := src.ReadFrame(pixels); err != nil {
			return err
		}

		now := in.clk.Now()
		var measured float64
		if !lastAt.IsZero() {
			if dt := now.Sub(lastAt).Seconds(); dt > 0 {
				measured = 1 / dt
			}
		}
		lastAt = now

		*frameIndex++
		in.store.Put(in.cameraID, &framestore.Envelope{
			Width:       src.Width(),
			Height:      src.Height(),
			FrameIndex:  *frameIndex,
			ProducedAt:  now,
			SourceFPS:   src.FPSHint(),
			MeasuredFPS: measured,
			Pixels:      pixels,
		})
	}
}

// sleep waits the reconnect delay, returning false when ctx ended first.
func (in *Ingester) sleep(ctx context.Context) bool {
	t := in.clk.Timer(in.reconnectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
