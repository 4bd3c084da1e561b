package encoder

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"github.com/rs/zerolog/log"
)

// StreamFormat selects the container a StreamEncoder produces.
type StreamFormat string

const (
	// StreamFormatFMP4 produces fragmented MP4 suitable for MSE playback:
	// an ftyp+moov init segment followed by moof+mdat fragments.
	StreamFormatFMP4 StreamFormat = "fmp4"
	// StreamFormatAnnexB produces a raw Annex-B H.264 elementary stream
	// for feeding WebRTC sample tracks.
	StreamFormatAnnexB StreamFormat = "h264"
)

const closeGrace = 3 * time.Second

// StreamEncoder is a long-running ffmpeg subprocess consuming raw BGR24
// frames on stdin and producing encoded bytes on stdout. Geometry and FPS
// are fixed for the encoder's lifetime; a source that changes shape needs a
// new encoder.
type StreamEncoder struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout io.ReadCloser

	frameSize int

	mu       sync.Mutex
	closed   bool
	waitErr  error
	waitDone chan struct{}
}

// NewStreamEncoder starts ffmpeg encoding width x height BGR24 input at fps
// into the requested stream format on stdout.
func NewStreamEncoder(ctx context.Context, ffmpegBin string, format StreamFormat, width, height, fps int) (*StreamEncoder, error) {
	resolved, err := exec.LookPath(ffmpegBin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg binary %q not found: %w", ffmpegBin, err)
	}
	if width <= 0 || height <= 0 || fps <= 0 {
		return nil, fmt.Errorf("invalid stream geometry %dx%d@%d", width, height, fps)
	}

	outArgs := ffmpeg.KwArgs{
		"c:v":        "libx264",
		"preset":     "ultrafast",
		"tune":       "zerolatency",
		"profile:v":  "baseline",
		"level":      "3.0",
		"pix_fmt":    "yuv420p",
		"g":          fps * 2,
		"keyint_min": fps,
		"bf":         0,
	}
	switch format {
	case StreamFormatFMP4:
		outArgs["f"] = "mp4"
		outArgs["movflags"] = "frag_keyframe+empty_moov+default_base_moof"
	case StreamFormatAnnexB:
		outArgs["f"] = "h264"
	default:
		return nil, fmt.Errorf("unknown stream format %q", format)
	}

	runCtx, cancel := context.WithCancel(ctx)

	stream := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":    "rawvideo",
		"pix_fmt":   "bgr24",
		"s":         fmt.Sprintf("%dx%d", width, height),
		"framerate": fps,
	}).Output("pipe:", outArgs)
	stream.Context = runCtx

	cmd := stream.Compile()
	cmd.Path = resolved
	cmd.Args[0] = resolved
	cmd.Stderr = nil

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open encoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open encoder stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start stream encoder: %w", err)
	}

	e := &StreamEncoder{
		cmd:       cmd,
		cancel:    cancel,
		stdin:     stdin,
		stdout:    stdout,
		frameSize: width * height * 3,
		waitDone:  make(chan struct{}),
	}

	go func() {
		e.waitErr = cmd.Wait()
		close(e.waitDone)
	}()

	log.Debug().
		Str("format", string(format)).
		Int("width", width).Int("height", height).Int("fps", fps).
		Msg("stream encoder started")

	return e, nil
}

// WriteFrame feeds one raw frame to the encoder. The frame length must
// match the geometry the encoder was started with.
func (e *StreamEncoder) WriteFrame(pixels []byte) error {
	if len(pixels) != e.frameSize {
		return fmt.Errorf("frame size %d does not match encoder input %d", len(pixels), e.frameSize)
	}
	if _, err := e.stdin.Write(pixels); err != nil {
		return fmt.Errorf("failed to write frame to encoder: %w", err)
	}
	return nil
}

// Read drains encoded output. Returns io.EOF once the encoder has exited
// and its output is fully consumed.
func (e *StreamEncoder) Read(p []byte) (int, error) {
	return e.stdout.Read(p)
}

// Close stops the encoder: stdin is closed so ffmpeg flushes and exits on
// its own; if it lingers past a short grace period it is killed.
func (e *StreamEncoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	_ = e.stdin.Close()

	select {
	case <-e.waitDone:
	case <-time.After(closeGrace):
		log.Warn().Msg("stream encoder did not exit after stdin close, killing")
		e.cancel()
		<-e.waitDone
	}
	e.cancel()
	return e.waitErr
}
