// Package encoder wraps ffmpeg subprocesses for the two video paths: short
// lived per-chunk MP4 encodes of event sessions and long-running stream
// encodes (fragmented MP4 for WebSocket viewers, Annex-B H.264 for WebRTC
// tracks). The two never share a process; chunk encodes come and go while a
// stream encoder lives for as long as its viewers do.
package encoder

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"github.com/rs/zerolog/log"
)

// ChunkEncoder turns a buffered frame sequence into one MP4 file in memory.
// Concurrency is bounded by the caller (the session manager's encode pool).
type ChunkEncoder struct {
	bin string
}

func NewChunkEncoder(ffmpegBin string) (*ChunkEncoder, error) {
	resolved, err := exec.LookPath(ffmpegBin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg binary %q not found: %w", ffmpegBin, err)
	}
	return &ChunkEncoder{bin: resolved}, nil
}

// Encode writes frames (BGR24, all w*h*3 bytes) through ffmpeg into an MP4
// byte buffer. The container gets +faststart so browsers can play it from a
// plain byte range.
func (e *ChunkEncoder) Encode(ctx context.Context, frames [][]byte, fps, width, height int) ([]byte, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to encode")
	}
	if fps <= 0 {
		return nil, fmt.Errorf("invalid fps %d", fps)
	}

	tmp, err := os.CreateTemp("", "vigil-chunk-*.mp4")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp chunk file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	pr, pw := io.Pipe()
	go func() {
		for _, frame := range frames {
			if _, err := pw.Write(frame); err != nil {
				return // encoder exited, Run reports the real error
			}
		}
		pw.Close()
	}()

	stream := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":    "rawvideo",
		"pix_fmt":   "bgr24",
		"s":         fmt.Sprintf("%dx%d", width, height),
		"framerate": fps,
	}).Output(tmpPath, ffmpeg.KwArgs{
		"c:v":      "libx264",
		"preset":   "fast",
		"pix_fmt":  "yuv420p",
		"movflags": "+faststart",
	}).OverWriteOutput().WithInput(pr)
	stream.Context = ctx

	cmd := stream.Compile()
	cmd.Path = e.bin
	cmd.Args[0] = e.bin
	cmd.Stderr = nil

	if err := cmd.Run(); err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("ffmpeg chunk encode failed: %w", err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read encoded chunk: %w", err)
	}
	log.Debug().Int("frames", len(frames)).Int("bytes", len(data)).Msg("encoded event chunk")
	return data, nil
}
