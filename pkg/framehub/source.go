package framehub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/rs/zerolog/log"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Source is an open video source delivering raw BGR24 frames.
type Source interface {
	Width() int
	Height() int
	// FPSHint is the source's advertised frame rate, 0 when unknown.
	FPSHint() float64
	// ReadFrame fills buf (len Width*Height*3) with the next frame.
	// Returns io.EOF when the source ends cleanly.
	ReadFrame(buf []byte) error
	Close() error
}

// Opener opens a stream URL into a Source. The default implementation
// probes the stream and spawns an ffmpeg decode subprocess; tests inject
// their own.
type Opener interface {
	Open(ctx context.Context, streamURL string) (Source, error)
}

// FFmpegOpener probes RTSP sources with a gortsplib DESCRIBE (TCP
// transport) and everything else with ffprobe, then decodes with an ffmpeg
// subprocess writing raw BGR24 to stdout.
type FFmpegOpener struct {
	Bin string
}

var _ Opener = &FFmpegOpener{}

func (o *FFmpegOpener) Open(ctx context.Context, streamURL string) (Source, error) {
	bin, err := exec.LookPath(o.Bin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg binary %q not found: %w", o.Bin, err)
	}

	var width, height int
	var fpsHint float64
	if IsRTSP(streamURL) {
		width, height, fpsHint, err = probeRTSP(streamURL)
	} else {
		width, height, fpsHint, err = probeFFprobe(streamURL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s: %w", streamURL, err)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("probe of %s returned no geometry", streamURL)
	}

	inArgs := ffmpeg.KwArgs{}
	if IsRTSP(streamURL) {
		inArgs["rtsp_transport"] = "tcp"
		inArgs["fflags"] = "nobuffer"
	}

	runCtx, cancel := context.WithCancel(ctx)
	stream := ffmpeg.Input(streamURL, inArgs).
		Output("pipe:", ffmpeg.KwArgs{"format": "rawvideo", "pix_fmt": "bgr24"})
	stream.Context = runCtx

	cmd := stream.Compile()
	cmd.Path = bin
	cmd.Args[0] = bin
	cmd.Stderr = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open decoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}

	return &ffmpegSource{
		cmd:     cmd,
		cancel:  cancel,
		stdout:  stdout,
		width:   width,
		height:  height,
		fpsHint: fpsHint,
	}, nil
}

// IsRTSP reports whether the URL names a live RTSP source rather than a
// file or other input ffmpeg can read.
func IsRTSP(streamURL string) bool {
	return strings.HasPrefix(strings.ToLower(streamURL), "rtsp://") ||
		strings.HasPrefix(strings.ToLower(streamURL), "rtsps://")
}

type ffmpegSource struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdout  io.ReadCloser
	width   int
	height  int
	fpsHint float64
}

func (s *ffmpegSource) Width() int       { return s.width }
func (s *ffmpegSource) Height() int      { return s.height }
func (s *ffmpegSource) FPSHint() float64 { return s.fpsHint }

func (s *ffmpegSource) ReadFrame(buf []byte) error {
	_, err := io.ReadFull(s.stdout, buf)
	if err == io.ErrUnexpectedEOF {
		// A truncated trailing frame still means the stream ended.
		return io.EOF
	}
	return err
}

func (s *ffmpegSource) Close() error {
	s.cancel()
	s.stdout.Close()
	return s.cmd.Wait()
}

// probeRTSP issues a DESCRIBE over TCP and reads geometry from the H264
// track's SPS. The VUI timing info gives the fps hint when present.
func probeRTSP(streamURL string) (int, int, float64, error) {
	transport := gortsplib.TransportTCP
	client := &gortsplib.Client{Transport: &transport}

	u, err := base.ParseURL(streamURL)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid rtsp url: %w", err)
	}

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return 0, 0, 0, fmt.Errorf("rtsp connect failed: %w", err)
	}
	defer client.Close()

	desc, _, err := client.Describe(u)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("rtsp describe failed: %w", err)
	}

	var h264 *format.H264
	if medi := desc.FindFormat(&h264); medi == nil {
		return 0, 0, 0, fmt.Errorf("no h264 track in stream")
	}
	if len(h264.SPS) == 0 {
		return 0, 0, 0, fmt.Errorf("h264 track carries no sps")
	}

	sps, err := avc.ParseSPSNALUnit(h264.SPS, true)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to parse sps: %w", err)
	}

	var fps float64
	if sps.VUI != nil && sps.VUI.TimingInfoPresentFlag && sps.VUI.NumUnitsInTick > 0 {
		fps = float64(sps.VUI.TimeScale) / (2 * float64(sps.VUI.NumUnitsInTick))
	}

	log.Debug().
		Str("url", streamURL).
		Int("width", int(sps.Width)).
		Int("height", int(sps.Height)).
		Float64("fps_hint", fps).
		Msg("rtsp probe complete")

	return int(sps.Width), int(sps.Height), fps, nil
}

type ffprobeStream struct {
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

func probeFFprobe(streamURL string) (int, int, float64, error) {
	out, err := ffmpeg.Probe(streamURL)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var parsed struct {
		Streams []ffprobeStream `json:"streams"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	for _, s := range parsed.Streams {
		if s.CodecType != "video" {
			continue
		}
		return s.Width, s.Height, parseFrameRate(s.AvgFrameRate), nil
	}
	return 0, 0, 0, fmt.Errorf("no video stream found")
}

// parseFrameRate parses ffprobe's "num/den" rate strings.
func parseFrameRate(rate string) float64 {
	num, den, found := strings.Cut(rate, "/")
	if !found {
		v, _ := strconv.ParseFloat(rate, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
