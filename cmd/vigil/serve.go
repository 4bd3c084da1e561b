package vigil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vigilcam/vigil/pkg/config"
	"github.com/vigilcam/vigil/pkg/encoder"
	"github.com/vigilcam/vigil/pkg/framehub"
	"github.com/vigilcam/vigil/pkg/framestore"
	"github.com/vigilcam/vigil/pkg/inference"
	"github.com/vigilcam/vigil/pkg/janitor"
	"github.com/vigilcam/vigil/pkg/orchestrator"
	"github.com/vigilcam/vigil/pkg/pubsub"
	"github.com/vigilcam/vigil/pkg/server"
	"github.com/vigilcam/vigil/pkg/session"
	"github.com/vigilcam/vigil/pkg/store"
	"github.com/vigilcam/vigil/pkg/types"
	"github.com/vigilcam/vigil/pkg/webrtc"
	"github.com/vigilcam/vigil/pkg/worker"
	"github.com/vigilcam/vigil/pkg/wsfmp4"
)

func NewServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the vigil agent.",
		Example: "TZ=UTC vigil serve",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	return serveCmd
}

func setupLogging(cfg config.Runtime) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	setupLogging(cfg.Runtime)

	loc, err := time.LoadLocation(cfg.Runtime.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Runtime.Timezone, err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry, err := store.NewMongoStore(ctx, &cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer func() {
		if err := registry.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
	}()

	bus, err := pubsub.New(&cfg.PubSub)
	if err != nil {
		return fmt.Errorf("failed to connect to event bus: %w", err)
	}
	defer bus.Close()

	frames := framestore.NewStore()

	chunkEnc, err := encoder.NewChunkEncoder(cfg.Video.FFmpegBin)
	if err != nil {
		return fmt.Errorf("failed to set up video encoder: %w", err)
	}

	sessions := session.NewManager(cfg.Session, cfg.Video, cfg.Runtime.DefaultFPS, chunkEnc, bus, loc, nil)
	sessions.Start()
	defer sessions.Stop()

	detector := inference.NewClient(&cfg.Inference)

	opener := &framehub.FFmpegOpener{Bin: cfg.Video.FFmpegBin}
	newIngester := func(camera *types.Camera) orchestrator.IngestRunner {
		return framehub.NewIngester(camera.ID, camera.StreamURL, frames, opener, cfg.Runtime.ReconnectDelay, nil)
	}

	workerDeps := worker.Deps{
		Frames:     frames,
		Detector:   detector,
		Sink:       sessions,
		Registry:   registry,
		DefaultFPS: cfg.Runtime.DefaultFPS,
	}
	newWorker := func(agent *types.Agent, camera *types.Camera, device *types.Device) orchestrator.WorkerRunner {
		return worker.New(agent, camera, device, workerDeps)
	}

	var publishers orchestrator.PublisherFactory
	if cfg.WebRTC.Enabled && cfg.WebRTC.SignalingURL != "" {
		publishers = webrtc.NewFactory(webrtc.PeerConfig{
			SignalingURL: cfg.WebRTC.SignalingURL,
			STUNURLs:     cfg.WebRTC.STUNURLs,
			TURNURL:      cfg.WebRTC.TURNURL,
			TURNUsername: cfg.WebRTC.TURNUsername,
			TURNPassword: cfg.WebRTC.TURNPassword,
			FFmpegBin:    cfg.Video.FFmpegBin,
			DefaultFPS:   cfg.Runtime.DefaultFPS,
		}, frames)
	} else {
		log.Info().Msg("webrtc publishing disabled")
	}

	orch := orchestrator.New(orchestrator.Config{
		PollInterval: cfg.Runtime.PollInterval,
		Registry:     registry,
		NewIngester:  newIngester,
		NewWorker:    newWorker,
		Publishers:   publishers,
	})

	streamFactory := func(encCtx context.Context, width, height, fps int) (wsfmp4.Encoder, error) {
		return encoder.NewStreamEncoder(encCtx, cfg.Video.FFmpegBin, encoder.StreamFormatFMP4, width, height, fps)
	}
	httpServer := server.New(cfg.WebServer, registry, frames, streamFactory, cfg.Runtime.DefaultFPS)

	if cfg.Video.Save {
		jan := janitor.New(cfg.Video.SaveDir, cfg.Video.Retention, nil)
		if err := jan.Start(ctx); err != nil {
			return err
		}
		defer jan.Stop()
	}

	go func() {
		if err := httpServer.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			cancel()
		}
	}()

	orch.Run(ctx)
	return nil
}
