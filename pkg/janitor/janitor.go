// Package janitor removes event video chunks that have outlived their
// retention window.
package janitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

const sweepInterval = time.Hour

// Janitor periodically deletes expired files under the event video
// directory.
type Janitor struct {
	dir       string
	retention time.Duration
	clk       clock.Clock

	scheduler gocron.Scheduler
}

func New(dir string, retention time.Duration, clk clock.Clock) *Janitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Janitor{dir: dir, retention: retention, clk: clk}
}

// Start schedules the hourly sweep, running one immediately.
func (j *Janitor) Start(ctx context.Context) error {
	if j.retention <= 0 {
		log.Info().Msg("event video retention disabled, janitor not started")
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create janitor scheduler: %w", err)
	}
	j.scheduler = scheduler

	_, err = scheduler.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() {
			if err := j.Sweep(ctx); err != nil {
				log.Warn().Err(err).Msg("event video sweep failed")
			}
		}),
		gocron.WithName("event-video-sweep"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule event video sweep: %w", err)
	}

	scheduler.Start()
	log.Info().
		Str("dir", j.dir).
		Dur("retention", j.retention).
		Msg("event video janitor started")
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep.
func (j *Janitor) Stop() {
	if j.scheduler == nil {
		return
	}
	if err := j.scheduler.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("janitor shutdown failed")
	}
}

// Sweep deletes every regular file under the video directory older than the
// retention window.
func (j *Janitor) Sweep(ctx context.Context) error {
	cutoff := j.clk.Now().Add(-j.retention)

	var removed int
	var reclaimed uint64
	err := filepath.WalkDir(j.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to remove expired event video")
			return nil
		}
		removed++
		reclaimed += uint64(info.Size())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sweep %s: %w", j.dir, err)
	}

	if removed > 0 {
		log.Info().
			Int("removed", removed).
			Str("reclaimed", humanize.Bytes(reclaimed)).
			Msg("expired event videos removed")
	}
	return nil
}
