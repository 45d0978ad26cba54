package schedule

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Entry schedules a task at a fixed interval
type Entry struct {
	Task     string
	Interval time.Duration
	// Delay before the first run
	Delay time.Duration
}

// Runner is the in-process alternative to an external cron. Each entry runs
// on its own ticker; a tick that arrives while the previous run is still going is skipped.
type Runner struct {
	registry *Registry
	entries  []Entry
}

func NewRunner(registry *Registry, entries ...Entry) *Runner {
	return &Runner{registry: registry, entries: entries}
}

// Run blocks until ctx is cancelled
func (r *Runner) Run(ctx context.Context) {
	var wg gosync.WaitGroup
	for _, e := range r.entries {
		if e.Interval <= 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, e)
		}()
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, e Entry) {
	logger := log.With().Str("component", "scheduler").Str("task", e.Task).Logger()
	logger.Info().Dur("interval", e.Interval).Msg("scheduled")

	select {
	case <-ctx.Done():
		return
	case <-time.After(e.Delay):
	}

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	for {
		start := time.Now()
		_, err := r.registry.Run(ctx, e.Task)
		switch {
		case errors.Is(err, ErrTaskRunning):
			logger.Info().Msg("previous run still in progress, skipping")
		case err != nil:
			logger.Error().Err(err).Msg("task failed")
		default:
			logger.Debug().Dur("took", time.Since(start)).Msg("task done")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
