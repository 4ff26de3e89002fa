package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/incidentfox/incidentfox/pkg/config"
)

// Sweeper periodically transitions stale running agent_runs to timeout.
// The transition is atomic per run, so running the sweeper from
// multiple pods is safe.
type Sweeper struct {
	cfg  *config.SweeperConfig
	runs *RunService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a new stale-run sweeper.
func NewSweeper(cfg *config.SweeperConfig, runs *RunService) *Sweeper {
	if cfg == nil {
		panic("NewSweeper: cfg must not be nil")
	}
	if runs == nil {
		panic("NewSweeper: runs must not be nil")
	}
	return &Sweeper{cfg: cfg, runs: runs}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Stale-run sweeper started",
		"interval", s.cfg.Interval,
		"max_age", s.cfg.MaxAge)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Stale-run sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	// Terminal writes run on a background context so shutdown does not
	// abandon a half-applied sweep.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := s.runs.SweepStaleRuns(ctx, s.cfg.MaxAge)
	if err != nil {
		slog.Error("Sweep: stale run transition failed", "error", err)
		return
	}
	if len(ids) > 0 {
		slog.Info("Sweep: transitioned stale runs to timeout", "count", len(ids), "run_ids", ids)
	}
}
