package history

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically deletes runs older than the retention window.
// Deletions are idempotent and safe to run alongside writers.
type Sweeper struct {
	store         *Store
	retentionDays int
	interval      time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper over store. retentionDays and interval must
// be positive; the config loader guarantees that for resolved settings.
func NewSweeper(store *Store, retentionDays int, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:         store,
		retentionDays: retentionDays,
		interval:      interval,
	}
}

// Start launches the background sweep loop. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("History retention sweeper started",
		"retention_days", s.retentionDays,
		"interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("History retention sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	count, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: run cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted expired runs",
			"count", count,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}
