package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper deletes sessions idle past a TTL on a cron schedule.
type Sweeper struct {
	store  *SQLiteStore
	ttl    time.Duration
	cron   *cron.Cron
	logger *slog.Logger
}

// NewSweeper creates a retention sweeper. expr is a standard cron
// expression (e.g. "0 3 * * *" for 03:00 daily); ttl is how long a
// session may stay idle before it is swept.
func NewSweeper(store *SQLiteStore, expr string, ttl time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("sweeper: ttl must be positive, got %s", ttl)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{store: store, ttl: ttl, cron: cron.New(), logger: logger}
	if _, err := s.cron.AddFunc(expr, s.sweep); err != nil {
		return nil, fmt.Errorf("sweeper: invalid cron expression %q: %w", expr, err)
	}
	return s, nil
}

// Start begins scheduled sweeping in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.ttl)
	n, err := s.store.deleteIdleBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("retention sweep removed idle sessions", "count", n, "cutoff", cutoff)
	}
}

// SweepNow runs one sweep immediately, outside the schedule.
func (s *Sweeper) SweepNow(ctx context.Context) (int64, error) {
	return s.store.deleteIdleBefore(ctx, time.Now().Add(-s.ttl))
}
