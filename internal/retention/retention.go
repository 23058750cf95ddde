// Package retention deletes request logs older than a retention window, on
// demand from the admin API and on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

const DefaultRetentionDays = 90

// LogStore is the part of the usage repository the cleaner needs.
type LogStore interface {
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Cleaner struct {
	store LogStore
	now   func() time.Time
}

func NewCleaner(store LogStore) *Cleaner {
	return &Cleaner{store: store, now: time.Now}
}

// Cleanup removes logs older than retentionDays and returns how many went.
func (c *Cleaner) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 1 {
		return 0, fmt.Errorf("%w: retentionDays must be at least 1", domain.ErrInvalidRequest)
	}

	cutoff := c.now().AddDate(0, 0, -retentionDays)
	deleted, err := c.store.CleanupOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup request logs: %w", err)
	}

	slog.Info("request logs cleaned up",
		"retention_days", retentionDays,
		"cutoff", cutoff.Format(time.RFC3339),
		"deleted", deleted,
	)
	return deleted, nil
}

// Scheduler runs Cleanup on a cron schedule.
type Scheduler struct {
	cleaner       *Cleaner
	schedule      string
	retentionDays int
	logger        *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func NewScheduler(cleaner *Cleaner, schedule string, retentionDays int) *Scheduler {
	return &Scheduler{
		cleaner:       cleaner,
		schedule:      schedule,
		retentionDays: retentionDays,
		logger:        slog.Default().With("component", "retention"),
		cron:          cron.New(),
	}
}

// Start registers the job and returns. An empty schedule disables cleanup.
// The scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("log cleanup schedule not configured, skipping scheduler")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("schedule log cleanup: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("retention scheduler started",
		"schedule", s.schedule,
		"retention_days", s.retentionDays,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	if _, err := s.cleaner.Cleanup(ctx, s.retentionDays); err != nil {
		s.logger.Error("scheduled log cleanup failed", "error", err)
	}
}

// Stop waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("retention scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun is nil until Start has registered the job.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
