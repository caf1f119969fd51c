package health

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler drives recurring health cycles on a cron schedule
type Scheduler struct {
	cron      *cron.Cron
	evaluator *Evaluator
	logger    *slog.Logger
	entryID   cron.EntryID
}

// NewScheduler wires an evaluator onto a cron schedule (standard 5-field
// spec, e.g. "0 * * * *" for hourly)
func NewScheduler(schedule string, evaluator *Evaluator) (*Scheduler, error) {
	s := &Scheduler{
		cron:      cron.New(),
		evaluator: evaluator,
		logger:    slog.Default().With("component", "health-scheduler"),
	}

	entryID, err := s.cron.AddFunc(schedule, func() {
		if err := s.evaluator.RunCycle(context.Background()); err != nil {
			s.logger.Error("health cycle failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid health schedule %q: %w", schedule, err)
	}
	s.entryID = entryID

	return s, nil
}

// Start begins running scheduled cycles
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("health scheduler started")
}

// Stop halts scheduling and waits for a running cycle to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("health scheduler stopped")
}
