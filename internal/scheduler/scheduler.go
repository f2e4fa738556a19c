// Package scheduler runs registered workflows on cron schedules. Entries live
// in memory; schedules are part of host configuration, not of workflow
// definitions, and are re-registered on process start.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowlet/flowlet/pkg/schema"
)

// WorkflowRunner is the interface the scheduler drives. Satisfied by the
// engine runner via a thin adapter (avoids an import cycle).
type WorkflowRunner interface {
	Run(ctx context.Context, workflowID string, input map[string]any) (any, error)
}

// Entry is one scheduled workflow invocation.
type Entry struct {
	Name       string
	CronExpr   string
	WorkflowID string
	Input      map[string]any

	schedule cron.Schedule
	nextRun  time.Time
}

// Scheduler fires registered entries when their cron schedule is due. Entries
// run sequentially per tick; a slow workflow delays later entries of the same
// tick but never double-fires its own entry.
type Scheduler struct {
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler with a standard 5-field cron parser.
func New(runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		entries:  make(map[string]*Entry),
		inflight: make(map[string]struct{}),
	}
}

// Add registers an entry. Adding under an existing name is a conflict; remove
// first to replace a schedule.
func (s *Scheduler) Add(name, cronExpr, workflowID string, input map[string]any) error {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %v", cronExpr, err).
			WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", name)
	}
	s.entries[name] = &Entry{
		Name:       name,
		CronExpr:   cronExpr,
		WorkflowID: workflowID,
		Input:      input,
		schedule:   schedule,
		nextRun:    schedule.Next(time.Now()),
	}
	s.logger.Info("schedule registered",
		slog.String("schedule", name),
		slog.String("cron", cronExpr),
		slog.String("workflow_id", workflowID))
	return nil
}

// Remove unregisters an entry.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; !exists {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule not found: %s", name)
	}
	delete(s.entries, name)
	return nil
}

// Entries returns a snapshot of the registered entries.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Start launches the background loop. Stop by cancelling ctx or calling Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started")
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick fires every due entry and advances its next-run time.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if !e.nextRun.After(now) {
			due = append(due, e)
			e.nextRun = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if !s.tryAcquire(e.Name) {
			s.logger.Warn("schedule skipped, previous run still in flight",
				slog.String("schedule", e.Name))
			continue
		}
		s.runEntry(ctx, e)
		s.release(e.Name)
	}
}

func (s *Scheduler) runEntry(ctx context.Context, e *Entry) {
	s.logger.Info("running scheduled workflow",
		slog.String("schedule", e.Name),
		slog.String("workflow_id", e.WorkflowID))

	if _, err := s.runner.Run(ctx, e.WorkflowID, e.Input); err != nil {
		s.logger.Error("scheduled workflow failed",
			slog.String("schedule", e.Name),
			slog.String("workflow_id", e.WorkflowID),
			slog.String("error", err.Error()))
	}
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, running := s.inflight[name]; running {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	delete(s.inflight, name)
	s.inflightMu.Unlock()
}
