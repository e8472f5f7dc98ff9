// Package scheduler persists one-shot and recurring tasks and fires
// them when due. What happens on fire is delegated to a Dispatcher so
// the package stays free of conversation and delivery concerns.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Repository is the persistence surface the scheduler needs.
type Repository interface {
	SaveTask(t *Task) error
	GetTask(id string) (*Task, error)
	ListTasks() ([]*Task, error)
	ListDue(now time.Time) ([]*Task, error)
	DeleteTask(id string) error
	MarkNotified(id string) error
}

// Dispatcher handles a due task. Implementations decide what a fired
// task means: a notification, a deferred reply, a tool call.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *Task) error
}

// Scheduler polls the repository for due tasks and dispatches them.
type Scheduler struct {
	logger   *slog.Logger
	repo     Repository
	dispatch Dispatcher
	interval time.Duration
}

// New creates a scheduler polling at the given interval.
func New(logger *slog.Logger, repo Repository, dispatch Dispatcher, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		logger:   logger.With("component", "scheduler"),
		repo:     repo,
		dispatch: dispatch,
		interval: interval,
	}
}

// Add validates and persists a task.
func (s *Scheduler) Add(t *Task) error {
	if t.Payload == nil {
		t.Payload = PlainPayload{}
	}
	if err := s.repo.SaveTask(t); err != nil {
		return err
	}
	s.logger.Info("task scheduled",
		"id", t.ID, "kind", t.Kind(), "due_at", t.DueAt, "recurring", t.Recurrence.IsRecurring())
	return nil
}

// Get retrieves a task by id.
func (s *Scheduler) Get(id string) (*Task, error) {
	return s.repo.GetTask(id)
}

// List returns all persisted tasks.
func (s *Scheduler) List() ([]*Task, error) {
	return s.repo.ListTasks()
}

// Delete cancels a task by id.
func (s *Scheduler) Delete(id string) error {
	if err := s.repo.DeleteTask(id); err != nil {
		return err
	}
	s.logger.Info("task cancelled", "id", id)
	return nil
}

// Run polls for due tasks until the context is cancelled. An immediate
// poll on startup catches tasks that came due while the process was
// down.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "poll_interval", s.interval)

	s.poll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.repo.ListDue(time.Now())
	if err != nil {
		s.logger.Error("list due tasks", "error", err)
		return
	}

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, t)
	}
}

// fire dispatches one due task. The recurrence bookkeeping happens
// before dispatch so a slow or failing dispatcher cannot cause the
// same occurrence to fire twice.
func (s *Scheduler) fire(ctx context.Context, t *Task) {
	s.logger.Info("task due", "id", t.ID, "kind", t.Kind(), "due_at", t.DueAt)

	if err := s.resolveRecurrence(t); err != nil {
		s.logger.Error("resolve recurrence", "id", t.ID, "error", err)
		return
	}

	if err := s.dispatch.Dispatch(ctx, t); err != nil {
		s.logger.Error("dispatch task", "id", t.ID, "kind", t.Kind(), "error", err)
	}
}

// resolveRecurrence retires the fired occurrence: one-shot tasks are
// marked notified, recurring tasks are replaced by their successor,
// and a recurring task whose series has ended is marked notified.
func (s *Scheduler) resolveRecurrence(t *Task) error {
	next, ok := t.NextOccurrence()
	if !ok {
		return s.repo.MarkNotified(t.ID)
	}

	if err := s.repo.DeleteTask(t.ID); err != nil {
		return err
	}
	if err := s.repo.SaveTask(next); err != nil {
		return err
	}

	s.logger.Debug("task rescheduled", "id", t.ID, "next_id", next.ID, "next_due", next.DueAt)
	return nil
}
