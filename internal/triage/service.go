package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const (
	// TaskTitleLimit is the title length of automatically created tasks.
	TaskTitleLimit = 50

	// TaskifyTitleLimit is the title length of manually promoted tasks.
	TaskifyTitleLimit = 100

	// DefaultStuckAfter is how long a message may stay in processing before the sweep releases it.
	DefaultStuckAfter = 15 * time.Minute
)

// Pipeline outcomes, used as the outcome label of the pipeline metric.
const (
	OutcomeCached        = "cached"
	OutcomeDuplicate     = "duplicate"
	OutcomeActionable    = "actionable"
	OutcomeNotActionable = "not_actionable"
	OutcomeUncertain     = "uncertain"
	OutcomeError         = "error"
)

// Runner launches detached work. fn must not outlive the runner's own lifecycle.
type Runner interface {
	Go(ctx context.Context, name string, fn func(context.Context))
}

// DeliveryCache is a best-effort fast path in front of the store's save gate.
type DeliveryCache interface {
	// Add records key and reports whether it was new.
	Add(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
}

// Notifier announces newly created tasks.
type Notifier interface {
	NotifyTask(ctx context.Context, n *TaskNotice) error
}

// TaskNotice describes a task created by the pipeline.
type TaskNotice struct {
	Task        *Task
	Message     *Message
	Suggestions int
	Reason      string
}

// Option configures a Service.
type Option func(*Service)

// WithRunner sets the runner used for detached pipelines.
func WithRunner(r Runner) Option {
	return func(s *Service) { s.runner = r }
}

// WithDeliveryCache puts c in front of the save gate.
func WithDeliveryCache(c DeliveryCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithNotifier sets the notifier for new tasks.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service is the business boundary for ingestion, triage and manual work-item operations.
type Service struct {
	store    Store
	judge    *Judge
	logger   log.Logger
	runner   Runner
	cache    DeliveryCache
	notifier Notifier
	metrics  *Metrics
	now      func() time.Time
}

// NewService creates a new triage service.
func NewService(store Store, judge *Judge, logger log.Logger, opts ...Option) *Service {
	if store == nil {
		panic(xerrors.New("triage: nil store"))
	}
	if judge == nil {
		panic(xerrors.New("triage: nil judge"))
	}
	if logger == nil {
		logger = log.Nop()
	}

	s := &Service{
		store:  store,
		judge:  judge,
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.runner == nil {
		s.runner = goRunner{logger: logger}
	}
	return s
}

// Process launches the triage pipeline for ev and returns immediately.
// The pipeline is detached from ctx cancellation and never reports failure to the caller.
func (s *Service) Process(ctx context.Context, ev *IncomingEvent) {
	s.metrics.eventReceived(ev.Source)
	s.runner.Go(context.WithoutCancel(ctx), "triage", func(ctx context.Context) {
		s.run(ctx, ev)
	})
}

func (s *Service) run(ctx context.Context, ev *IncomingEvent) string {
	start := s.now()
	outcome := s.pipeline(ctx, ev)
	s.metrics.pipelineDone(outcome, s.now().Sub(start).Seconds())
	return outcome
}

func (s *Service) pipeline(ctx context.Context, ev *IncomingEvent) string {
	L := s.logger.With("source", ev.Source, "external_id", ev.ExternalID)

	cached := false
	if s.cache != nil {
		fresh, err := s.cache.Add(ctx, ev.Key())
		switch {
		case err != nil:
			L.Warn(ctx, "delivery cache unavailable, relying on store", "err", err)
		case !fresh:
			L.Info(ctx, "delivery already seen, skipping")
			return OutcomeCached
		default:
			cached = true
		}
	}

	msg, err := s.store.SaveMessage(ctx, ev)
	if errors.Is(err, ErrDuplicate) {
		L.Info(ctx, "duplicate delivery, skipping")
		return OutcomeDuplicate
	}
	if err != nil {
		L.Error(ctx, err, "failed to save message")
		if cached {
			if rerr := s.cache.Remove(ctx, ev.Key()); rerr != nil {
				L.Warn(ctx, "failed to release delivery cache key", "err", rerr)
			}
		}
		return OutcomeError
	}

	L = L.With("message_id", msg.ID)

	openTasks, err := s.store.RecentOpenTasks(ctx, ev.Source, MaxOpenTasks)
	if err != nil {
		L.Error(ctx, err, "failed to load open tasks")
		return OutcomeError
	}

	v := s.judge.Judge(ctx, &JudgeInput{
		Source:     msg.Source,
		SenderName: msg.SenderName,
		Body:       msg.Body,
	}, openTasks)

	L.Info(ctx, "message judged",
		"judgment", v.Judgment,
		"reason", v.Reason,
		"similar_tasks", len(v.SimilarTaskIDs),
	)

	switch v.Judgment {
	case JudgmentNotActionable:
		if err := s.store.DeleteMessage(ctx, msg.ID); err != nil && !errors.Is(err, ErrNotFound) {
			L.Error(ctx, err, "failed to delete not actionable message")
			return OutcomeError
		}
		return OutcomeNotActionable

	case JudgmentActionable:
		task, err := s.store.CreateTask(ctx, Truncate(msg.Body, TaskTitleLimit), msg.ID)
		if err != nil {
			L.Error(ctx, err, "failed to create task")
			return OutcomeError
		}
		L = L.With("task_id", task.ID)
		s.metrics.taskCreated()

		n, err := s.store.CreateSuggestions(ctx, task.ID, v.SimilarTaskIDs, v.Reason)
		if err != nil {
			L.Error(ctx, err, "failed to create suggestions")
			return OutcomeError
		}
		s.metrics.suggestionsCreated(n)

		if err := s.store.MarkReviewed(ctx, msg.ID); err != nil {
			L.Error(ctx, err, "failed to mark message reviewed")
			return OutcomeError
		}
		L.Info(ctx, "task created", "suggestions", n)

		s.notify(ctx, L, &TaskNotice{Task: task, Message: msg, Suggestions: n, Reason: v.Reason})
		return OutcomeActionable

	default:
		if err := s.store.MarkReviewed(ctx, msg.ID); err != nil {
			L.Error(ctx, err, "failed to mark message reviewed")
			return OutcomeError
		}
		return OutcomeUncertain
	}
}

func (s *Service) notify(ctx context.Context, L log.Logger, n *TaskNotice) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyTask(ctx, n); err != nil {
		L.Warn(ctx, "task notification failed", "err", err)
	}
}

// ReleaseStuck moves messages processing for longer than olderThan into the review backlog.
func (s *Service) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := s.store.ReleaseStuck(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("release stuck messages: %w", err)
	}
	if n > 0 {
		s.logger.Warn(ctx, "released stuck messages", "count", n, "older_than", olderThan)
		s.metrics.stuckReleased(n)
	}
	return n, nil
}

// Sweep runs ReleaseStuck every interval until ctx is done.
func (s *Service) Sweep(ctx context.Context, interval, olderThan time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.ReleaseStuck(ctx, olderThan); err != nil && ctx.Err() == nil {
				s.logger.Error(ctx, err, "stuck message sweep failed")
			}
		}
	}
}

// UncertainMessages returns the manual-review backlog.
func (s *Service) UncertainMessages(ctx context.Context) ([]Message, error) {
	return s.store.UncertainMessages(ctx)
}

// DeleteMessage removes a message.
func (s *Service) DeleteMessage(ctx context.Context, id string) error {
	return s.store.DeleteMessage(ctx, id)
}

// Taskify promotes an unlinked message into a task.
func (s *Service) Taskify(ctx context.Context, messageID string) (*Task, error) {
	task, err := s.store.Taskify(ctx, messageID, TaskifyTitleLimit)
	if err != nil {
		return nil, err
	}
	s.metrics.taskCreated()
	return task, nil
}

// ListTasks returns every task with its messages and group.
func (s *Service) ListTasks(ctx context.Context) ([]TaskDetail, error) {
	return s.store.ListTasks(ctx)
}

// CountTasks returns the number of tasks.
func (s *Service) CountTasks(ctx context.Context) (int, error) {
	return s.store.CountTasks(ctx)
}

// UpdateTask applies u to a task.
func (s *Service) UpdateTask(ctx context.Context, id string, u TaskUpdate) (*Task, error) {
	if u.Status != nil && !u.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *u.Status)
	}
	if u.LeaveGroup && u.GroupID != nil {
		return nil, errors.New("cannot leave and join a group at once")
	}
	return s.store.UpdateTask(ctx, id, u)
}

// DeleteTask removes a task.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	return s.store.DeleteTask(ctx, id)
}

// CreateGroup groups taskID with mergeTaskIDs under a new title.
func (s *Service) CreateGroup(ctx context.Context, taskID, title string, mergeTaskIDs []string) (*TaskGroup, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrTitleRequired
	}
	return s.store.CreateGroup(ctx, taskID, title, mergeTaskIDs)
}

// PendingSuggestions returns suggestions awaiting a decision.
func (s *Service) PendingSuggestions(ctx context.Context) ([]SuggestionDetail, error) {
	return s.store.PendingSuggestions(ctx)
}

// AcceptSuggestion accepts a pending suggestion. title is required when the candidate is a lone task.
func (s *Service) AcceptSuggestion(ctx context.Context, id, title string) (*TaskGroup, error) {
	return s.store.AcceptSuggestion(ctx, id, strings.TrimSpace(title))
}

// RejectSuggestion rejects a pending suggestion.
func (s *Service) RejectSuggestion(ctx context.Context, id string) error {
	return s.store.RejectSuggestion(ctx, id)
}

// goRunner runs each pipeline on its own goroutine.
type goRunner struct {
	logger log.Logger
}

func (r goRunner) Go(ctx context.Context, name string, fn func(context.Context)) {
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error(ctx, fmt.Errorf("panic: %v", p), "background task panicked", "task", name)
			}
		}()
		fn(ctx)
	}()
}
