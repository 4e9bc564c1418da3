package triage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicate is returned by SaveMessage when (source, external id) was already stored.
	// It is not a failure: the event has been handled before.
	ErrDuplicate = errors.New("duplicate message")

	// ErrNotFound is returned when the target row is missing, or a suggestion is no longer pending.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyLinked is returned when promoting a message that already has a task.
	ErrAlreadyLinked = errors.New("message already linked to a task")

	// ErrTitleRequired is returned when a new group would be created without a title.
	ErrTitleRequired = errors.New("title is required")

	// ErrInvalidStatus is returned for a task status outside todo|doing|done.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrGroupTooSmall is returned when a new group would have fewer than two members.
	ErrGroupTooSmall = errors.New("a group needs at least two tasks")
)

// Store is the persistence interface for messages and work items.
//
// Every method that mutates more than one row runs in a single transaction.
// Whenever a task leaves a group (removal, move or deletion) the group is torn
// down in that same transaction if fewer than two members remain.
type Store interface {
	// SaveMessage inserts a new message with IsProcessing set, or returns ErrDuplicate.
	SaveMessage(ctx context.Context, ev *IncomingEvent) (*Message, error)
	DeleteMessage(ctx context.Context, id string) error
	MarkReviewed(ctx context.Context, id string) error
	// ReleaseStuck clears IsProcessing on messages received before cutoff and returns how many changed.
	ReleaseStuck(ctx context.Context, cutoff time.Time) (int, error)
	UncertainMessages(ctx context.Context) ([]Message, error)

	// RecentOpenTasks returns up to limit non-done tasks linked to messages from source, newest first.
	RecentOpenTasks(ctx context.Context, source Source, limit int) ([]OpenTask, error)
	// CreateTask creates a task and links messageID to it atomically.
	CreateTask(ctx context.Context, title, messageID string) (*Task, error)
	// Taskify promotes an unlinked message into a new task.
	Taskify(ctx context.Context, messageID string, titleLimit int) (*Task, error)
	ListTasks(ctx context.Context) ([]TaskDetail, error)
	CountTasks(ctx context.Context) (int, error)
	UpdateTask(ctx context.Context, id string, u TaskUpdate) (*Task, error)
	DeleteTask(ctx context.Context, id string) error
	CreateGroup(ctx context.Context, taskID, title string, mergeTaskIDs []string) (*TaskGroup, error)

	// CreateSuggestions stores the suggestions derived from candidate ids and returns how many were inserted.
	CreateSuggestions(ctx context.Context, newTaskID string, candidateIDs []string, reason string) (int, error)
	PendingSuggestions(ctx context.Context) ([]SuggestionDetail, error)
	AcceptSuggestion(ctx context.Context, id, title string) (*TaskGroup, error)
	RejectSuggestion(ctx context.Context, id string) error
}
