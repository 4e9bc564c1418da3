package triage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies the chat platform a mention came from.
type Source string

const (
	// SourceSlack is the Slack Events API.
	SourceSlack Source = "slack"

	// SourceChatwork is the Chatwork webhook.
	SourceChatwork Source = "chatwork"
)

// Sources lists every supported platform.
var Sources = []Source{SourceSlack, SourceChatwork}

// Valid reports whether s is one of the supported platforms.
func (s Source) Valid() bool {
	switch s {
	case SourceSlack, SourceChatwork:
		return true
	default:
		return false
	}
}

// ParseSource converts a raw string into a Source.
func ParseSource(raw string) (Source, error) {
	s := Source(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown source %q", raw)
	}
	return s, nil
}

// IncomingEvent is the canonical form of one adapted webhook call.
type IncomingEvent struct {
	Source     Source          `json:"source"`
	ExternalID string          `json:"external_id"`
	SenderName string          `json:"sender_name"`
	Body       string          `json:"body"`
	Permalink  *string         `json:"permalink"`
	RawPayload json.RawMessage `json:"raw_payload"`
}

// Key returns the platform-unique identity of the event.
func (e *IncomingEvent) Key() string {
	return string(e.Source) + ":" + e.ExternalID
}

// Message is a persisted mention.
type Message struct {
	ID           string          `json:"id"`
	Source       Source          `json:"source"`
	ExternalID   string          `json:"external_id"`
	SenderName   string          `json:"sender_name"`
	Body         string          `json:"body"`
	Permalink    *string         `json:"permalink"`
	RawPayload   json.RawMessage `json:"raw_payload"`
	ReceivedAt   time.Time       `json:"received_at"`
	TaskID       *string         `json:"task_id"`
	IsProcessing bool            `json:"is_processing"`
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskTodo  TaskStatus = "todo"
	TaskDoing TaskStatus = "doing"
	TaskDone  TaskStatus = "done"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTodo, TaskDoing, TaskDone:
		return true
	default:
		return false
	}
}

// Task is a tracked unit of work derived from one or more messages.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	Memo      string     `json:"memo"`
	GroupID   *string    `json:"group_id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TaskGroup is a human-confirmed cluster of duplicate tasks.
type TaskGroup struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskDetail is a Task with its linked messages and group, as listed by the management API.
type TaskDetail struct {
	Task
	Messages []Message `json:"messages"`
	Group    *TaskGroup `json:"group"`
}

// OpenTask is the view of a non-done Task handed to the judge.
type OpenTask struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// SuggestionStatus is the state of a GroupSuggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionAccepted SuggestionStatus = "accepted"
	SuggestionRejected SuggestionStatus = "rejected"
)

// Suggestion proposes merging NewTaskID with exactly one of CandidateTaskID or CandidateGroupID.
type Suggestion struct {
	ID               string           `json:"id"`
	NewTaskID        string           `json:"new_task_id"`
	CandidateTaskID  *string          `json:"candidate_task_id"`
	CandidateGroupID *string          `json:"candidate_group_id"`
	Reason           string           `json:"reason"`
	Status           SuggestionStatus `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
}

// SuggestionDetail is a pending suggestion with its referenced rows resolved.
type SuggestionDetail struct {
	Suggestion
	NewTask        *Task      `json:"new_task"`
	CandidateTask  *Task      `json:"candidate_task"`
	CandidateGroup *TaskGroup `json:"candidate_group"`
}

// TaskUpdate is a partial update applied by UpdateTask. A nil field is left unchanged.
// LeaveGroup detaches the task from its group; GroupID moves it to another group.
type TaskUpdate struct {
	Status     *TaskStatus
	Memo       *string
	GroupID    *string
	LeaveGroup bool
}
