// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"bytes"
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/mentodo/internal/triage"
)

// Store holds messages and work items in memory. Suitable for dev/testing.
// A single mutex makes every method atomic, which stands in for transactions.
type Store struct {
	mu          sync.Mutex
	seq         uint64
	messages    map[string]*message // message ID -> message
	keys        map[string]string   // source:external_id -> message ID (dedup)
	tasks       map[string]*task
	groups      map[string]*triage.TaskGroup
	suggestions map[string]*suggestion
}

type message struct {
	triage.Message
	seq uint64
}

type task struct {
	triage.Task
	seq uint64
}

type suggestion struct {
	triage.Suggestion
	seq uint64
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		messages:    make(map[string]*message),
		keys:        make(map[string]string),
		tasks:       make(map[string]*task),
		groups:      make(map[string]*triage.TaskGroup),
		suggestions: make(map[string]*suggestion),
	}
}

func (s *Store) next() uint64 {
	s.seq++
	return s.seq
}

// SaveMessage stores ev as a processing message unless its key was seen before.
func (s *Store) SaveMessage(_ context.Context, ev *triage.IncomingEvent) (*triage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ev.Key()
	if _, ok := s.keys[key]; ok {
		return nil, triage.ErrDuplicate
	}

	m := &message{
		Message: triage.Message{
			ID:           ulid.Make().String(),
			Source:       ev.Source,
			ExternalID:   ev.ExternalID,
			SenderName:   ev.SenderName,
			Body:         ev.Body,
			Permalink:    ev.Permalink,
			RawPayload:   bytes.Clone(ev.RawPayload),
			ReceivedAt:   time.Now(),
			IsProcessing: true,
		},
		seq: s.next(),
	}
	s.messages[m.ID] = m
	s.keys[key] = m.ID

	cp := m.Message
	return &cp, nil
}

func (s *Store) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return triage.ErrNotFound
	}
	s.deleteMessage(m)
	return nil
}

func (s *Store) deleteMessage(m *message) {
	delete(s.messages, m.ID)
	delete(s.keys, string(m.Source)+":"+m.ExternalID)
}

func (s *Store) MarkReviewed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return triage.ErrNotFound
	}
	m.IsProcessing = false
	return nil
}

func (s *Store) ReleaseStuck(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.messages {
		if m.IsProcessing && m.ReceivedAt.Before(cutoff) {
			m.IsProcessing = false
			n++
		}
	}
	return n, nil
}

// UncertainMessages returns unlinked, reviewed messages, newest first.
func (s *Store) UncertainMessages(_ context.Context) ([]triage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ms []*message
	for _, m := range s.messages {
		if m.TaskID == nil && !m.IsProcessing {
			ms = append(ms, m)
		}
	}
	slices.SortFunc(ms, func(a, b *message) int { return cmp.Compare(b.seq, a.seq) })

	out := make([]triage.Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Message)
	}
	return out, nil
}

func (s *Store) RecentOpenTasks(_ context.Context, source triage.Source, limit int) ([]triage.OpenTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ts []*task
	for _, t := range s.tasks {
		if t.Status == triage.TaskDone {
			continue
		}
		if s.hasSource(t.ID, source) {
			ts = append(ts, t)
		}
	}
	slices.SortFunc(ts, func(a, b *task) int { return cmp.Compare(b.seq, a.seq) })
	if limit > 0 && len(ts) > limit {
		ts = ts[:limit]
	}

	out := make([]triage.OpenTask, 0, len(ts))
	for _, t := range ts {
		out = append(out, triage.OpenTask{ID: t.ID, Title: t.Title, Body: s.firstMessage(t.ID).Body})
	}
	return out, nil
}

func (s *Store) hasSource(taskID string, source triage.Source) bool {
	for _, m := range s.messages {
		if m.TaskID != nil && *m.TaskID == taskID && m.Source == source {
			return true
		}
	}
	return false
}

// firstMessage returns the oldest message linked to taskID, or nil.
func (s *Store) firstMessage(taskID string) *message {
	var first *message
	for _, m := range s.messages {
		if m.TaskID != nil && *m.TaskID == taskID && (first == nil || m.seq < first.seq) {
			first = m
		}
	}
	return first
}

func (s *Store) newTask(title string) *task {
	now := time.Now()
	t := &task{
		Task: triage.Task{
			ID:        ulid.Make().String(),
			Title:     title,
			Status:    triage.TaskTodo,
			CreatedAt: now,
			UpdatedAt: now,
		},
		seq: s.next(),
	}
	s.tasks[t.ID] = t
	return t
}

func (s *Store) CreateTask(_ context.Context, title, messageID string) (*triage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, triage.ErrNotFound
	}
	t := s.newTask(title)
	id := t.ID
	m.TaskID = &id

	cp := t.Task
	return &cp, nil
}

func (s *Store) Taskify(_ context.Context, messageID string, titleLimit int) (*triage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, triage.ErrNotFound
	}
	if m.TaskID != nil {
		return nil, triage.ErrAlreadyLinked
	}
	t := s.newTask(triage.Truncate(m.Body, titleLimit))
	id := t.ID
	m.TaskID = &id
	m.IsProcessing = false

	cp := t.Task
	return &cp, nil
}

// ListTasks returns every task newest first, with its messages oldest first.
func (s *Store) ListTasks(_ context.Context) ([]triage.TaskDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		ts = append(ts, t)
	}
	slices.SortFunc(ts, func(a, b *task) int { return cmp.Compare(b.seq, a.seq) })

	out := make([]triage.TaskDetail, 0, len(ts))
	for _, t := range ts {
		d := triage.TaskDetail{Task: t.Task, Messages: s.taskMessages(t.ID)}
		if t.GroupID != nil {
			if g, ok := s.groups[*t.GroupID]; ok {
				cp := *g
				d.Group = &cp
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) taskMessages(taskID string) []triage.Message {
	var ms []*message
	for _, m := range s.messages {
		if m.TaskID != nil && *m.TaskID == taskID {
			ms = append(ms, m)
		}
	}
	slices.SortFunc(ms, func(a, b *message) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]triage.Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Message)
	}
	return out
}

func (s *Store) CountTasks(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks), nil
}

func (s *Store) UpdateTask(_ context.Context, id string, u triage.TaskUpdate) (*triage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, triage.ErrNotFound
	}
	if u.Status != nil && !u.Status.Valid() {
		return nil, triage.ErrInvalidStatus
	}
	if u.GroupID != nil {
		if _, ok := s.groups[*u.GroupID]; !ok {
			return nil, triage.ErrNotFound
		}
	}

	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Memo != nil {
		t.Memo = *u.Memo
	}
	switch {
	case u.LeaveGroup:
		s.leaveGroup(t)
	case u.GroupID != nil:
		s.moveToGroup(t, *u.GroupID)
	}
	t.UpdatedAt = time.Now()

	cp := t.Task
	return &cp, nil
}

// DeleteTask removes a task with its messages and suggestions, then tears down its group.
func (s *Store) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return triage.ErrNotFound
	}

	for _, m := range s.messages {
		if m.TaskID != nil && *m.TaskID == id {
			s.deleteMessage(m)
		}
	}
	for sid, sg := range s.suggestions {
		if sg.NewTaskID == id || (sg.CandidateTaskID != nil && *sg.CandidateTaskID == id) {
			delete(s.suggestions, sid)
		}
	}
	delete(s.tasks, id)
	if t.GroupID != nil {
		s.teardown(*t.GroupID)
	}
	return nil
}

func (s *Store) CreateGroup(_ context.Context, taskID, title string, mergeTaskIDs []string) (*triage.TaskGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if title == "" {
		return nil, triage.ErrTitleRequired
	}

	members := []*task{}
	seen := make(map[string]struct{})
	for _, id := range append([]string{taskID}, mergeTaskIDs...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		t, ok := s.tasks[id]
		if !ok {
			return nil, triage.ErrNotFound
		}
		members = append(members, t)
	}
	if len(members) < 2 {
		return nil, triage.ErrGroupTooSmall
	}

	g := s.newGroup(title)
	for _, t := range members {
		s.moveToGroup(t, g.ID)
	}

	cp := *g
	return &cp, nil
}

func (s *Store) newGroup(title string) *triage.TaskGroup {
	g := &triage.TaskGroup{
		ID:        ulid.Make().String(),
		Title:     title,
		CreatedAt: time.Now(),
	}
	s.groups[g.ID] = g
	return g
}

// CreateSuggestions drops unknown candidates, collapses grouped ones per group
// and skips any pairing that already has a suggestion.
func (s *Store) CreateSuggestions(_ context.Context, newTaskID string, candidateIDs []string, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nt, ok := s.tasks[newTaskID]
	if !ok {
		return 0, triage.ErrNotFound
	}

	var candidates []triage.Candidate
	for _, id := range candidateIDs {
		if t, ok := s.tasks[id]; ok {
			candidates = append(candidates, triage.Candidate{TaskID: t.ID, GroupID: t.GroupID})
		}
	}

	n := 0
	for _, target := range triage.PlanSuggestions(newTaskID, nt.GroupID, candidates) {
		if s.hasSuggestion(newTaskID, target) {
			continue
		}
		sg := &suggestion{
			Suggestion: triage.Suggestion{
				ID:               ulid.Make().String(),
				NewTaskID:        newTaskID,
				CandidateTaskID:  target.TaskID,
				CandidateGroupID: target.GroupID,
				Reason:           reason,
				Status:           triage.SuggestionPending,
				CreatedAt:        time.Now(),
			},
			seq: s.next(),
		}
		s.suggestions[sg.ID] = sg
		n++
	}
	return n, nil
}

func (s *Store) hasSuggestion(newTaskID string, target triage.SuggestionTarget) bool {
	for _, sg := range s.suggestions {
		if sg.NewTaskID != newTaskID {
			continue
		}
		if target.TaskID != nil && sg.CandidateTaskID != nil && *sg.CandidateTaskID == *target.TaskID {
			return true
		}
		if target.GroupID != nil && sg.CandidateGroupID != nil && *sg.CandidateGroupID == *target.GroupID {
			return true
		}
	}
	return false
}

// PendingSuggestions returns pending suggestions newest first with their referenced rows.
func (s *Store) PendingSuggestions(_ context.Context) ([]triage.SuggestionDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sgs []*suggestion
	for _, sg := range s.suggestions {
		if sg.Status == triage.SuggestionPending {
			sgs = append(sgs, sg)
		}
	}
	slices.SortFunc(sgs, func(a, b *suggestion) int { return cmp.Compare(b.seq, a.seq) })

	out := make([]triage.SuggestionDetail, 0, len(sgs))
	for _, sg := range sgs {
		d := triage.SuggestionDetail{Suggestion: sg.Suggestion}
		if t, ok := s.tasks[sg.NewTaskID]; ok {
			cp := t.Task
			d.NewTask = &cp
		}
		if sg.CandidateTaskID != nil {
			if t, ok := s.tasks[*sg.CandidateTaskID]; ok {
				cp := t.Task
				d.CandidateTask = &cp
			}
		}
		if sg.CandidateGroupID != nil {
			if g, ok := s.groups[*sg.CandidateGroupID]; ok {
				cp := *g
				d.CandidateGroup = &cp
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) AcceptSuggestion(_ context.Context, id, title string) (*triage.TaskGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, ok := s.suggestions[id]
	if !ok || sg.Status != triage.SuggestionPending {
		return nil, triage.ErrNotFound
	}
	nt, ok := s.tasks[sg.NewTaskID]
	if !ok {
		return nil, triage.ErrNotFound
	}

	var g *triage.TaskGroup
	if sg.CandidateGroupID != nil {
		if g, ok = s.groups[*sg.CandidateGroupID]; !ok {
			return nil, triage.ErrNotFound
		}
		s.moveToGroup(nt, g.ID)
	} else {
		if title == "" {
			return nil, triage.ErrTitleRequired
		}
		ct, ok := s.tasks[*sg.CandidateTaskID]
		if !ok {
			return nil, triage.ErrNotFound
		}
		g = s.newGroup(title)
		s.moveToGroup(nt, g.ID)
		s.moveToGroup(ct, g.ID)
	}
	sg.Status = triage.SuggestionAccepted

	cp := *g
	return &cp, nil
}

func (s *Store) RejectSuggestion(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, ok := s.suggestions[id]
	if !ok || sg.Status != triage.SuggestionPending {
		return triage.ErrNotFound
	}
	sg.Status = triage.SuggestionRejected
	return nil
}

func (s *Store) leaveGroup(t *task) {
	if t.GroupID == nil {
		return
	}
	gid := *t.GroupID
	t.GroupID = nil
	s.teardown(gid)
}

func (s *Store) moveToGroup(t *task, gid string) {
	if t.GroupID != nil && *t.GroupID == gid {
		return
	}
	prev := t.GroupID
	id := gid
	t.GroupID = &id
	t.UpdatedAt = time.Now()
	if prev != nil {
		s.teardown(*prev)
	}
}

// teardown deletes gid, detaching its last member, once fewer than two members remain.
func (s *Store) teardown(gid string) {
	var members []*task
	for _, t := range s.tasks {
		if t.GroupID != nil && *t.GroupID == gid {
			members = append(members, t)
		}
	}
	if len(members) >= 2 {
		return
	}
	for _, t := range members {
		t.GroupID = nil
		t.UpdatedAt = time.Now()
	}
	for sid, sg := range s.suggestions {
		if sg.CandidateGroupID != nil && *sg.CandidateGroupID == gid {
			delete(s.suggestions, sid)
		}
	}
	delete(s.groups, gid)
}

var _ triage.Store = (*Store)(nil)
