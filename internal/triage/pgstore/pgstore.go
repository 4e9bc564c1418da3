// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/mentodo/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/mentodo/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists messages and work items in PostgreSQL.
// Multi-row changes run in one transaction; group rows are locked before
// their membership is counted so concurrent departures cannot leave a singleton.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const (
	messageColumns = `id, source, external_id, sender_name, body, permalink, raw_payload, received_at, task_id, is_processing`
	taskColumns    = `id, title, status, memo, group_id, created_at, updated_at`
	groupColumns   = `id, title, created_at`
)

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

// fail records err on span unless it is an expected domain outcome.
func fail(span trace.Span, err error) error {
	switch {
	case errors.Is(err, triage.ErrDuplicate),
		errors.Is(err, triage.ErrNotFound),
		errors.Is(err, triage.ErrAlreadyLinked),
		errors.Is(err, triage.ErrTitleRequired),
		errors.Is(err, triage.ErrGroupTooSmall),
		errors.Is(err, triage.ErrInvalidStatus):
		span.SetAttributes(attribute.String("mentodo.store.result", err.Error()))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// SaveMessage inserts ev as a processing message. The unique (source, external_id)
// constraint decides the winner of concurrent deliveries.
func (s *Store) SaveMessage(ctx context.Context, ev *triage.IncomingEvent) (*triage.Message, error) {
	ctx, span := startSpan(ctx, "SaveMessage", "INSERT")
	defer span.End()

	raw := ev.RawPayload
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	m := &triage.Message{
		ID:           ulid.Make().String(),
		Source:       ev.Source,
		ExternalID:   ev.ExternalID,
		SenderName:   ev.SenderName,
		Body:         ev.Body,
		Permalink:    ev.Permalink,
		RawPayload:   raw,
		IsProcessing: true,
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (id, source, external_id, sender_name, body, permalink, raw_payload, is_processing)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, true)
		 ON CONFLICT (source, external_id) DO NOTHING
		 RETURNING received_at`,
		m.ID, string(m.Source), m.ExternalID, m.SenderName, m.Body, m.Permalink, string(raw),
	).Scan(&m.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fail(span, triage.ErrDuplicate)
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("insert message: %w", err))
	}
	return m, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "DeleteMessage", "DELETE")
	defer span.End()

	ct, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fail(span, fmt.Errorf("delete message: %w", err))
	}
	if ct.RowsAffected() == 0 {
		return fail(span, triage.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkReviewed(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "MarkReviewed", "UPDATE")
	defer span.End()

	ct, err := s.pool.Exec(ctx, `UPDATE messages SET is_processing = false WHERE id = $1`, id)
	if err != nil {
		return fail(span, fmt.Errorf("mark reviewed: %w", err))
	}
	if ct.RowsAffected() == 0 {
		return fail(span, triage.ErrNotFound)
	}
	return nil
}

func (s *Store) ReleaseStuck(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := startSpan(ctx, "ReleaseStuck", "UPDATE")
	defer span.End()

	ct, err := s.pool.Exec(ctx,
		`UPDATE messages SET is_processing = false WHERE is_processing AND received_at < $1`, cutoff)
	if err != nil {
		return 0, fail(span, fmt.Errorf("release stuck: %w", err))
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) UncertainMessages(ctx context.Context) ([]triage.Message, error) {
	ctx, span := startSpan(ctx, "UncertainMessages", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE task_id IS NULL AND NOT is_processing
		 ORDER BY received_at DESC, id DESC`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query backlog: %w", err))
	}
	defer rows.Close()

	out := []triage.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate backlog: %w", err))
	}
	return out, nil
}

// RecentOpenTasks returns non-done tasks with at least one message from source,
// each with the body of its oldest message.
func (s *Store) RecentOpenTasks(ctx context.Context, source triage.Source, limit int) ([]triage.OpenTask, error) {
	ctx, span := startSpan(ctx, "RecentOpenTasks", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.title, fm.body
		 FROM tasks t
		 JOIN LATERAL (
		     SELECT m.body FROM messages m WHERE m.task_id = t.id
		     ORDER BY m.received_at, m.id LIMIT 1
		 ) fm ON true
		 WHERE t.status <> 'done'
		   AND EXISTS (SELECT 1 FROM messages m WHERE m.task_id = t.id AND m.source = $1)
		 ORDER BY t.created_at DESC, t.id DESC
		 LIMIT $2`,
		string(source), limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query open tasks: %w", err))
	}
	defer rows.Close()

	out := []triage.OpenTask{}
	for rows.Next() {
		var t triage.OpenTask
		if err := rows.Scan(&t.ID, &t.Title, &t.Body); err != nil {
			return nil, fail(span, fmt.Errorf("scan open task: %w", err))
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate open tasks: %w", err))
	}
	return out, nil
}

func insertTask(ctx context.Context, tx pgx.Tx, title string) (*triage.Task, error) {
	row := tx.QueryRow(ctx,
		`INSERT INTO tasks (id, title) VALUES ($1, $2) RETURNING `+taskColumns,
		ulid.Make().String(), title)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// CreateTask creates a task and links messageID to it in one transaction.
func (s *Store) CreateTask(ctx context.Context, title, messageID string) (*triage.Task, error) {
	ctx, span := startSpan(ctx, "CreateTask", "INSERT")
	defer span.End()

	var task *triage.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := insertTask(ctx, tx, title)
		if err != nil {
			return err
		}
		ct, err := tx.Exec(ctx, `UPDATE messages SET task_id = $1 WHERE id = $2`, t.ID, messageID)
		if err != nil {
			return fmt.Errorf("link message: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return triage.ErrNotFound
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return task, nil
}

func (s *Store) Taskify(ctx context.Context, messageID string, titleLimit int) (*triage.Task, error) {
	ctx, span := startSpan(ctx, "Taskify", "INSERT")
	defer span.End()

	var task *triage.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			body   string
			taskID *string
		)
		err := tx.QueryRow(ctx,
			`SELECT body, task_id FROM messages WHERE id = $1 FOR UPDATE`, messageID,
		).Scan(&body, &taskID)
		if errors.Is(err, pgx.ErrNoRows) {
			return triage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load message: %w", err)
		}
		if taskID != nil {
			return triage.ErrAlreadyLinked
		}

		t, err := insertTask(ctx, tx, triage.Truncate(body, titleLimit))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE messages SET task_id = $1, is_processing = false WHERE id = $2`, t.ID, messageID); err != nil {
			return fmt.Errorf("link message: %w", err)
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return task, nil
}

// ListTasks returns every task newest first with its messages oldest first and its group.
func (s *Store) ListTasks(ctx context.Context) ([]triage.TaskDetail, error) {
	ctx, span := startSpan(ctx, "ListTasks", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+prefixed("t", taskColumns)+`, g.id, g.title, g.created_at
		 FROM tasks t LEFT JOIN task_groups g ON g.id = t.group_id
		 ORDER BY t.created_at DESC, t.id DESC`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query tasks: %w", err))
	}

	out := []triage.TaskDetail{}
	index := make(map[string]int)
	for rows.Next() {
		var (
			d        triage.TaskDetail
			status   string
			gID      *string
			gTitle   *string
			gCreated *time.Time
		)
		if err := rows.Scan(&d.ID, &d.Title, &status, &d.Memo, &d.GroupID, &d.CreatedAt, &d.UpdatedAt,
			&gID, &gTitle, &gCreated); err != nil {
			rows.Close()
			return nil, fail(span, fmt.Errorf("scan task: %w", err))
		}
		d.Status = triage.TaskStatus(status)
		if gID != nil {
			d.Group = &triage.TaskGroup{ID: *gID, Title: *gTitle, CreatedAt: *gCreated}
		}
		d.Messages = []triage.Message{}
		index[d.ID] = len(out)
		out = append(out, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate tasks: %w", err))
	}

	mrows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE task_id IS NOT NULL ORDER BY received_at, id`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query task messages: %w", err))
	}
	defer mrows.Close()

	for mrows.Next() {
		m, err := scanMessage(mrows)
		if err != nil {
			return nil, fail(span, err)
		}
		if i, ok := index[*m.TaskID]; ok {
			out[i].Messages = append(out[i].Messages, *m)
		}
	}
	if err := mrows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate task messages: %w", err))
	}
	return out, nil
}

func (s *Store) CountTasks(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "CountTasks", "SELECT")
	defer span.End()

	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM tasks`).Scan(&n); err != nil {
		return 0, fail(span, fmt.Errorf("count tasks: %w", err))
	}
	return n, nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, u triage.TaskUpdate) (*triage.Task, error) {
	ctx, span := startSpan(ctx, "UpdateTask", "UPDATE")
	defer span.End()

	if u.Status != nil && !u.Status.Valid() {
		return nil, fail(span, triage.ErrInvalidStatus)
	}

	var task *triage.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		prev, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}

		if u.Status != nil {
			if _, err := tx.Exec(ctx, `UPDATE tasks SET status = $1 WHERE id = $2`, string(*u.Status), id); err != nil {
				return fmt.Errorf("update status: %w", err)
			}
		}
		if u.Memo != nil {
			if _, err := tx.Exec(ctx, `UPDATE tasks SET memo = $1 WHERE id = $2`, *u.Memo, id); err != nil {
				return fmt.Errorf("update memo: %w", err)
			}
		}

		switch {
		case u.LeaveGroup:
			if err := moveTask(ctx, tx, id, prev, nil); err != nil {
				return err
			}
		case u.GroupID != nil:
			if err := lockGroup(ctx, tx, *u.GroupID); err != nil {
				return err
			}
			if err := moveTask(ctx, tx, id, prev, u.GroupID); err != nil {
				return err
			}
		}

		t, err := scanTask(tx.QueryRow(ctx,
			`UPDATE tasks SET updated_at = now() WHERE id = $1 RETURNING `+taskColumns, id))
		if err != nil {
			return fmt.Errorf("touch task: %w", err)
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return task, nil
}

// DeleteTask removes a task; its messages and suggestions cascade and its group is torn down.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "DeleteTask", "DELETE")
	defer span.End()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		prev, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if prev != nil {
			return teardown(ctx, tx, *prev)
		}
		return nil
	})
	if err != nil {
		return fail(span, err)
	}
	return nil
}

func (s *Store) CreateGroup(ctx context.Context, taskID, title string, mergeTaskIDs []string) (*triage.TaskGroup, error) {
	ctx, span := startSpan(ctx, "CreateGroup", "INSERT")
	defer span.End()

	if title == "" {
		return nil, fail(span, triage.ErrTitleRequired)
	}

	ids := []string{taskID}
	for _, id := range mergeTaskIDs {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	var group *triage.TaskGroup
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		members, err := lockTasks(ctx, tx, ids)
		if err != nil {
			return err
		}
		if len(members) != len(ids) {
			return triage.ErrNotFound
		}
		if len(ids) < 2 {
			return triage.ErrGroupTooSmall
		}

		g, err := insertGroup(ctx, tx, title)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := moveTask(ctx, tx, id, members[id], &g.ID); err != nil {
				return err
			}
		}
		group = g
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return group, nil
}

// CreateSuggestions drops candidate ids that do not exist, collapses grouped
// candidates per group and bulk-inserts the rest, skipping existing pairings.
func (s *Store) CreateSuggestions(ctx context.Context, newTaskID string, candidateIDs []string, reason string) (int, error) {
	ctx, span := startSpan(ctx, "CreateSuggestions", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.Int("mentodo.suggestions.candidates", len(candidateIDs)))

	inserted := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var newGroup *string
		err := tx.QueryRow(ctx, `SELECT group_id FROM tasks WHERE id = $1`, newTaskID).Scan(&newGroup)
		if errors.Is(err, pgx.ErrNoRows) {
			return triage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load new task: %w", err)
		}

		existing := make(map[string]*string)
		if len(candidateIDs) > 0 {
			rows, err := tx.Query(ctx, `SELECT id, group_id FROM tasks WHERE id = ANY($1)`, candidateIDs)
			if err != nil {
				return fmt.Errorf("query candidates: %w", err)
			}
			for rows.Next() {
				var (
					id  string
					gid *string
				)
				if err := rows.Scan(&id, &gid); err != nil {
					rows.Close()
					return fmt.Errorf("scan candidate: %w", err)
				}
				existing[id] = gid
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return fmt.Errorf("iterate candidates: %w", err)
			}
		}

		var candidates []triage.Candidate
		for _, id := range candidateIDs {
			if gid, ok := existing[id]; ok {
				candidates = append(candidates, triage.Candidate{TaskID: id, GroupID: gid})
			}
		}
		targets := triage.PlanSuggestions(newTaskID, newGroup, candidates)
		if len(targets) == 0 {
			return nil
		}

		b := &pgx.Batch{}
		for _, t := range targets {
			b.Queue(
				`INSERT INTO group_suggestions (id, new_task_id, candidate_task_id, candidate_group_id, reason)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT DO NOTHING`,
				ulid.Make().String(), newTaskID, t.TaskID, t.GroupID, reason)
		}
		br := tx.SendBatch(ctx, b)
		for range targets {
			ct, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return fmt.Errorf("insert suggestion: %w", err)
			}
			inserted += int(ct.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, fail(span, err)
	}
	span.SetAttributes(attribute.Int("mentodo.suggestions.inserted", inserted))
	return inserted, nil
}

func (s *Store) PendingSuggestions(ctx context.Context) ([]triage.SuggestionDetail, error) {
	ctx, span := startSpan(ctx, "PendingSuggestions", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.new_task_id, s.candidate_task_id, s.candidate_group_id, s.reason, s.status, s.created_at,
		        `+prefixed("nt", taskColumns)+`,
		        `+prefixed("ct", taskColumns)+`,
		        `+prefixed("g", groupColumns)+`
		 FROM group_suggestions s
		 JOIN tasks nt ON nt.id = s.new_task_id
		 LEFT JOIN tasks ct ON ct.id = s.candidate_task_id
		 LEFT JOIN task_groups g ON g.id = s.candidate_group_id
		 WHERE s.status = 'pending'
		 ORDER BY s.created_at DESC, s.id DESC`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query suggestions: %w", err))
	}
	defer rows.Close()

	out := []triage.SuggestionDetail{}
	for rows.Next() {
		var (
			d      triage.SuggestionDetail
			status string
			nt     nullTask
			ct     nullTask
			g      nullGroup
		)
		dest := []any{&d.ID, &d.NewTaskID, &d.CandidateTaskID, &d.CandidateGroupID, &d.Reason, &status, &d.CreatedAt}
		dest = append(dest, nt.dest()...)
		dest = append(dest, ct.dest()...)
		dest = append(dest, g.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fail(span, fmt.Errorf("scan suggestion: %w", err))
		}
		d.Status = triage.SuggestionStatus(status)
		d.NewTask = nt.task()
		d.CandidateTask = ct.task()
		d.CandidateGroup = g.group()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate suggestions: %w", err))
	}
	return out, nil
}

func (s *Store) AcceptSuggestion(ctx context.Context, id, title string) (*triage.TaskGroup, error) {
	ctx, span := startSpan(ctx, "AcceptSuggestion", "UPDATE")
	defer span.End()

	var group *triage.TaskGroup
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			newTaskID        string
			candidateTaskID  *string
			candidateGroupID *string
		)
		err := tx.QueryRow(ctx,
			`SELECT new_task_id, candidate_task_id, candidate_group_id
			 FROM group_suggestions WHERE id = $1 AND status = 'pending' FOR UPDATE`, id,
		).Scan(&newTaskID, &candidateTaskID, &candidateGroupID)
		if errors.Is(err, pgx.ErrNoRows) {
			return triage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load suggestion: %w", err)
		}

		if candidateGroupID != nil {
			if err := lockGroup(ctx, tx, *candidateGroupID); err != nil {
				return err
			}
			prev, err := lockTask(ctx, tx, newTaskID)
			if err != nil {
				return err
			}
			if err := moveTask(ctx, tx, newTaskID, prev, candidateGroupID); err != nil {
				return err
			}
			g, err := scanGroup(tx.QueryRow(ctx, `SELECT `+groupColumns+` FROM task_groups WHERE id = $1`, *candidateGroupID))
			if err != nil {
				return fmt.Errorf("load group: %w", err)
			}
			group = g
		} else {
			if title == "" {
				return triage.ErrTitleRequired
			}
			ids := []string{newTaskID, *candidateTaskID}
			members, err := lockTasks(ctx, tx, ids)
			if err != nil {
				return err
			}
			if len(members) != len(ids) {
				return triage.ErrNotFound
			}
			g, err := insertGroup(ctx, tx, title)
			if err != nil {
				return err
			}
			for _, tid := range ids {
				if err := moveTask(ctx, tx, tid, members[tid], &g.ID); err != nil {
					return err
				}
			}
			group = g
		}

		if _, err := tx.Exec(ctx, `UPDATE group_suggestions SET status = 'accepted' WHERE id = $1`, id); err != nil {
			return fmt.Errorf("accept suggestion: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return group, nil
}

func (s *Store) RejectSuggestion(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "RejectSuggestion", "UPDATE")
	defer span.End()

	ct, err := s.pool.Exec(ctx,
		`UPDATE group_suggestions SET status = 'rejected' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fail(span, fmt.Errorf("reject suggestion: %w", err))
	}
	if ct.RowsAffected() == 0 {
		return fail(span, triage.ErrNotFound)
	}
	return nil
}

// lockTask locks a task row and returns its current group.
func lockTask(ctx context.Context, tx pgx.Tx, id string) (*string, error) {
	var gid *string
	err := tx.QueryRow(ctx, `SELECT group_id FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&gid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, triage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock task: %w", err)
	}
	return gid, nil
}

// lockTasks locks the given task rows in id order and returns their groups by id.
func lockTasks(ctx context.Context, tx pgx.Tx, ids []string) (map[string]*string, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, group_id FROM tasks WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*string, len(ids))
	for rows.Next() {
		var (
			id  string
			gid *string
		)
		if err := rows.Scan(&id, &gid); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out[id] = gid
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// lockGroup locks a group row, failing with ErrNotFound once it was torn down.
func lockGroup(ctx context.Context, tx pgx.Tx, id string) error {
	var got string
	err := tx.QueryRow(ctx, `SELECT id FROM task_groups WHERE id = $1 FOR UPDATE`, id).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return triage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock group: %w", err)
	}
	return nil
}

func insertGroup(ctx context.Context, tx pgx.Tx, title string) (*triage.TaskGroup, error) {
	g, err := scanGroup(tx.QueryRow(ctx,
		`INSERT INTO task_groups (id, title) VALUES ($1, $2) RETURNING `+groupColumns,
		ulid.Make().String(), title))
	if err != nil {
		return nil, fmt.Errorf("insert group: %w", err)
	}
	return g, nil
}

// moveTask sets the task's group to to (nil detaches) and tears down the group it left.
func moveTask(ctx context.Context, tx pgx.Tx, taskID string, from, to *string) error {
	if from != nil && to != nil && *from == *to {
		return nil
	}
	if from == nil && to == nil {
		return nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET group_id = $1, updated_at = now() WHERE id = $2`, to, taskID); err != nil {
		return fmt.Errorf("move task: %w", err)
	}
	if from != nil {
		return teardown(ctx, tx, *from)
	}
	return nil
}

// teardown deletes groupID, detaching its last member, when fewer than two members remain.
// The group row lock serializes concurrent departures so each count sees the previous one.
func teardown(ctx context.Context, tx pgx.Tx, groupID string) error {
	if err := lockGroup(ctx, tx, groupID); err != nil {
		if errors.Is(err, triage.ErrNotFound) {
			return nil
		}
		return err
	}

	var members int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE group_id = $1`, groupID).Scan(&members); err != nil {
		return fmt.Errorf("count group members: %w", err)
	}
	if members >= 2 {
		return nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET group_id = NULL, updated_at = now() WHERE group_id = $1`, groupID); err != nil {
		return fmt.Errorf("detach last member: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM task_groups WHERE id = $1`, groupID); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (*triage.Message, error) {
	var (
		m      triage.Message
		source string
		raw    []byte
	)
	if err := row.Scan(&m.ID, &source, &m.ExternalID, &m.SenderName, &m.Body, &m.Permalink,
		&raw, &m.ReceivedAt, &m.TaskID, &m.IsProcessing); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Source = triage.Source(source)
	m.RawPayload = raw
	return &m, nil
}

func scanTask(row pgx.Row) (*triage.Task, error) {
	var (
		t      triage.Task
		status string
	)
	if err := row.Scan(&t.ID, &t.Title, &status, &t.Memo, &t.GroupID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = triage.TaskStatus(status)
	return &t, nil
}

func scanGroup(row pgx.Row) (*triage.TaskGroup, error) {
	var g triage.TaskGroup
	if err := row.Scan(&g.ID, &g.Title, &g.CreatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// nullTask scans the task columns of an outer join.
type nullTask struct {
	id, title, status, memo *string
	groupID                 *string
	createdAt, updatedAt    *time.Time
}

func (n *nullTask) dest() []any {
	return []any{&n.id, &n.title, &n.status, &n.memo, &n.groupID, &n.createdAt, &n.updatedAt}
}

func (n *nullTask) task() *triage.Task {
	if n.id == nil {
		return nil
	}
	return &triage.Task{
		ID:        *n.id,
		Title:     *n.title,
		Status:    triage.TaskStatus(*n.status),
		Memo:      *n.memo,
		GroupID:   n.groupID,
		CreatedAt: *n.createdAt,
		UpdatedAt: *n.updatedAt,
	}
}

type nullGroup struct {
	id, title *string
	createdAt *time.Time
}

func (n *nullGroup) dest() []any {
	return []any{&n.id, &n.title, &n.createdAt}
}

func (n *nullGroup) group() *triage.TaskGroup {
	if n.id == nil {
		return nil
	}
	return &triage.TaskGroup{ID: *n.id, Title: *n.title, CreatedAt: *n.createdAt}
}

// prefixed qualifies each column in a comma separated list with alias.
func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

var _ triage.Store = (*Store)(nil)
