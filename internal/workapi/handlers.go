package workapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/mentodo/internal/triage"
)

const maxBodyBytes = 64 << 10

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.svc.UncertainMessages(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to list uncertain messages")
		return
	}
	if msgs == nil {
		msgs = []triage.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := a.pathID(r, "mentodo.message.id")
	if err := a.svc.DeleteMessage(r.Context(), id); err != nil {
		a.fail(w, r, err, "failed to delete message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTaskify(w http.ResponseWriter, r *http.Request) {
	id := a.pathID(r, "mentodo.message.id")
	task, err := a.svc.Taskify(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to taskify message")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("mentodo.task.id", task.ID))
	writeJSON(w, http.StatusCreated, task)
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.svc.ListTasks(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []triage.TaskDetail{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *API) handleCountTasks(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.CountTasks(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to count tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

type updateTaskRequest struct {
	Status  *triage.TaskStatus `json:"status"`
	Memo    *string            `json:"memo"`
	GroupID json.RawMessage    `json:"groupId"`
}

// toUpdate maps the request onto a TaskUpdate: a null groupId leaves the
// group, a string moves the task, and an absent key leaves it alone.
func (req *updateTaskRequest) toUpdate() (triage.TaskUpdate, error) {
	u := triage.TaskUpdate{Status: req.Status, Memo: req.Memo}
	switch {
	case len(req.GroupID) == 0:
	case bytes.Equal(bytes.TrimSpace(req.GroupID), []byte("null")):
		u.LeaveGroup = true
	default:
		var gid string
		if err := json.Unmarshal(req.GroupID, &gid); err != nil {
			return u, errors.New("groupId must be a string or null")
		}
		if gid == "" {
			return u, errors.New("groupId must not be empty")
		}
		u.GroupID = &gid
	}
	return u, nil
}

func (a *API) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := a.pathID(r, "mentodo.task.id")

	var req updateTaskRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	u, err := req.toUpdate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := a.svc.UpdateTask(r.Context(), id, u)
	if err != nil {
		a.fail(w, r, err, "failed to update task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := a.pathID(r, "mentodo.task.id")
	if err := a.svc.DeleteTask(r.Context(), id); err != nil {
		a.fail(w, r, err, "failed to delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createGroupRequest struct {
	Title        string   `json:"title"`
	MergeTaskIDs []string `json:"mergeTaskIds"`
}

func (a *API) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	id := a.pathID(r, "mentodo.task.id")

	var req createGroupRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	group, err := a.svc.CreateGroup(r.Context(), id, req.Title, req.MergeTaskIDs)
	if err != nil {
		a.fail(w, r, err, "failed to create group")
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (a *API) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	sugs, err := a.svc.PendingSuggestions(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to list suggestions")
		return
	}
	if sugs == nil {
		sugs = []triage.SuggestionDetail{}
	}
	writeJSON(w, http.StatusOK, sugs)
}

type acceptSuggestionRequest struct {
	Title string `json:"title"`
}

func (a *API) handleAcceptSuggestion(w http.ResponseWriter, r *http.Request) {
	id := a.pathID(r, "mentodo.suggestion.id")

	var req acceptSuggestionRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	group, err := a.svc.AcceptSuggestion(r.Context(), id, req.Title)
	if err != nil {
		a.fail(w, r, err, "failed to accept suggestion")
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (a *API) handleRejectSuggestion(w http.ResponseWriter, r *http.Request) {
	id := a.pathID(r, "mentodo.suggestion.id")
	if err := a.svc.RejectSuggestion(r.Context(), id); err != nil {
		a.fail(w, r, err, "failed to reject suggestion")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) pathID(r *http.Request, attr string) string {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String(attr, id))
	return id
}

// fail maps domain errors to status codes. Only unexpected errors are logged.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, triage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, triage.ErrAlreadyLinked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, triage.ErrTitleRequired),
		errors.Is(err, triage.ErrInvalidStatus),
		errors.Is(err, triage.ErrGroupTooSmall):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error(r.Context(), err, msg, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
// An empty body is accepted when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
