package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/mentodo/internal/triage/pgstore.(*Store).SaveMessage", "(*Store).SaveMessage"},
		{"closure", "github.com/linnemanlabs/mentodo/internal/triage/pgstore.(*Store).CreateTask.func1", "(*Store).CreateTask"},
		{"plain function", "github.com/linnemanlabs/mentodo/internal/triage/pgstore.teardown", "teardown"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCompactSQL(t *testing.T) {
	t.Parallel()

	got := compactSQL("SELECT id\n\t\t FROM tasks\n\t\t WHERE id = $1")
	if got != "SELECT id FROM tasks WHERE id = $1" {
		t.Errorf("compactSQL = %q", got)
	}
}

func TestWithHTTPMethod(t *testing.T) {
	t.Parallel()

	if got := httpMethodFromContext(WithHTTPMethod(context.Background(), "POST")); got != "POST" {
		t.Errorf("httpMethodFromContext = %q, want POST", got)
	}
	if got := httpMethodFromContext(WithHTTPMethod(context.Background(), "")); got != "" {
		t.Errorf("httpMethodFromContext = %q, want empty", got)
	}
}

func TestRouteFromContext(t *testing.T) {
	t.Parallel()

	rctx := chi.NewRouteContext()
	rctx.RoutePatterns = []string{"/webhooks/slack"}
	routed := context.WithValue(context.Background(), chi.RouteCtxKey, rctx)
	if got := routeFromContext(routed); got != "/webhooks/slack" {
		t.Errorf("route = %q, want chi pattern", got)
	}

	// a pipeline detached from a webhook request still carries the route
	detached := WithOperation(context.WithoutCancel(routed), "triage")
	if got := routeFromContext(detached); got != "triage" {
		t.Errorf("route = %q, want operation label to win", got)
	}

	if got := routeFromContext(context.Background()); got != "" {
		t.Errorf("route = %q, want empty", got)
	}
}

// recordingTracer counts calls from the logging wrapper.
type recordingTracer struct {
	starts, ends int
}

func (r *recordingTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	r.starts++
	return ctx
}

func (r *recordingTracer) TraceQueryEnd(_ context.Context, _ *pgx.Conn, _ pgx.TraceQueryEndData) {
	r.ends++
}

func TestLoggingTracer_ObservesQueries(t *testing.T) {
	// Not parallel: swaps the global query observer.
	defer SetQueryObserver(nil)

	var (
		gotMethod, gotRoute, gotOutcome string
		calls                           int
	)
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, route, outcome string, _ time.Duration) {
		calls++
		gotMethod, gotRoute, gotOutcome = method, route, outcome
	}))

	inner := &recordingTracer{}
	tr := wrapQueryTracer(inner)

	ctx := WithOperation(context.Background(), "sweep")
	ctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "UPDATE messages SET is_processing = false", Args: []any{1}})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{
		CommandTag: pgconn.NewCommandTag("UPDATE 3"),
		Err:        errors.New("boom"),
	})

	if inner.starts != 1 || inner.ends != 1 {
		t.Errorf("inner tracer starts=%d ends=%d, want 1 and 1", inner.starts, inner.ends)
	}
	if calls != 1 {
		t.Fatalf("observer calls = %d, want 1", calls)
	}
	if gotMethod != "NONE" {
		t.Errorf("method = %q, want NONE", gotMethod)
	}
	if gotRoute != "sweep" {
		t.Errorf("route = %q, want sweep", gotRoute)
	}
	if gotOutcome != "error" {
		t.Errorf("outcome = %q, want error", gotOutcome)
	}
}

func TestSetQueryObserver(t *testing.T) {
	// Not parallel: swaps the global query observer.
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	}))
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "GET", "/test", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	if got := getQueryObserver(); got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}
