// Package webhookapi receives signed mention webhooks from the chat platforms
// and hands accepted events to the triage pipeline.
package webhookapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/mentodo/internal/platform/chatwork"
	"github.com/linnemanlabs/mentodo/internal/platform/slack"
	"github.com/linnemanlabs/mentodo/internal/triage"
)

const (
	// DefaultResolveTimeout bounds a sender-name lookup.
	DefaultResolveTimeout = 3 * time.Second

	maxBodyBytes = 1 << 20
)

// Ingestor launches the triage pipeline. Process must not block.
type Ingestor interface {
	Process(ctx context.Context, ev *triage.IncomingEvent)
}

// ChatworkNames resolves the sender of a Chatwork payload.
type ChatworkNames interface {
	SenderName(ctx context.Context, p *chatwork.Payload) (string, error)
}

// SlackNames resolves a Slack user id.
type SlackNames interface {
	SenderName(ctx context.Context, userID string) (string, error)
}

// Verifiers holds the per-platform signature checks.
type Verifiers struct {
	Chatwork *chatwork.Verifier
	Slack    *slack.Verifier
}

// Option configures an API.
type Option func(*API)

// WithChatworkNames enables Chatwork sender-name resolution.
func WithChatworkNames(r ChatworkNames) Option {
	return func(a *API) { a.chatworkNames = r }
}

// WithSlackNames enables Slack sender-name resolution.
func WithSlackNames(r SlackNames) Option {
	return func(a *API) { a.slackNames = r }
}

// WithResolveTimeout bounds each sender-name lookup.
func WithResolveTimeout(d time.Duration) Option {
	return func(a *API) { a.resolveTimeout = d }
}

// WithMetrics records webhook outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(a *API) { a.metrics = m }
}

// API holds dependencies for the webhook handlers.
type API struct {
	logger         log.Logger
	svc            Ingestor
	verifiers      Verifiers
	slackUserID    string
	chatworkNames  ChatworkNames
	slackNames     SlackNames
	resolveTimeout time.Duration
	metrics        *Metrics
}

// New creates the webhook API. slackUserID is the account whose mentions are tracked.
func New(logger log.Logger, svc Ingestor, v Verifiers, slackUserID string, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("ingestor is required"))
	}
	if v.Chatwork == nil || v.Slack == nil {
		panic(xerrors.New("both platform verifiers are required"))
	}
	a := &API{
		logger:         logger,
		svc:            svc,
		verifiers:      v,
		slackUserID:    slackUserID,
		resolveTimeout: DefaultResolveTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches the webhook endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/chatwork", a.handle(triage.SourceChatwork))
		r.Post("/slack", a.handle(triage.SourceSlack))
	})
}

// Webhook outcomes, used as the result label of the webhook metric.
const (
	resultAccepted     = "accepted"
	resultIgnored      = "ignored"
	resultChallenge    = "challenge"
	resultUnauthorized = "unauthorized"
	resultBadRequest   = "bad_request"
)

// reply is what a platform handler decided: an event to triage, a custom body, or a bare ack.
type reply struct {
	event  *triage.IncomingEvent
	body   any
	result string
}

func (a *API) handle(src triage.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("mentodo.webhook.source", string(src)))

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				a.finish(ctx, src, resultBadRequest)
				writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			a.finish(ctx, src, resultBadRequest)
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}

		if err := a.verify(src, r, body); err != nil {
			a.logger.Warn(ctx, "webhook signature rejected", "source", src, "err", err)
			a.finish(ctx, src, resultUnauthorized)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		rep, err := a.dispatch(ctx, src, body)
		if err != nil {
			a.logger.Warn(ctx, "malformed webhook payload", "source", src, "err", err)
			a.finish(ctx, src, resultBadRequest)
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}

		if rep.event != nil {
			span.SetAttributes(attribute.String("mentodo.webhook.external_id", rep.event.ExternalID))
			a.svc.Process(ctx, rep.event)
		}
		a.finish(ctx, src, rep.result)

		if rep.body != nil {
			writeJSON(w, http.StatusOK, rep.body)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (a *API) verify(src triage.Source, r *http.Request, body []byte) error {
	switch src {
	case triage.SourceChatwork:
		return a.verifiers.Chatwork.Verify(r.URL.Query().Get(chatwork.SignatureParam), body)
	case triage.SourceSlack:
		return a.verifiers.Slack.Verify(r.Header, body)
	default:
		return errors.New("unsupported source " + string(src))
	}
}

func (a *API) dispatch(ctx context.Context, src triage.Source, body []byte) (reply, error) {
	switch src {
	case triage.SourceChatwork:
		return a.chatworkReply(ctx, body)
	case triage.SourceSlack:
		return a.slackReply(ctx, body)
	default:
		return reply{}, errors.New("unsupported source " + string(src))
	}
}

func (a *API) chatworkReply(ctx context.Context, body []byte) (reply, error) {
	p, err := chatwork.Parse(body)
	if err != nil {
		return reply{}, err
	}
	if !p.IsMention() {
		return reply{result: resultIgnored}, nil
	}

	var o chatwork.Overrides
	if a.chatworkNames != nil {
		rctx, cancel := context.WithTimeout(ctx, a.resolveTimeout)
		name, err := a.chatworkNames.SenderName(rctx, p)
		cancel()
		if err != nil {
			a.logger.Warn(ctx, "chatwork sender lookup failed, using account id", "err", err)
		} else {
			o.SenderName = name
		}
	}
	return reply{event: chatwork.Adapt(p, o), result: resultAccepted}, nil
}

func (a *API) slackReply(ctx context.Context, body []byte) (reply, error) {
	p, err := slack.Parse(body)
	if err != nil {
		return reply{}, err
	}
	if p.IsURLVerification() {
		return reply{body: slack.ChallengeResponse{Challenge: p.Challenge}, result: resultChallenge}, nil
	}
	if !p.Mentions(a.slackUserID) {
		return reply{result: resultIgnored}, nil
	}

	text := slack.StripMention(p.Event.Text, a.slackUserID)
	o := slack.Overrides{Body: &text}
	if a.slackNames != nil {
		rctx, cancel := context.WithTimeout(ctx, a.resolveTimeout)
		name, err := a.slackNames.SenderName(rctx, p.Event.User)
		cancel()
		if err != nil {
			a.logger.Warn(ctx, "slack sender lookup failed, using user id", "err", err)
		} else {
			o.SenderName = name
		}
	}
	return reply{event: slack.Adapt(p, o), result: resultAccepted}, nil
}

func (a *API) finish(ctx context.Context, src triage.Source, result string) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("mentodo.webhook.result", result))
	a.metrics.observe(src, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
