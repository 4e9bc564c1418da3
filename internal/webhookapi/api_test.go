package webhookapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/mentodo/internal/platform/chatwork"
	"github.com/linnemanlabs/mentodo/internal/platform/slack"
	"github.com/linnemanlabs/mentodo/internal/triage"
)

const (
	slackSecret = "slack-signing-secret"
	slackUser   = "U999"
)

var chatworkKey = []byte("chatwork-webhook-key")

type recordingIngestor struct {
	mu     sync.Mutex
	events []*triage.IncomingEvent
}

func (r *recordingIngestor) Process(_ context.Context, ev *triage.IncomingEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingIngestor) got() []*triage.IncomingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*triage.IncomingEvent(nil), r.events...)
}

type stubChatworkNames struct {
	name string
	err  error
}

func (s stubChatworkNames) SenderName(context.Context, *chatwork.Payload) (string, error) {
	return s.name, s.err
}

type stubSlackNames struct {
	name   string
	err    error
	block  bool
	called string
}

func (s *stubSlackNames) SenderName(ctx context.Context, userID string) (string, error) {
	s.called = userID
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.name, s.err
}

func newTestAPI(t *testing.T, ing Ingestor, opts ...Option) http.Handler {
	t.Helper()
	cw, err := chatwork.NewVerifier(base64.StdEncoding.EncodeToString(chatworkKey))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	api := New(log.Nop(), ing, Verifiers{Chatwork: cw, Slack: slack.NewVerifier(slackSecret)}, slackUser, opts...)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r
}

func chatworkRequest(body string) *http.Request {
	mac := hmac.New(sha256.New, chatworkKey)
	mac.Write([]byte(body))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	target := "/webhooks/chatwork?" + chatwork.SignatureParam + "=" + url.QueryEscape(sig)
	return httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
}

func slackRequest(body string, ts time.Time) *http.Request {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(slackSecret))
	mac.Write([]byte("v0:" + stamp + ":" + body))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/slack", strings.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", stamp)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

const chatworkMention = `{
	"webhook_setting_id": "12345",
	"webhook_event_type": "mention_to_me",
	"webhook_event_time": 1700000000,
	"webhook_event": {
		"from_account_id": 111,
		"to_account_id": 222,
		"room_id": 333,
		"message_id": "789",
		"body": "[To:222]Taro-san\nplease send the deck",
		"send_time": 1700000000
	}
}`

const slackMention = `{
	"type": "event_callback",
	"event": {
		"type": "message",
		"user": "U123",
		"text": "<@U999> please review the PR",
		"channel": "C456",
		"ts": "1700000000.123456"
	}
}`

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestChatwork_Accepted(t *testing.T) {
	t.Parallel()

	ing := &recordingIngestor{}
	h := newTestAPI(t, ing, WithChatworkNames(stubChatworkNames{name: "Hanako"}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, chatworkRequest(chatworkMention))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if ok, _ := decode(t, rec)["ok"].(bool); !ok {
		t.Error("expected ok=true")
	}

	got := ing.got()
	if len(got) != 1 {
		t.Fatalf("processed %d events, want 1", len(got))
	}
	ev := got[0]
	if ev.Source != triage.SourceChatwork || ev.ExternalID != "789" {
		t.Errorf("event = %s/%s", ev.Source, ev.ExternalID)
	}
	if ev.SenderName != "Hanako" {
		t.Errorf("SenderName = %q, want Hanako", ev.SenderName)
	}
	if ev.Body != "please send the deck" {
		t.Errorf("Body = %q", ev.Body)
	}
}

func TestChatwork_NameLookupFailureFallsBack(t *testing.T) {
	t.Parallel()

	ing := &recordingIngestor{}
	h := newTestAPI(t, ing, WithChatworkNames(stubChatworkNames{err: errors.New("api down")}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, chatworkRequest(chatworkMention))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := ing.got()
	if len(got) != 1 || got[0].SenderName != "111" {
		t.Fatalf("events = %+v, want sender 111", got)
	}
}

func TestChatwork_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  func() *http.Request
		want int
	}{
		{
			name: "missing signature",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhooks/chatwork", strings.NewReader(chatworkMention))
			},
			want: http.StatusUnauthorized,
		},
		{
			name: "body tampered after signing",
			req: func() *http.Request {
				r := chatworkRequest(chatworkMention)
				r.Body = http.NoBody
				return r
			},
			want: http.StatusUnauthorized,
		},
		{
			name: "signed invalid json",
			req:  func() *http.Request { return chatworkRequest("{not json") },
			want: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ing := &recordingIngestor{}
			rec := httptest.NewRecorder()
			newTestAPI(t, ing).ServeHTTP(rec, tt.req())

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if msg, _ := decode(t, rec)["error"].(string); msg == "" {
				t.Error("expected error body")
			}
			if n := len(ing.got()); n != 0 {
				t.Errorf("processed %d events, want 0", n)
			}
		})
	}
}

func TestChatwork_NonMentionIgnored(t *testing.T) {
	t.Parallel()

	ing := &recordingIngestor{}
	body := strings.Replace(chatworkMention, "mention_to_me", "message_created", 1)

	rec := httptest.NewRecorder()
	newTestAPI(t, ing).ServeHTTP(rec, chatworkRequest(body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if n := len(ing.got()); n != 0 {
		t.Errorf("processed %d events, want 0", n)
	}
}

func TestSlack_URLVerification(t *testing.T) {
	t.Parallel()

	ing := &recordingIngestor{}
	body := `{"type":"url_verification","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`

	rec := httptest.NewRecorder()
	newTestAPI(t, ing).ServeHTTP(rec, slackRequest(body, time.Now()))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decode(t, rec)["challenge"]; got != "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P" {
		t.Errorf("challenge = %v", got)
	}
	if n := len(ing.got()); n != 0 {
		t.Errorf("processed %d events, want 0", n)
	}
}

func TestSlack_Accepted(t *testing.T) {
	t.Parallel()

	ing := &recordingIngestor{}
	names := &stubSlackNames{name: "Bobby"}
	h := newTestAPI(t, ing, WithSlackNames(names))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, slackRequest(slackMention, time.Now()))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	got := ing.got()
	if len(got) != 1 {
		t.Fatalf("processed %d events, want 1", len(got))
	}
	ev := got[0]
	if ev.ExternalID != "C456-1700000000.123456" {
		t.Errorf("ExternalID = %q", ev.ExternalID)
	}
	if ev.Body != "please review the PR" {
		t.Errorf("Body = %q, want mention stripped", ev.Body)
	}
	if ev.SenderName != "Bobby" || names.called != "U123" {
		t.Errorf("SenderName = %q (looked up %q)", ev.SenderName, names.called)
	}
}

func TestSlack_NameLookupTimeoutFallsBack(t *testing.T) {
	t.Parallel()

	ing := &recordingIngestor{}
	h := newTestAPI(t, ing, WithSlackNames(&stubSlackNames{block: true}), WithResolveTimeout(20*time.Millisecond))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, slackRequest(slackMention, time.Now()))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := ing.got()
	if len(got) != 1 || got[0].SenderName != "U123" {
		t.Fatalf("events = %+v, want sender U123", got)
	}
}

func TestSlack_Ignored(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"not mentioned", strings.Replace(slackMention, "<@U999>", "<@U000>", 1)},
		{"bot message", strings.Replace(slackMention, `"type": "message",`, `"type": "message", "subtype": "bot_message",`, 1)},
		{"other event type", strings.Replace(slackMention, `"type": "message"`, `"type": "reaction_added"`, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ing := &recordingIngestor{}
			rec := httptest.NewRecorder()
			newTestAPI(t, ing).ServeHTTP(rec, slackRequest(tt.body, time.Now()))

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
			if n := len(ing.got()); n != 0 {
				t.Errorf("processed %d events, want 0", n)
			}
		})
	}
}

func TestWellFormedOtherShapesAcked(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  func() *http.Request
	}{
		{"slack user_change", func() *http.Request {
			return slackRequest(`{"type":"event_callback","event":{"type":"user_change","user":{"id":"U1","name":"bob"}}}`, time.Now())
		}},
		{"slack team_join", func() *http.Request {
			return slackRequest(`{"type":"event_callback","event":{"type":"team_join","user":{"id":"U2"}}}`, time.Now())
		}},
		{"slack channel_created", func() *http.Request {
			return slackRequest(`{"type":"event_callback","event":{"type":"channel_created","channel":{"id":"C1","name":"general"}}}`, time.Now())
		}},
		{"slack array body", func() *http.Request {
			return slackRequest(`[{"type":"event_callback"}]`, time.Now())
		}},
		{"chatwork non-mention string time", func() *http.Request {
			return chatworkRequest(`{"webhook_event_type":"message_created","webhook_event_time":"1700000000","webhook_event":{"message_id":"1","send_time":"1700000000"}}`)
		}},
		{"chatwork array body", func() *http.Request {
			return chatworkRequest(`[]`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ing := &recordingIngestor{}
			rec := httptest.NewRecorder()
			newTestAPI(t, ing).ServeHTTP(rec, tt.req())

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
			}
			if ok, _ := decode(t, rec)["ok"].(bool); !ok {
				t.Error("expected ok=true")
			}
			if n := len(ing.got()); n != 0 {
				t.Errorf("processed %d events, want 0", n)
			}
		})
	}
}

func TestSlack_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"stale timestamp", slackRequest(slackMention, time.Now().Add(-10*time.Minute)), http.StatusUnauthorized},
		{"unsigned", httptest.NewRequest(http.MethodPost, "/webhooks/slack", strings.NewReader(slackMention)), http.StatusUnauthorized},
		{"signed invalid json", slackRequest("[", time.Now()), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ing := &recordingIngestor{}
			rec := httptest.NewRecorder()
			newTestAPI(t, ing).ServeHTTP(rec, tt.req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if n := len(ing.got()); n != 0 {
				t.Errorf("processed %d events, want 0", n)
			}
		})
	}
}

func TestPayloadTooLarge(t *testing.T) {
	t.Parallel()

	body := `{"pad":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	rec := httptest.NewRecorder()
	newTestAPI(t, &recordingIngestor{}).ServeHTTP(rec, chatworkRequest(body))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	h := newTestAPI(t, &recordingIngestor{}, WithMetrics(m))

	h.ServeHTTP(httptest.NewRecorder(), chatworkRequest(chatworkMention))
	h.ServeHTTP(httptest.NewRecorder(), slackRequest(slackMention, time.Now().Add(-time.Hour)))

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("chatwork", resultAccepted)); got != 1 {
		t.Errorf("chatwork accepted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Requests.WithLabelValues("slack", resultUnauthorized)); got != 1 {
		t.Errorf("slack unauthorized = %v, want 1", got)
	}
}

func TestNew_Panics(t *testing.T) {
	t.Parallel()

	cw, err := chatwork.NewVerifier(base64.StdEncoding.EncodeToString(chatworkKey))
	if err != nil {
		t.Fatal(err)
	}
	v := Verifiers{Chatwork: cw, Slack: slack.NewVerifier(slackSecret)}

	tests := []struct {
		name string
		fn   func()
	}{
		{"nil ingestor", func() { New(log.Nop(), nil, v, slackUser) }},
		{"missing verifier", func() { New(log.Nop(), &recordingIngestor{}, Verifiers{Chatwork: cw}, slackUser) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.fn()
		})
	}
}
