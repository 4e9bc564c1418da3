package chatwork

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/linnemanlabs/mentodo/internal/triage"
)

var testToken = base64.StdEncoding.EncodeToString([]byte("chatwork-webhook-secret"))

func sign(t *testing.T, body []byte) string {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(testToken)
	if err != nil {
		t.Fatal(err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

const basePayload = `{
	"webhook_setting_id": "12345",
	"webhook_event_type": "mention_to_me",
	"webhook_event_time": 1700000000,
	"webhook_event": {
		"type": "mention_to_me",
		"message_id": "987654321",
		"room_id": 111222,
		"from_account_id": 11122288,
		"to_account_id": 99887766,
		"body": "[To:99887766] 資料送ってください",
		"send_time": 1700000000
	}
}`

func TestVerify(t *testing.T) {
	t.Parallel()

	v, err := NewVerifier(testToken)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	body := []byte(basePayload)
	good := sign(t, body)
	flipped := "A" + good[1:]
	if good[0] == 'A' {
		flipped = "B" + good[1:]
	}

	tests := []struct {
		name    string
		sig     string
		body    []byte
		wantErr error
	}{
		{"valid", good, body, nil},
		{"missing", "", body, ErrMissingSignature},
		{"tampered body", good, []byte(basePayload + " "), ErrBadSignature},
		{"short signature", good[:10], body, ErrBadSignature},
		{"same length wrong bytes", flipped, body, ErrBadSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := v.Verify(tt.sig, tt.body)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewVerifier_RejectsBadToken(t *testing.T) {
	t.Parallel()

	for _, tok := range []string{"", "not base64!!"} {
		if _, err := NewVerifier(tok); err == nil {
			t.Errorf("NewVerifier(%q): expected error", tok)
		}
	}
}

func TestAdapt(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(basePayload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.IsMention() {
		t.Error("IsMention = false")
	}

	ev := Adapt(p, Overrides{})

	if ev.Source != triage.SourceChatwork {
		t.Errorf("Source = %q", ev.Source)
	}
	if ev.ExternalID != "987654321" {
		t.Errorf("ExternalID = %q", ev.ExternalID)
	}
	if ev.Permalink == nil || *ev.Permalink != "https://www.chatwork.com/#!rid111222-987654321" {
		t.Errorf("Permalink = %v", ev.Permalink)
	}
	if ev.SenderName != "11122288" {
		t.Errorf("SenderName = %q", ev.SenderName)
	}
	if ev.Body != "資料送ってください" {
		t.Errorf("Body = %q", ev.Body)
	}

	var raw map[string]any
	if err := json.Unmarshal(ev.RawPayload, &raw); err != nil {
		t.Fatalf("raw payload: %v", err)
	}
	if raw["webhook_event_type"] != "mention_to_me" {
		t.Error("raw payload not retained")
	}
}

func TestAdapt_Overrides(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(basePayload))
	if err != nil {
		t.Fatal(err)
	}
	ev := Adapt(p, Overrides{SenderName: "Tanaka"})
	if ev.SenderName != "Tanaka" {
		t.Errorf("SenderName = %q, want override", ev.SenderName)
	}
	if len(ev.RawPayload) == 0 {
		t.Error("raw payload dropped when overriding")
	}
}

func TestAdapt_Body(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain prefix", "[To:1] hello", "hello"},
		{"prefix with name token", "[To:123]Tanakaさん\nplease review", "please review"},
		{"no prefix", "  just text  ", "just text"},
		{"several recipients", "[To:1] [To:2]Sato please", "please"},
		{"only mention", "[To:42]", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := Adapt(&Payload{Event: Event{MessageID: "1", RoomID: "2", Body: tt.in}}, Overrides{})
			if ev.Body != tt.want {
				t.Errorf("Body = %q, want %q", ev.Body, tt.want)
			}
		})
	}
}

func TestParse_NumericAndStringIDs(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(`{"webhook_event_type":"mention_to_me","webhook_event":{"message_id":1234567890123,"room_id":"55"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Event.MessageID != "1234567890123" {
		t.Errorf("MessageID = %q", p.Event.MessageID)
	}
	if p.Event.RoomID != "55" {
		t.Errorf("RoomID = %q", p.Event.RoomID)
	}

	if _, err := Parse([]byte(`{not json`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestParse_OtherShapesAreNotMentions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"boolean id", `{"webhook_event_type":"mention_to_me","webhook_event":{"message_id":true}}`},
		{"object event type", `{"webhook_event_type":{"kind":"mention_to_me"}}`},
		{"top level array", `[1,2,3]`},
		{"bare string", `"hello"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := Parse([]byte(tt.body))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if p.IsMention() {
				t.Error("IsMention = true")
			}
			if string(p.raw) != tt.body {
				t.Errorf("raw = %s", p.raw)
			}
		})
	}
}

func TestMemberResolver(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rooms/111222/members" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("X-ChatWorkToken") != "api-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[{"account_id":1,"name":"Other"},{"account_id":11122288,"name":"Tanaka","role":"member"}]`))
	}))
	defer srv.Close()

	p, err := Parse([]byte(basePayload))
	if err != nil {
		t.Fatal(err)
	}

	name, err := NewMemberResolver("api-token", srv.URL).SenderName(context.Background(), p)
	if err != nil {
		t.Fatalf("SenderName: %v", err)
	}
	if name != "Tanaka" {
		t.Errorf("name = %q, want Tanaka", name)
	}

	if _, err := NewMemberResolver("wrong", srv.URL).SenderName(context.Background(), p); err == nil {
		t.Error("expected error on 401")
	}

	p.Event.FromAccountID = "999"
	if _, err := NewMemberResolver("api-token", srv.URL).SenderName(context.Background(), p); err == nil {
		t.Error("expected error for unknown account")
	}
}
