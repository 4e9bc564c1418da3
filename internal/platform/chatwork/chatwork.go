// Package chatwork verifies and adapts Chatwork webhook calls.
package chatwork

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/linnemanlabs/mentodo/internal/triage"
)

// SignatureParam is the query parameter carrying the request signature.
const SignatureParam = "chatwork_webhook_signature"

// EventMentionToMe is the only webhook event type that launches triage.
const EventMentionToMe = "mention_to_me"

var (
	ErrMissingSignature = errors.New("chatwork: missing signature")
	ErrBadSignature     = errors.New("chatwork: signature mismatch")
	ErrMalformed        = errors.New("chatwork: malformed json")
)

// Verifier checks the HMAC-SHA256 signature Chatwork attaches to each webhook call.
type Verifier struct {
	key []byte
}

// NewVerifier decodes the base64 webhook token into the HMAC key.
func NewVerifier(token string) (*Verifier, error) {
	key, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("chatwork: decode webhook token: %w", err)
	}
	if len(key) == 0 {
		return nil, errors.New("chatwork: empty webhook token")
	}
	return &Verifier{key: key}, nil
}

// Verify checks signature, the base64 HMAC of body, in constant time.
func (v *Verifier) Verify(signature string, body []byte) error {
	if signature == "" {
		return ErrMissingSignature
	}
	mac := hmac.New(sha256.New, v.key)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if len(signature) != len(expected) {
		return ErrBadSignature
	}
	if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
		return ErrBadSignature
	}
	return nil
}

// ID accepts a JSON number or string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("chatwork: id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Event is the webhook_event object of a Chatwork call.
type Event struct {
	Type          string `json:"type"`
	MessageID     ID     `json:"message_id"`
	RoomID        ID     `json:"room_id"`
	FromAccountID ID     `json:"from_account_id"`
	ToAccountID   ID     `json:"to_account_id"`
	Body          string `json:"body"`
}

// Payload is a decoded Chatwork webhook body.
type Payload struct {
	WebhookSettingID ID     `json:"webhook_setting_id"`
	EventType        string `json:"webhook_event_type"`
	Event            Event  `json:"webhook_event"`

	raw json.RawMessage
}

// Parse decodes body and keeps it as the raw payload. Only a syntax error
// fails; well-formed JSON of another shape yields a payload with no event type.
func Parse(body []byte) (*Payload, error) {
	if !json.Valid(body) {
		return nil, ErrMalformed
	}
	raw := append(json.RawMessage(nil), body...)

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return &Payload{raw: raw}, nil
	}
	p.raw = raw
	return &p, nil
}

// IsMention reports whether the call is a mention of the webhook owner.
func (p *Payload) IsMention() bool {
	return p.EventType == EventMentionToMe
}

// Overrides replaces adapter defaults with values resolved upstream.
type Overrides struct {
	SenderName string
}

var toPrefix = regexp.MustCompile(`\[To:\d+\]\S*\s*`)

// Adapt converts p into an IncomingEvent.
func Adapt(p *Payload, o Overrides) *triage.IncomingEvent {
	ev := p.Event
	permalink := "https://www.chatwork.com/#!rid" + string(ev.RoomID) + "-" + string(ev.MessageID)

	sender := string(ev.FromAccountID)
	if o.SenderName != "" {
		sender = o.SenderName
	}

	return &triage.IncomingEvent{
		Source:     triage.SourceChatwork,
		ExternalID: string(ev.MessageID),
		SenderName: sender,
		Body:       strings.TrimSpace(toPrefix.ReplaceAllString(ev.Body, "")),
		Permalink:  &permalink,
		RawPayload: p.raw,
	}
}

// accountID parses a numeric account id; zero when it is not numeric.
func accountID(id ID) int64 {
	n, _ := strconv.ParseInt(string(id), 10, 64)
	return n
}
