// Package slack verifies and adapts Slack Events API calls.
package slack

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	slackgo "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/linnemanlabs/mentodo/internal/triage"
)

// Verifier checks the v0 request signature and the five minute replay window.
type Verifier struct {
	secret string
}

// NewVerifier creates a verifier for the app's signing secret.
func NewVerifier(signingSecret string) *Verifier {
	return &Verifier{secret: signingSecret}
}

// Verify checks the X-Slack-Signature and X-Slack-Request-Timestamp headers against body.
func (v *Verifier) Verify(header http.Header, body []byte) error {
	sv, err := slackgo.NewSecretsVerifier(header, v.secret)
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	if _, err := sv.Write(body); err != nil {
		return fmt.Errorf("slack: hash body: %w", err)
	}
	if err := sv.Ensure(); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

// MessageEvent is the inner event of an event_callback.
type MessageEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	User    string `json:"user"`
	Text    string `json:"text"`
	Channel string `json:"channel"`
	TS      string `json:"ts"`
	BotID   string `json:"bot_id,omitempty"`
}

// Payload is a decoded Events API body.
type Payload struct {
	Type      string        `json:"type"`
	Challenge string        `json:"challenge,omitempty"`
	TeamID    string        `json:"team_id,omitempty"`
	EventID   string        `json:"event_id,omitempty"`
	Event     *MessageEvent `json:"event,omitempty"`

	raw json.RawMessage
}

// ErrMalformed is returned by Parse when body is not valid JSON.
var ErrMalformed = errors.New("slack: malformed json")

// Parse decodes body and keeps it as the raw payload. Only a syntax error
// fails. Events whose fields carry other types, such as user_change with an
// object user, decode to a payload with no type and are never acted on.
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

// IsURLVerification reports whether the call is the endpoint handshake.
func (p *Payload) IsURLVerification() bool {
	return p.Type == string(slackevents.URLVerification)
}

const botMessage = "bot_message"

// MentionToken is the text Slack inserts when userID is mentioned.
func MentionToken(userID string) string {
	return "<@" + userID + ">"
}

// Mentions reports whether the call is a human message mentioning userID.
func (p *Payload) Mentions(userID string) bool {
	if p.Type != string(slackevents.CallbackEvent) || p.Event == nil {
		return false
	}
	ev := p.Event
	return ev.Type == string(slackevents.Message) &&
		ev.Subtype != botMessage &&
		strings.Contains(ev.Text, MentionToken(userID))
}

// StripMention removes every mention of userID from text and trims the result.
func StripMention(text, userID string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, MentionToken(userID), ""))
}

// Overrides replaces adapter defaults with values resolved upstream.
type Overrides struct {
	SenderName string
	Body       *string
}

// Adapt converts p into an IncomingEvent. p must carry an event.
func Adapt(p *Payload, o Overrides) *triage.IncomingEvent {
	ev := p.Event
	if ev == nil {
		ev = &MessageEvent{}
	}
	permalink := "https://slack.com/archives/" + ev.Channel + "/p" + strings.Replace(ev.TS, ".", "", 1)

	sender := ev.User
	if o.SenderName != "" {
		sender = o.SenderName
	}
	body := ev.Text
	if o.Body != nil {
		body = *o.Body
	}

	return &triage.IncomingEvent{
		Source:     triage.SourceSlack,
		ExternalID: ev.Channel + "-" + ev.TS,
		SenderName: sender,
		Body:       body,
		Permalink:  &permalink,
		RawPayload: p.raw,
	}
}

// ChallengeResponse is the reply to a url_verification call.
type ChallengeResponse struct {
	Challenge string `json:"challenge"`
}
