package chatwork

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultAPIURL is the Chatwork REST API root.
const DefaultAPIURL = "https://api.chatwork.com/v2"

// Member is one entry of GET /rooms/{room_id}/members.
type Member struct {
	AccountID int64  `json:"account_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
}

// MemberResolver looks up sender display names through the room member list.
type MemberResolver struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewMemberResolver creates a resolver. An empty baseURL uses DefaultAPIURL.
func NewMemberResolver(token, baseURL string) *MemberResolver {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &MemberResolver{
		token:   token,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// SenderName returns the display name of the payload's sender.
func (r *MemberResolver) SenderName(ctx context.Context, p *Payload) (string, error) {
	members, err := r.Members(ctx, string(p.Event.RoomID))
	if err != nil {
		return "", err
	}
	want := accountID(p.Event.FromAccountID)
	for _, m := range members {
		if m.AccountID == want && m.Name != "" {
			return m.Name, nil
		}
	}
	return "", fmt.Errorf("chatwork: account %s not in room %s", p.Event.FromAccountID, p.Event.RoomID)
}

// Members lists the members of roomID.
func (r *MemberResolver) Members(ctx context.Context, roomID string) ([]Member, error) {
	u := r.baseURL + "/rooms/" + url.PathEscape(roomID) + "/members"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("chatwork: create request: %w", err)
	}
	req.Header.Set("X-ChatWorkToken", r.token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req) //nolint:gosec // baseURL is from trusted config
	if err != nil {
		return nil, fmt.Errorf("chatwork: list members: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("chatwork: list members returned %d: %s", resp.StatusCode, string(body))
	}

	var members []Member
	if err := json.NewDecoder(resp.Body).Decode(&members); err != nil {
		return nil, fmt.Errorf("chatwork: decode members: %w", err)
	}
	return members, nil
}
