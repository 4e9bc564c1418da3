package slack

import (
	"context"
	"fmt"
	"net/http"
	"time"

	slackgo "github.com/slack-go/slack"
)

// UserResolver looks up display names with users.info.
type UserResolver struct {
	api *slackgo.Client
}

// NewUserResolver creates a resolver for botToken. An empty apiURL uses the public Slack API.
func NewUserResolver(botToken, apiURL string) *UserResolver {
	opts := []slackgo.Option{
		slackgo.OptionHTTPClient(&http.Client{Timeout: 5 * time.Second}),
	}
	if apiURL != "" {
		opts = append(opts, slackgo.OptionAPIURL(apiURL))
	}
	return &UserResolver{api: slackgo.New(botToken, opts...)}
}

// SenderName returns the display name of userID, then the real name, then userID itself.
func (r *UserResolver) SenderName(ctx context.Context, userID string) (string, error) {
	u, err := r.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("slack: users.info %s: %w", userID, err)
	}
	switch {
	case u.Profile.DisplayName != "":
		return u.Profile.DisplayName, nil
	case u.Profile.RealName != "":
		return u.Profile.RealName, nil
	default:
		return userID, nil
	}
}
