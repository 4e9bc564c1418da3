// Package slack announces newly created tasks on a Slack incoming webhook.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"time"

	slackgo "github.com/slack-go/slack"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/mentodo/internal/triage"
)

const (
	maxBodyLen  = 2900
	httpTimeout = 10 * time.Second
)

// Notifier posts task notices to a Slack webhook. It implements triage.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a notifier. If webhookURL is empty, NotifyTask is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// NotifyTask posts n to the configured webhook.
func (n *Notifier) NotifyTask(ctx context.Context, tn *triage.TaskNotice) error {
	if n.webhookURL == "" || tn == nil || tn.Task == nil {
		return nil
	}

	msg := buildMessage(tn)
	if err := slackgo.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, msg); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	n.logger.Info(ctx, "task notification sent", "task_id", tn.Task.ID)
	return nil
}

func buildMessage(tn *triage.TaskNotice) *slackgo.WebhookMessage {
	return &slackgo.WebhookMessage{
		Text: "New task: " + tn.Task.Title,
		Blocks: &slackgo.Blocks{BlockSet: []slackgo.Block{
			headerBlock(tn),
			fieldsBlock(tn),
			bodyBlock(tn),
			slackgo.NewDividerBlock(),
			contextBlock(tn),
		}},
	}
}

func headerBlock(tn *triage.TaskNotice) slackgo.Block {
	text := fmt.Sprintf("%s New task: %s", sourceEmoji(tn), tn.Task.Title)
	return slackgo.NewHeaderBlock(slackgo.NewTextBlockObject(slackgo.PlainTextType, truncate(text, 150), true, false))
}

func fieldsBlock(tn *triage.TaskNotice) slackgo.Block {
	source, sender := "-", "-"
	if tn.Message != nil {
		source = string(tn.Message.Source)
		sender = tn.Message.SenderName
	}
	fields := []*slackgo.TextBlockObject{
		slackgo.NewTextBlockObject(slackgo.MarkdownType, "*Source:* "+source, false, false),
		slackgo.NewTextBlockObject(slackgo.MarkdownType, "*From:* "+sender, false, false),
		slackgo.NewTextBlockObject(slackgo.MarkdownType, fmt.Sprintf("*Merge suggestions:* %d", tn.Suggestions), false, false),
	}
	return slackgo.NewSectionBlock(nil, fields, nil)
}

func bodyBlock(tn *triage.TaskNotice) slackgo.Block {
	text := "_No message body._"
	if tn.Message != nil && tn.Message.Body != "" {
		text = truncate(tn.Message.Body, maxBodyLen)
	}
	if tn.Message != nil && tn.Message.Permalink != nil {
		text += fmt.Sprintf("\n<%s|Open in %s>", *tn.Message.Permalink, tn.Message.Source)
	}
	return slackgo.NewSectionBlock(slackgo.NewTextBlockObject(slackgo.MarkdownType, text, false, false), nil, nil)
}

func contextBlock(tn *triage.TaskNotice) slackgo.Block {
	text := "mentodo • task " + tn.Task.ID
	if tn.Reason != "" {
		text += " • " + truncate(tn.Reason, 200)
	}
	return slackgo.NewContextBlock("", slackgo.NewTextBlockObject(slackgo.MarkdownType, text, false, false))
}

func sourceEmoji(tn *triage.TaskNotice) string {
	if tn.Message == nil {
		return "\U0001f4dd" // memo
	}
	switch tn.Message.Source {
	case triage.SourceSlack:
		return "\U0001f4ac" // speech balloon
	case triage.SourceChatwork:
		return "\U0001f4e8" // incoming envelope
	default:
		return "\U0001f4dd"
	}
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
