package cfg

import (
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Config holds the application settings. It satisfies the common
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	ClaudeAPIKey         string
	ClaudeModel          string
	JudgeTimeoutSeconds  int
	DatabaseURL          string
	RedisURL             string
	DeliveryTTLHours     int
	Workers              int
	StuckSweepSeconds    int
	StuckAfterMinutes    int
	DBLogThresholdMillis int

	SlackSigningSecret string
	SlackUserID        string
	SlackBotToken      string
	SlackWebhookURL    string

	ChatworkWebhookToken string
	ChatworkAPIToken     string

	APIToken       string
	AllowedOrigins string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-haiku-4-5-20251001", "Claude model used by the triage judge")
	fs.IntVar(&c.JudgeTimeoutSeconds, "judge-timeout-seconds", 30, "per-call timeout for the triage judge (1..300)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the delivery cache (empty = disabled)")
	fs.IntVar(&c.DeliveryTTLHours, "delivery-ttl-hours", 24, "how long a delivery is remembered by the cache (1..720)")
	fs.IntVar(&c.Workers, "workers", 8, "concurrent triage pipelines (1..256)")
	fs.IntVar(&c.StuckSweepSeconds, "stuck-sweep-seconds", 300, "interval between stuck message sweeps (0 = disabled)")
	fs.IntVar(&c.StuckAfterMinutes, "stuck-after-minutes", 15, "age after which a processing message is released for manual review")
	fs.IntVar(&c.DBLogThresholdMillis, "db-log-threshold-ms", 0, "log database queries slower than this many milliseconds (0 = log all at debug)")

	fs.StringVar(&c.SlackSigningSecret, "slack-signing-secret", "", "Slack app signing secret")
	fs.StringVar(&c.SlackUserID, "slack-user-id", "", "Slack user id whose mentions are tracked")
	fs.StringVar(&c.SlackBotToken, "slack-bot-token", "", "Slack bot token for sender name lookups (optional)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack incoming webhook URL for new task notifications (optional)")

	fs.StringVar(&c.ChatworkWebhookToken, "chatwork-webhook-token", "", "Chatwork webhook token, base64")
	fs.StringVar(&c.ChatworkAPIToken, "chatwork-api-token", "", "Chatwork API token for sender name lookups (optional)")

	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required by the management API")
	fs.StringVar(&c.AllowedOrigins, "allowed-origins", "", "comma separated origins allowed to call the management API")
}

// Validate checks all configuration fields for correctness.
// It returns every problem found, joined, or nil if the config is valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}
	if c.JudgeTimeoutSeconds <= 0 || c.JudgeTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid JUDGE_TIMEOUT_SECONDS %d (must be 1..300)", c.JudgeTimeoutSeconds))
	}
	if c.DeliveryTTLHours <= 0 || c.DeliveryTTLHours > 720 {
		errs = append(errs, fmt.Errorf("invalid DELIVERY_TTL_HOURS %d (must be 1..720)", c.DeliveryTTLHours))
	}
	if c.Workers <= 0 || c.Workers > 256 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..256)", c.Workers))
	}
	if c.StuckSweepSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid STUCK_SWEEP_SECONDS %d (must be >= 0)", c.StuckSweepSeconds))
	}
	if c.StuckAfterMinutes <= 0 {
		errs = append(errs, fmt.Errorf("invalid STUCK_AFTER_MINUTES %d (must be > 0)", c.StuckAfterMinutes))
	}
	if c.DBLogThresholdMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_LOG_THRESHOLD_MS %d (must be >= 0)", c.DBLogThresholdMillis))
	}

	if c.SlackSigningSecret == "" {
		errs = append(errs, errors.New("SLACK_SIGNING_SECRET is required"))
	}
	if c.SlackUserID == "" {
		errs = append(errs, errors.New("SLACK_USER_ID is required"))
	}

	// Chatwork hands out the webhook token base64 encoded; it is the HMAC key once decoded
	switch {
	case c.ChatworkWebhookToken == "":
		errs = append(errs, errors.New("CHATWORK_WEBHOOK_TOKEN is required"))
	default:
		if _, err := base64.StdEncoding.DecodeString(c.ChatworkWebhookToken); err != nil {
			errs = append(errs, fmt.Errorf("CHATWORK_WEBHOOK_TOKEN is not valid base64: %w", err))
		}
	}

	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Origins splits AllowedOrigins into a list, dropping blanks.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
