// Package notify sends best-effort Slack alerts when a job fails in a way
// that needs a human, rather than a resume.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Notifier posts job-failure alerts to a single Slack channel.
type Notifier struct {
	client  *slack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken or channel is empty, the notifier is
// a no-op: job failures are still logged, just never posted to Slack.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *slack.Client
	if botToken != "" {
		client = slack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a real Slack client to post with.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// NotifyContactSupport posts an alert for a job that failed with an
// unrecoverable error. Publishing never blocks or fails the caller: any
// error is logged and swallowed.
func (n *Notifier) NotifyContactSupport(ctx context.Context, jobID, userID, errorCode, message string) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping failure alert", "job_id", jobID, "error_code", errorCode)
		return
	}

	text := fmt.Sprintf(":rotating_light: Job `%s` (user `%s`) failed with `%s`: %s", jobID, userID, errorCode, message)
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Warn("posting job failure alert to slack", "job_id", jobID, "error", err)
		return
	}
	n.logger.Info("posted job failure alert to slack", "job_id", jobID, "error_code", errorCode)
}
