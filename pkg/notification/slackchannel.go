package notification

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// SlackChannel delivers rendered notifications to a Slack channel. If
// botToken is empty the channel is a noop that only logs.
type SlackChannel struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackChannel creates a SlackChannel.
func NewSlackChannel(botToken, channel string, logger *slog.Logger) *SlackChannel {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackChannel{client: client, channel: channel, logger: logger}
}

// Name identifies this channel in rule configuration.
func (s *SlackChannel) Name() string { return "slack" }

// Send posts rendered to the configured Slack channel.
func (s *SlackChannel) Send(ctx context.Context, payload map[string]any, rendered string) error {
	if s.client == nil || s.channel == "" {
		s.logger.Debug("slack channel disabled, skipping notification", "payload", payload)
		return nil
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel, goslack.MsgOptionText(rendered, false))
	if err != nil {
		return fmt.Errorf("posting notification to slack: %w", err)
	}
	return nil
}
