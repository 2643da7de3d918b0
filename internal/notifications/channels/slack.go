package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cpmentor/notification-service/internal/notifications"
)

// SlackConfig holds the configuration for a Slack webhook channel.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// SlackChannel sends notifications via Slack Incoming Webhooks using Block Kit.
type SlackChannel struct {
	name   string
	config SlackConfig
	client *http.Client
}

func NewSlackChannel(name string, config SlackConfig) (*SlackChannel, error) {
	if config.WebhookURL == "" {
		return nil, fmt.Errorf("webhook_url is required for Slack channel")
	}
	return &SlackChannel{
		name:   name,
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *SlackChannel) Send(ctx context.Context, n notifications.Notification) error {
	body, err := json.Marshal(buildSlackPayload(n))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *SlackChannel) Name() string { return c.name }
func (c *SlackChannel) Type() string { return "slack" }

func buildSlackPayload(n notifications.Notification) map[string]interface{} {
	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{
				"type": "plain_text",
				"text": headerText(n.RelatedType),
			},
		},
		{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": n.Content,
			},
		},
	}
	if n.RelatedType == notifications.RelatedContest && n.RelatedID != nil {
		blocks = append(blocks, map[string]interface{}{
			"type": "context",
			"elements": []map[string]interface{}{
				{
					"type": "mrkdwn",
					"text": fmt.Sprintf("<https://codeforces.com/contests/%s|Open contest page>", *n.RelatedID),
				},
			},
		})
	}
	return map[string]interface{}{"blocks": blocks}
}

func headerText(relatedType string) string {
	switch relatedType {
	case notifications.RelatedContest:
		return "\xF0\x9F\x8F\x86 Upcoming contest" // trophy
	case notifications.RelatedTask, notifications.RelatedTasksSummary:
		return "\xF0\x9F\x93\x9D New task" // memo
	default:
		return "\xF0\x9F\x94\x94 Announcement" // bell
	}
}
