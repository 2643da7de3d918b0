package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/cpmentor/notification-service/internal/notifications"
)

// WebhookConfig holds the configuration for a generic webhook channel.
type WebhookConfig struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`           // POST or PUT (default POST)
	Headers         map[string]string `json:"headers"`          // custom headers
	PayloadTemplate string            `json:"payload_template"` // Go template for JSON body
}

// WebhookChannel posts notifications to an HTTP endpoint, either as the
// default JSON body or rendered through a payload template.
type WebhookChannel struct {
	name   string
	config WebhookConfig
	client *http.Client
	tmpl   *template.Template
}

func NewWebhookChannel(name string, config WebhookConfig) (*WebhookChannel, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("url is required for webhook channel")
	}
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	config.Method = strings.ToUpper(config.Method)

	ch := &WebhookChannel{
		name:   name,
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	if config.PayloadTemplate != "" {
		tmpl, err := template.New("webhook").Parse(config.PayloadTemplate)
		if err != nil {
			return nil, fmt.Errorf("invalid payload template: %w", err)
		}
		ch.tmpl = tmpl
	}

	return ch, nil
}

func (c *WebhookChannel) Send(ctx context.Context, n notifications.Notification) error {
	var body []byte
	var err error

	if c.tmpl != nil {
		var buf bytes.Buffer
		if err := c.tmpl.Execute(&buf, n); err != nil {
			return fmt.Errorf("execute payload template: %w", err)
		}
		body = buf.Bytes()
	} else {
		body, err = json.Marshal(defaultWebhookPayload(n))
		if err != nil {
			return fmt.Errorf("marshal default payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, c.config.Method, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *WebhookChannel) Name() string { return c.name }
func (c *WebhookChannel) Type() string { return "webhook" }

func defaultWebhookPayload(n notifications.Notification) map[string]interface{} {
	payload := map[string]interface{}{
		"id":           n.ID,
		"related_type": n.RelatedType,
		"content":      n.Content,
		"created_at":   n.CreatedAt.UTC().Format(time.RFC3339),
	}
	if n.RelatedID != nil {
		payload["related_id"] = *n.RelatedID
	}
	return payload
}
