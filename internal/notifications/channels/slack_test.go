package channels

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/cpmentor/notification-service/internal/notifications"
)

func TestSlackChannel_Send(t *testing.T) {
	server, reqs := captureServer(t, http.StatusOK)

	ch, err := NewSlackChannel("test-slack", SlackConfig{WebhookURL: server.URL})
	if err != nil {
		t.Fatalf("NewSlackChannel failed: %v", err)
	}

	if err := ch.Send(context.Background(), contestNotification()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := <-reqs
	if got.header.Get("Content-Type") != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", got.header.Get("Content-Type"))
	}
	blocks, ok := got.body["blocks"].([]interface{})
	if !ok || len(blocks) != 3 {
		t.Fatalf("expected 3 blocks in Slack payload, got %v", got.body["blocks"])
	}

	section := blocks[1].(map[string]interface{})["text"].(map[string]interface{})
	if section["text"] != contestNotification().Content {
		t.Errorf("unexpected section text %v", section["text"])
	}
}

func TestSlackChannel_ServerError(t *testing.T) {
	server, _ := captureServer(t, http.StatusInternalServerError)

	ch, _ := NewSlackChannel("test-slack", SlackConfig{WebhookURL: server.URL})
	if err := ch.Send(context.Background(), contestNotification()); err == nil {
		t.Error("expected error for server error response")
	}
}

func TestSlackChannel_NameAndType(t *testing.T) {
	ch, _ := NewSlackChannel("my-slack", SlackConfig{WebhookURL: "https://hooks.slack.com/test"})
	if ch.Name() != "my-slack" {
		t.Errorf("expected name 'my-slack', got %q", ch.Name())
	}
	if ch.Type() != "slack" {
		t.Errorf("expected type 'slack', got %q", ch.Type())
	}
}

func TestNewSlackChannel_Validation(t *testing.T) {
	if _, err := NewSlackChannel("test", SlackConfig{}); err == nil {
		t.Error("expected error for missing webhook URL")
	}
}

func TestBuildSlackPayload_Headers(t *testing.T) {
	tests := []struct {
		relatedType string
		header      string
		blocks      int
	}{
		{notifications.RelatedContest, "Upcoming contest", 3},
		{notifications.RelatedTask, "New task", 2},
		{"other", "Announcement", 2},
	}

	for _, tt := range tests {
		n := contestNotification()
		n.RelatedType = tt.relatedType
		payload := buildSlackPayload(n)

		blocks := payload["blocks"].([]map[string]interface{})
		if len(blocks) != tt.blocks {
			t.Errorf("%s: expected %d blocks, got %d", tt.relatedType, tt.blocks, len(blocks))
		}
		text := blocks[0]["text"].(map[string]interface{})["text"].(string)
		if !strings.HasSuffix(text, tt.header) {
			t.Errorf("%s: expected header ending in %q, got %q", tt.relatedType, tt.header, text)
		}
	}
}
