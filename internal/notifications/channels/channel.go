// Package channels forwards broadcast notifications, such as upcoming
// contest announcements, to community chat channels.
package channels

import (
	"context"

	"github.com/cpmentor/notification-service/internal/notifications"
)

// Channel delivers a notification to an external destination.
type Channel interface {
	Send(ctx context.Context, n notifications.Notification) error

	// Name returns the human-readable name of this channel instance.
	Name() string

	// Type returns the channel type identifier (e.g. "slack", "webhook").
	Type() string
}
