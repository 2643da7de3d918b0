package notifications

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SystemUserID marks a broadcast notification visible to every user.
const SystemUserID = "system"

// Values of Notification.RelatedType.
const (
	RelatedTask         = "task"
	RelatedTasksSummary = "tasks_summary"
	RelatedContest      = "contest"
)

// ErrNotFound is returned when a row does not exist or is not visible to the
// caller.
var ErrNotFound = errors.New("notifications: not found")

// Notification is a stored in-app message. Rows are never updated apart
// from IsRead.
type Notification struct {
	ID          int64     `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"user_id"`
	Content     string    `db:"content" json:"content"`
	RelatedType string    `db:"related_type" json:"related_type"`
	RelatedID   *string   `db:"related_id" json:"related_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	IsRead      bool      `db:"is_read" json:"is_read"`
}

// IsBroadcast reports whether n is addressed to all users.
func (n Notification) IsBroadcast() bool { return n.UserID == SystemUserID }

// NotificationListParams holds filters and pagination for listing notifications.
type NotificationListParams struct {
	UserID      string
	RelatedType string
	Unread      *bool // nil = all, true = unread only, false = read only
	Limit       int
	Offset      int
}

const notificationColumns = `id, user_id, content, related_type, related_id, created_at, is_read`

// NotificationStore reads and writes the notifications table. It works on a
// database handle or on a transaction.
type NotificationStore struct {
	q sqlx.ExtContext
}

func NewNotificationStore(q sqlx.ExtContext) *NotificationStore {
	return &NotificationStore{q: q}
}

// With returns a store bound to q, typically a transaction.
func (s *NotificationStore) With(q sqlx.ExtContext) *NotificationStore {
	return &NotificationStore{q: q}
}

// Insert stores n and fills in its ID. CreatedAt defaults to now.
func (s *NotificationStore) Insert(ctx context.Context, n *Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	query := s.q.Rebind(`INSERT INTO notifications (user_id, content, related_type, related_id, created_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)
	if err := s.q.QueryRowxContext(ctx, query,
		n.UserID, n.Content, n.RelatedType, n.RelatedID, n.CreatedAt, n.IsRead,
	).Scan(&n.ID); err != nil {
		return fmt.Errorf("insert notification for %s: %w", n.UserID, err)
	}
	return nil
}

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	}
	return limit
}

// List returns the user's notifications together with broadcast ones,
// newest first, and the total number of matching rows.
func (s *NotificationStore) List(ctx context.Context, params NotificationListParams) ([]Notification, int, error) {
	params.Limit = clampLimit(params.Limit)
	if params.Offset < 0 {
		params.Offset = 0
	}

	where := ` WHERE (user_id = ? OR user_id = ?)`
	args := []interface{}{params.UserID, SystemUserID}
	if params.RelatedType != "" {
		where += ` AND related_type = ?`
		args = append(args, params.RelatedType)
	}
	if params.Unread != nil {
		where += ` AND is_read = ?`
		args = append(args, !*params.Unread)
	}

	var total int
	if err := sqlx.GetContext(ctx, s.q, &total, s.q.Rebind(`SELECT COUNT(*) FROM notifications`+where), args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, params.Limit, params.Offset)

	notifications := []Notification{}
	if err := sqlx.SelectContext(ctx, s.q, &notifications, s.q.Rebind(query), args...); err != nil {
		return nil, 0, err
	}
	return notifications, total, nil
}

// ListByRelated returns notifications pointing at one related entity.
func (s *NotificationStore) ListByRelated(ctx context.Context, relatedType, relatedID string) ([]Notification, error) {
	notifications := []Notification{}
	err := sqlx.SelectContext(ctx, s.q, &notifications, s.q.Rebind(
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE related_type = ? AND related_id = ? ORDER BY id`), relatedType, relatedID)
	return notifications, err
}

// ListForUser returns every notification addressed to userID exactly,
// oldest first. Broadcast rows are not included.
func (s *NotificationStore) ListForUser(ctx context.Context, userID string) ([]Notification, error) {
	notifications := []Notification{}
	err := sqlx.SelectContext(ctx, s.q, &notifications, s.q.Rebind(
		`SELECT `+notificationColumns+` FROM notifications WHERE user_id = ? ORDER BY id`), userID)
	return notifications, err
}

// MarkRead marks one of the user's own notifications as read. Broadcast rows
// and other users' rows yield ErrNotFound.
func (s *NotificationStore) MarkRead(ctx context.Context, userID string, id int64) (*Notification, error) {
	var n Notification
	err := sqlx.GetContext(ctx, s.q, &n, s.q.Rebind(
		`UPDATE notifications SET is_read = ? WHERE id = ? AND user_id = ? RETURNING `+notificationColumns),
		true, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkAllRead marks all unread notifications of the user as read and returns
// how many changed.
func (s *NotificationStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, s.q.Rebind(
		`UPDATE notifications SET is_read = ? WHERE user_id = ? AND is_read = ?`), true, userID, false)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnreadCount returns the number of the user's own unread notifications.
func (s *NotificationStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, s.q, &count, s.q.Rebind(
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = ?`), userID, false)
	return count, err
}
