package notifications

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Contest is an upcoming programming contest known to the service.
type Contest struct {
	ID               int64     `db:"id" json:"id"`
	ContestID        int64     `db:"contest_id" json:"contest_id"`
	Name             string    `db:"name" json:"name"`
	StartTime        time.Time `db:"start_time" json:"start_time"`
	DurationSeconds  int64     `db:"duration_seconds" json:"duration_seconds"`
	WebsiteURL       *string   `db:"website_url" json:"website_url"`
	NotificationSent bool      `db:"notification_sent" json:"notification_sent"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// ContestRecord holds the mutable contest fields carried by an announcement.
type ContestRecord struct {
	ContestID       int64
	Name            string
	StartTime       time.Time
	DurationSeconds int64
	WebsiteURL      *string
}

// RecordFromPayload converts a decoded contest payload.
func RecordFromPayload(p ContestPayload) ContestRecord {
	rec := ContestRecord{
		ContestID:       int64(p.ID),
		Name:            p.Name,
		StartTime:       p.StartTime.UTC(),
		DurationSeconds: int64(p.DurationSeconds),
	}
	if p.WebsiteURL != "" {
		url := p.WebsiteURL
		rec.WebsiteURL = &url
	}
	return rec
}

const contestColumns = `id, contest_id, name, start_time, duration_seconds, website_url, notification_sent, created_at, updated_at`

// ContestStore reads and writes the contests table.
type ContestStore struct {
	q sqlx.ExtContext
}

func NewContestStore(q sqlx.ExtContext) *ContestStore {
	return &ContestStore{q: q}
}

// With returns a store bound to q, typically a transaction.
func (s *ContestStore) With(q sqlx.ExtContext) *ContestStore {
	return &ContestStore{q: q}
}

// InsertIfAbsent inserts rec unless a row with the same contest_id exists.
// It reports whether this call created the row.
func (s *ContestStore) InsertIfAbsent(ctx context.Context, rec ContestRecord) (bool, error) {
	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx, s.q.Rebind(
		`INSERT INTO contests (contest_id, name, start_time, duration_seconds, website_url, notification_sent, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (contest_id) DO NOTHING`),
		rec.ContestID, rec.Name, rec.StartTime.UTC(), rec.DurationSeconds, rec.WebsiteURL, false, now, now)
	if err != nil {
		return false, fmt.Errorf("insert contest %d: %w", rec.ContestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Update overwrites the mutable fields of an existing contest. The
// notification_sent flag is left alone.
func (s *ContestStore) Update(ctx context.Context, rec ContestRecord) error {
	_, err := s.q.ExecContext(ctx, s.q.Rebind(
		`UPDATE contests SET name = ?, start_time = ?, duration_seconds = ?, website_url = ?, updated_at = ?
		 WHERE contest_id = ?`),
		rec.Name, rec.StartTime.UTC(), rec.DurationSeconds, rec.WebsiteURL, time.Now().UTC(), rec.ContestID)
	if err != nil {
		return fmt.Errorf("update contest %d: %w", rec.ContestID, err)
	}
	return nil
}

// MarkNotificationSent flips notification_sent from false to true. It
// reports whether the flag changed; a missing contest yields ErrNotFound.
func (s *ContestStore) MarkNotificationSent(ctx context.Context, contestID int64) (bool, error) {
	res, err := s.q.ExecContext(ctx, s.q.Rebind(
		`UPDATE contests SET notification_sent = ?, updated_at = ? WHERE contest_id = ? AND notification_sent = ?`),
		true, time.Now().UTC(), contestID, false)
	if err != nil {
		return false, fmt.Errorf("mark contest %d sent: %w", contestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, contestID); err != nil {
		return false, err
	}
	return false, nil
}

// Get returns the contest with the given external id.
func (s *ContestStore) Get(ctx context.Context, contestID int64) (*Contest, error) {
	var c Contest
	err := sqlx.GetContext(ctx, s.q, &c, s.q.Rebind(
		`SELECT `+contestColumns+` FROM contests WHERE contest_id = ?`), contestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns contests ordered by start time. With upcomingOnly set, only
// contests starting after now are returned.
func (s *ContestStore) List(ctx context.Context, upcomingOnly bool, now time.Time) ([]Contest, error) {
	query := `SELECT ` + contestColumns + ` FROM contests`
	var args []interface{}
	if upcomingOnly {
		query += ` WHERE start_time > ?`
		args = append(args, now.UTC())
	}
	query += ` ORDER BY start_time, contest_id`

	contests := []Contest{}
	if err := sqlx.SelectContext(ctx, s.q, &contests, s.q.Rebind(query), args...); err != nil {
		return nil, err
	}
	return contests, nil
}

// Pending returns upcoming contests whose announcement has not been recorded.
func (s *ContestStore) Pending(ctx context.Context, now time.Time) ([]Contest, error) {
	contests := []Contest{}
	err := sqlx.SelectContext(ctx, s.q, &contests, s.q.Rebind(
		`SELECT `+contestColumns+` FROM contests
		 WHERE notification_sent = ? AND start_time > ?
		 ORDER BY start_time, contest_id`), false, now.UTC())
	return contests, err
}
