package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

// Notifier is told about notifications once they are committed.
type Notifier interface {
	Notify(ctx context.Context, created []Notification)
}

// Notifiers fans one batch of notifications out to several notifiers in
// order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, created []Notification) {
	for _, n := range ns {
		n.Notify(ctx, created)
	}
}

// EventHandler turns decoded events into stored notifications.
type EventHandler interface {
	TaskCreated(ctx context.Context, task TaskStub) ([]Notification, error)
	TasksBatchCreated(ctx context.Context, tasks []TaskStub) ([]Notification, error)
	ContestAnnouncement(ctx context.Context, contest ContestPayload) (bool, error)
}

// Materializer creates notification rows for incoming events. Each call runs
// in its own transaction.
type Materializer struct {
	db       *sqlx.DB
	notifs   *NotificationStore
	dedup    *ContestDedup
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewMaterializer(db *sqlx.DB, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{
		db:     db,
		notifs: NewNotificationStore(db),
		dedup:  NewContestDedup(NewContestStore(db), logger),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier registers n to receive committed notifications.
func (m *Materializer) SetNotifier(n Notifier) {
	m.notifier = n
}

// TaskContent renders the notification text for a task.
func TaskContent(task TaskStub) string {
	content := "New task assigned: " + task.Title
	if task.DueDate != "" {
		content += " (due: " + task.DueDate + ")"
	}
	return content
}

// SummaryContent renders the notification text for a batch of count tasks.
func SummaryContent(count int) string {
	return fmt.Sprintf("%d new tasks have been assigned to you", count)
}

// ContestContent renders the broadcast text for a contest.
func ContestContent(name string, start time.Time) string {
	return fmt.Sprintf("Upcoming Codeforces contest: %s starting at %s.", name, start.UTC().Format("2006-01-02 15:04:05"))
}

func (m *Materializer) taskNotification(task TaskStub, at time.Time) Notification {
	relatedID := task.TaskID.String()
	return Notification{
		UserID:      task.UserID.String(),
		Content:     TaskContent(task),
		RelatedType: RelatedTask,
		RelatedID:   &relatedID,
		CreatedAt:   at,
	}
}

// TaskCreated stores one notification for the task's assignee.
func (m *Materializer) TaskCreated(ctx context.Context, task TaskStub) ([]Notification, error) {
	n := m.taskNotification(task, m.now())
	err := m.inTx(ctx, func(tx *sqlx.Tx) error {
		return m.notifs.With(tx).Insert(ctx, &n)
	})
	if err != nil {
		return nil, err
	}
	created := []Notification{n}
	m.logger.Info("notifications: task notification created", "user_id", n.UserID, "task_id", task.TaskID)
	m.notify(ctx, created)
	return created, nil
}

// TasksBatchCreated groups tasks by user in arrival order and stores one
// notification per task, plus a summary for users with more than one task.
// Redelivering the same batch creates the rows again.
func (m *Materializer) TasksBatchCreated(ctx context.Context, tasks []TaskStub) ([]Notification, error) {
	var order []string
	groups := make(map[string][]TaskStub)
	for _, task := range tasks {
		uid := task.UserID.String()
		if _, seen := groups[uid]; !seen {
			order = append(order, uid)
		}
		groups[uid] = append(groups[uid], task)
	}

	at := m.now()
	var created []Notification
	err := m.inTx(ctx, func(tx *sqlx.Tx) error {
		store := m.notifs.With(tx)
		for _, uid := range order {
			group := groups[uid]
			for _, task := range group {
				n := m.taskNotification(task, at)
				if err := store.Insert(ctx, &n); err != nil {
					return err
				}
				created = append(created, n)
			}
			if len(group) > 1 {
				n := Notification{
					UserID:      uid,
					Content:     SummaryContent(len(group)),
					RelatedType: RelatedTasksSummary,
					CreatedAt:   at,
				}
				if err := store.Insert(ctx, &n); err != nil {
					return err
				}
				created = append(created, n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("notifications: batch notifications created", "users", len(order), "tasks", len(tasks), "rows", len(created))
	m.notify(ctx, created)
	return created, nil
}

// ContestAnnouncement records the contest and, if this is the first time it
// is seen, stores one broadcast notification and flags the contest as
// announced. It reports whether an announcement was made.
func (m *Materializer) ContestAnnouncement(ctx context.Context, contest ContestPayload) (bool, error) {
	rec := RecordFromPayload(contest)

	var created []Notification
	err := m.inTx(ctx, func(tx *sqlx.Tx) error {
		shouldNotify, err := m.dedup.Upsert(ctx, tx, rec)
		if err != nil || !shouldNotify {
			return err
		}

		relatedID := strconv.FormatInt(rec.ContestID, 10)
		n := Notification{
			UserID:      SystemUserID,
			Content:     ContestContent(rec.Name, rec.StartTime),
			RelatedType: RelatedContest,
			RelatedID:   &relatedID,
			CreatedAt:   m.now(),
		}
		if err := m.notifs.With(tx).Insert(ctx, &n); err != nil {
			return err
		}
		if _, err := m.dedup.contests.With(tx).MarkNotificationSent(ctx, rec.ContestID); err != nil {
			return err
		}
		created = append(created, n)
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(created) == 0 {
		return false, nil
	}

	m.logger.Info("notifications: contest announced", "contest_id", rec.ContestID, "name", rec.Name)
	m.notify(ctx, created)
	return true, nil
}

func (m *Materializer) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback() //nolint:errcheck
			panic(p)
		}
		if err != nil {
			tx.Rollback() //nolint:errcheck
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (m *Materializer) notify(ctx context.Context, created []Notification) {
	if m.notifier == nil || len(created) == 0 {
		return
	}
	m.notifier.Notify(ctx, created)
}
