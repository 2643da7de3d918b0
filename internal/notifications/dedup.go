package notifications

import (
	"context"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// ContestDedup decides whether a contest announcement is the first one seen
// for its contest. The decision and the row write are a single conditional
// insert, so two concurrent deliveries cannot both win.
type ContestDedup struct {
	contests *ContestStore
	logger   *slog.Logger
}

func NewContestDedup(contests *ContestStore, logger *slog.Logger) *ContestDedup {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContestDedup{contests: contests, logger: logger}
}

// Upsert records rec through q and reports whether the caller should announce
// it. Only a call that actually creates the row gets true; existing rows are
// overwritten with rec and never re-announced, even when their
// notification_sent flag is still false.
func (d *ContestDedup) Upsert(ctx context.Context, q sqlx.ExtContext, rec ContestRecord) (bool, error) {
	store := d.contests.With(q)

	inserted, err := store.InsertIfAbsent(ctx, rec)
	if err != nil {
		return false, err
	}
	if inserted {
		d.logger.Info("notifications: new contest recorded", "contest_id", rec.ContestID, "name", rec.Name)
		return true, nil
	}

	if err := store.Update(ctx, rec); err != nil {
		return false, err
	}
	d.logger.Info("notifications: contest already known, skipping announcement", "contest_id", rec.ContestID)
	return false, nil
}
