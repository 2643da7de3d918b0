package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contestRecord(id int64, name string, start time.Time) ContestRecord {
	return ContestRecord{ContestID: id, Name: name, StartTime: start, DurationSeconds: 7200}
}

func TestContestStoreInsertIfAbsent(t *testing.T) {
	s := NewContestStore(newTestDB(t))
	ctx := context.Background()
	start := time.Date(2030, 1, 1, 14, 35, 0, 0, time.UTC)

	inserted, err := s.InsertIfAbsent(ctx, contestRecord(1900, "Round 1", start))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertIfAbsent(ctx, contestRecord(1900, "Round 1 (renamed)", start))
	require.NoError(t, err)
	assert.False(t, inserted)

	c, err := s.Get(ctx, 1900)
	require.NoError(t, err)
	assert.Equal(t, "Round 1", c.Name)
	assert.True(t, c.StartTime.Equal(start))
	assert.False(t, c.NotificationSent)
	assert.Nil(t, c.WebsiteURL)
}

func TestContestStoreUpdateKeepsSentFlag(t *testing.T) {
	s := NewContestStore(newTestDB(t))
	ctx := context.Background()
	start := time.Date(2030, 1, 1, 14, 35, 0, 0, time.UTC)

	_, err := s.InsertIfAbsent(ctx, contestRecord(7, "Round", start))
	require.NoError(t, err)
	changed, err := s.MarkNotificationSent(ctx, 7)
	require.NoError(t, err)
	assert.True(t, changed)

	url := "https://codeforces.com/contest/7"
	rec := contestRecord(7, "Round (Div. 2)", start.Add(time.Hour))
	rec.WebsiteURL = &url
	require.NoError(t, s.Update(ctx, rec))

	c, err := s.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Round (Div. 2)", c.Name)
	assert.True(t, c.StartTime.Equal(start.Add(time.Hour)))
	require.NotNil(t, c.WebsiteURL)
	assert.Equal(t, url, *c.WebsiteURL)
	assert.True(t, c.NotificationSent)
}

func TestContestStoreMarkNotificationSent(t *testing.T) {
	s := NewContestStore(newTestDB(t))
	ctx := context.Background()
	_, err := s.InsertIfAbsent(ctx, contestRecord(5, "Round", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	changed, err := s.MarkNotificationSent(ctx, 5)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkNotificationSent(ctx, 5)
	require.NoError(t, err)
	assert.False(t, changed, "second mark is a no-op")

	_, err = s.MarkNotificationSent(ctx, 404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestContestStoreListAndPending(t *testing.T) {
	s := NewContestStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for _, rec := range []ContestRecord{
		contestRecord(3, "Later", now.Add(48*time.Hour)),
		contestRecord(1, "Past", now.Add(-time.Hour)),
		contestRecord(2, "Soon", now.Add(time.Hour)),
	} {
		_, err := s.InsertIfAbsent(ctx, rec)
		require.NoError(t, err)
	}
	_, err := s.MarkNotificationSent(ctx, 3)
	require.NoError(t, err)

	all, err := s.List(ctx, false, now)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].ContestID, all[1].ContestID, all[2].ContestID})

	upcoming, err := s.List(ctx, true, now)
	require.NoError(t, err)
	require.Len(t, upcoming, 2)
	assert.Equal(t, int64(2), upcoming[0].ContestID)

	pending, err := s.Pending(ctx, now)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].ContestID)
}

func TestContestStoreGetMissing(t *testing.T) {
	s := NewContestStore(newTestDB(t))
	_, err := s.Get(context.Background(), 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestContestDedupFirstWriterWins(t *testing.T) {
	db := newTestDB(t)
	dedup := NewContestDedup(NewContestStore(db), discardLogger())
	ctx := context.Background()
	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := dedup.Upsert(ctx, db, contestRecord(11, "Round", start))
	require.NoError(t, err)
	assert.True(t, first)

	again, err := dedup.Upsert(ctx, db, contestRecord(11, "Round (rescheduled)", start.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, again)

	c, err := NewContestStore(db).Get(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, "Round (rescheduled)", c.Name, "duplicates still refresh mutable fields")
}

func TestContestDedupDanglingRowNotReannounced(t *testing.T) {
	db := newTestDB(t)
	store := NewContestStore(db)
	dedup := NewContestDedup(store, discardLogger())
	ctx := context.Background()

	_, err := store.InsertIfAbsent(ctx, contestRecord(12, "Round", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	should, err := dedup.Upsert(ctx, db, contestRecord(12, "Round", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, should)
}

func TestRecordFromPayload(t *testing.T) {
	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := RecordFromPayload(ContestPayload{ID: 9, Name: "R", StartTime: StartTime{start}, DurationSeconds: 60, WebsiteURL: "https://x"})
	assert.Equal(t, int64(9), rec.ContestID)
	assert.Equal(t, int64(60), rec.DurationSeconds)
	require.NotNil(t, rec.WebsiteURL)
	assert.Equal(t, "https://x", *rec.WebsiteURL)

	rec = RecordFromPayload(ContestPayload{ID: 9, Name: "R", StartTime: StartTime{start}, DurationSeconds: 60})
	assert.Nil(t, rec.WebsiteURL)
}
