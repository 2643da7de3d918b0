package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpmentor/notification-service/internal/auth"
)

type apiFixture struct {
	router   *mux.Router
	notifs   *NotificationStore
	contests *ContestStore
	now      time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db := newTestDB(t)
	f := &apiFixture{
		router:   mux.NewRouter(),
		notifs:   NewNotificationStore(db),
		contests: NewContestStore(db),
		now:      time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	h := NewHandlers(f.notifs, f.contests)
	h.now = func() time.Time { return f.now }
	h.RegisterRoutes(f.router)
	return f
}

func (f *apiFixture) do(t *testing.T, method, target, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if userID != "" {
		req = req.WithContext(auth.ContextWithClaims(req.Context(), &auth.Claims{UserID: userID}))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSONBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestHandlersRequireClaims(t *testing.T) {
	f := newAPIFixture(t)
	for _, target := range []string{"/api/notifications", "/api/notifications/unread-count"} {
		rec := f.do(t, http.MethodGet, target, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}
}

func TestHandlersListNotifications(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	base := f.now.Add(-time.Hour)
	for i, uid := range []string{"u1", "u2", SystemUserID, "u1"} {
		n := Notification{UserID: uid, Content: "c", RelatedType: RelatedTask, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, f.notifs.Insert(ctx, &n))
	}

	rec := f.do(t, http.MethodGet, "/api/notifications?limit=2", "u1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Notifications []Notification `json:"notifications"`
		Total         int            `json:"total"`
		Limit         int            `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Limit)
	require.Len(t, resp.Notifications, 2)
	assert.Equal(t, "u1", resp.Notifications[0].UserID)
	assert.Equal(t, SystemUserID, resp.Notifications[1].UserID)
}

func TestHandlersListRejectsBadUnreadFlag(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/notifications?unread=maybe", "u1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlersMarkReadAndCount(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	own := Notification{UserID: "u1", Content: "mine", RelatedType: RelatedTask, CreatedAt: f.now}
	other := Notification{UserID: "u2", Content: "theirs", RelatedType: RelatedTask, CreatedAt: f.now}
	require.NoError(t, f.notifs.Insert(ctx, &own))
	require.NoError(t, f.notifs.Insert(ctx, &other))

	count := decodeJSONBody[map[string]int](t, f.do(t, http.MethodGet, "/api/notifications/unread-count", "u1"))
	assert.Equal(t, 1, count["unread_count"])

	rec := f.do(t, http.MethodPut, "/api/notifications/"+strconv.FormatInt(other.ID, 10)+"/read", "u1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/notifications/"+strconv.FormatInt(own.ID, 10)+"/read", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeJSONBody[Notification](t, rec).IsRead)

	count = decodeJSONBody[map[string]int](t, f.do(t, http.MethodGet, "/api/notifications/unread-count", "u1"))
	assert.Equal(t, 0, count["unread_count"])
}

func TestHandlersMarkAllRead(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		n := Notification{UserID: "u1", Content: "c", RelatedType: RelatedTask, CreatedAt: f.now}
		require.NoError(t, f.notifs.Insert(ctx, &n))
	}

	rec := f.do(t, http.MethodPut, "/api/notifications/read-all", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSONBody[map[string]any](t, rec)
	assert.Equal(t, "success", resp["status"])
	assert.EqualValues(t, 3, resp["updated"])
}

func TestHandlersContests(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	_, err := f.contests.InsertIfAbsent(ctx, contestRecord(1, "Past", f.now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = f.contests.InsertIfAbsent(ctx, contestRecord(2, "Soon", f.now.Add(time.Hour)))
	require.NoError(t, err)

	all := decodeJSONBody[[]Contest](t, f.do(t, http.MethodGet, "/api/contests", "u1"))
	assert.Len(t, all, 2)

	upcomingOnly := decodeJSONBody[[]Contest](t, f.do(t, http.MethodGet, "/api/contests?upcoming=true", "u1"))
	require.Len(t, upcomingOnly, 1)
	assert.Equal(t, int64(2), upcomingOnly[0].ContestID)

	pending := decodeJSONBody[[]Contest](t, f.do(t, http.MethodGet, "/api/contests/pending-notifications", "u1"))
	require.Len(t, pending, 1)

	rec := f.do(t, http.MethodPost, "/api/contests/2/mark-sent", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeJSONBody[map[string]any](t, rec)["changed"])

	pending = decodeJSONBody[[]Contest](t, f.do(t, http.MethodGet, "/api/contests/pending-notifications", "u1"))
	assert.Empty(t, pending)

	got := decodeJSONBody[Contest](t, f.do(t, http.MethodGet, "/api/contests/2", "u1"))
	assert.True(t, got.NotificationSent)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/contests/99", "u1").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/contests/99/mark-sent", "u1").Code)
}
