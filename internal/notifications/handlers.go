package notifications

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cpmentor/notification-service/internal/auth"
	"github.com/cpmentor/notification-service/internal/httputil"
)

// Handlers provides HTTP handlers for the notifications and contests API.
type Handlers struct {
	notifStore   *NotificationStore
	contestStore *ContestStore
	now          func() time.Time
}

func NewHandlers(notifStore *NotificationStore, contestStore *ContestStore) *Handlers {
	return &Handlers{
		notifStore:   notifStore,
		contestStore: contestStore,
		now:          time.Now,
	}
}

// RegisterRoutes wires the notification and contest endpoints onto r. The
// admin middlewares guard the contest write endpoint.
func (h *Handlers) RegisterRoutes(r *mux.Router, admin ...mux.MiddlewareFunc) {
	r.HandleFunc("/api/notifications", h.ListNotifications).Methods("GET")
	r.HandleFunc("/api/notifications/unread-count", h.UnreadCount).Methods("GET")
	r.HandleFunc("/api/notifications/read-all", h.MarkAllRead).Methods("PUT")
	r.HandleFunc("/api/notifications/{id:[0-9]+}/read", h.MarkRead).Methods("PUT")

	r.HandleFunc("/api/contests", h.ListContests).Methods("GET")
	r.HandleFunc("/api/contests/pending-notifications", h.PendingContests).Methods("GET")
	r.HandleFunc("/api/contests/{contestID:[0-9]+}", h.GetContest).Methods("GET")

	var markSent http.Handler = http.HandlerFunc(h.MarkContestSent)
	for i := len(admin) - 1; i >= 0; i-- {
		markSent = admin[i](markSent)
	}
	r.Handle("/api/contests/{contestID:[0-9]+}/mark-sent", markSent).Methods("POST")
}

// getUserID extracts the user ID from the JWT claims in the request context.
func getUserID(r *http.Request) string {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return ""
	}
	return claims.UserID
}

// ListNotifications handles GET /api/notifications
func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit, err := httputil.QueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := httputil.QueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	unreadOnly, hasUnread, err := httputil.QueryBool(r, "unread")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	params := NotificationListParams{
		UserID:      userID,
		RelatedType: r.URL.Query().Get("related_type"),
		Limit:       limit,
		Offset:      offset,
	}
	if hasUnread {
		params.Unread = &unreadOnly
	}

	notifications, total, err := h.notifStore.List(r.Context(), params)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
		"total":         total,
		"limit":         clampLimit(params.Limit),
		"offset":        params.Offset,
	})
}

// UnreadCount handles GET /api/notifications/unread-count
func (h *Handlers) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	count, err := h.notifStore.UnreadCount(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to count notifications")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"unread_count": count,
	})
}

// MarkRead handles PUT /api/notifications/{id}/read
func (h *Handlers) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid notification id")
		return
	}

	n, err := h.notifStore.MarkRead(r.Context(), userID, id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to mark notification read")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, n)
}

// MarkAllRead handles PUT /api/notifications/read-all
func (h *Handlers) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	updated, err := h.notifStore.MarkAllRead(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to mark notifications read")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"updated": updated,
	})
}

// ListContests handles GET /api/contests?upcoming=true
func (h *Handlers) ListContests(w http.ResponseWriter, r *http.Request) {
	upcoming, _, err := httputil.QueryBool(r, "upcoming")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	contests, err := h.contestStore.List(r.Context(), upcoming, h.now())
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list contests")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, contests)
}

// PendingContests handles GET /api/contests/pending-notifications
func (h *Handlers) PendingContests(w http.ResponseWriter, r *http.Request) {
	contests, err := h.contestStore.Pending(r.Context(), h.now())
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list pending contests")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, contests)
}

// GetContest handles GET /api/contests/{contestID}
func (h *Handlers) GetContest(w http.ResponseWriter, r *http.Request) {
	contestID, err := strconv.ParseInt(mux.Vars(r)["contestID"], 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid contest id")
		return
	}

	contest, err := h.contestStore.Get(r.Context(), contestID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "contest not found")
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get contest")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, contest)
}

// MarkContestSent handles POST /api/contests/{contestID}/mark-sent
func (h *Handlers) MarkContestSent(w http.ResponseWriter, r *http.Request) {
	contestID, err := strconv.ParseInt(mux.Vars(r)["contestID"], 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid contest id")
		return
	}

	changed, err := h.contestStore.MarkNotificationSent(r.Context(), contestID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "contest not found")
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to mark contest")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"changed": changed,
	})
}
