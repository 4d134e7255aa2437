package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rapigate/rapigate/internal/auth"
	"github.com/rapigate/rapigate/internal/model"
	"github.com/rapigate/rapigate/internal/repository"
)

const (
	maxNotificationTitle  = 255
	maxNotificationSender = 50
	// broadcastTarget addresses every user in a notify request.
	broadcastTarget = "all"
)

// NotificationStore persists notifications and per-user read state.
// *repository.NotificationRepository implements it.
type NotificationStore interface {
	Create(ctx context.Context, n *model.Notification) error
	ListForUser(ctx context.Context, userID string) ([]*model.Notification, error)
	MarkRead(ctx context.Context, userID string, id int64) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

// NotificationHandler serves the user inbox and the admin notify endpoint.
type NotificationHandler struct {
	store  NotificationStore
	logger *slog.Logger
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(store NotificationStore, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		store:  store,
		logger: logger.With("component", "handler.notification"),
	}
}

// NotificationsResponse is the caller's inbox.
type NotificationsResponse struct {
	Status        bool                  `json:"status"`
	Notifications []*model.Notification `json:"notifications"`
	Unread        int                   `json:"unread"`
}

// List handles GET /api/notifications.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	notes, err := h.store.ListForUser(ctx, identity.UserID)
	if err != nil {
		h.logger.Error("failed to list notifications", "error", err, "user_id", identity.UserID)
		writeError(w, http.StatusInternalServerError, "Failed to fetch notifications")
		return
	}

	unread := 0
	for _, n := range notes {
		if !n.Read {
			unread++
		}
	}
	writeJSON(w, http.StatusOK, NotificationsResponse{Status: true, Notifications: notes, Unread: unread})
}

// MarkRead handles POST /api/notifications/{id}/read.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "notification id must be a positive integer")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.MarkRead(ctx, identity.UserID, id); err != nil {
		if errors.Is(err, repository.ErrNotificationNotFound) {
			writeError(w, http.StatusNotFound, "Notification not found")
			return
		}
		h.logger.Error("failed to mark notification read", "error", err, "user_id", identity.UserID, "notification_id", id)
		writeError(w, http.StatusInternalServerError, "Failed to mark as read")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": true})
}

// MarkAllRead handles POST /api/notifications/read-all.
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	marked, err := h.store.MarkAllRead(ctx, identity.UserID)
	if err != nil {
		h.logger.Error("failed to mark notifications read", "error", err, "user_id", identity.UserID)
		writeError(w, http.StatusInternalServerError, "Failed to mark all as read")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": true, "marked": marked})
}

// NotifyRequest is the body of POST /api/admin/notify. An empty target or
// "all" broadcasts.
type NotifyRequest struct {
	Title        string `json:"title"`
	Message      string `json:"message"`
	TargetUserID string `json:"target_user_id"`
	Sender       string `json:"sender"`
}

// NotifyResponse returns the stored notification.
type NotifyResponse struct {
	Status       bool                `json:"status"`
	Notification *model.Notification `json:"notification"`
}

// Notify handles POST /api/admin/notify.
func (h *NotificationHandler) Notify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	note := &model.Notification{
		Title:   strings.TrimSpace(req.Title),
		Message: strings.TrimSpace(req.Message),
		Sender:  strings.TrimSpace(req.Sender),
	}
	switch {
	case note.Title == "" || note.Message == "":
		writeError(w, http.StatusBadRequest, "Title and message are required")
		return
	case len(note.Title) > maxNotificationTitle:
		writeError(w, http.StatusBadRequest, "Title must be at most 255 characters")
		return
	case len(note.Sender) > maxNotificationSender:
		writeError(w, http.StatusBadRequest, "Sender must be at most 50 characters")
		return
	}
	if target := strings.TrimSpace(req.TargetUserID); target != "" && !strings.EqualFold(target, broadcastTarget) {
		note.TargetUserID = &target
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.Create(ctx, note); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Error("failed to send notification", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to send notification")
		return
	}

	h.logger.Info("notification sent",
		"notification_id", note.ID,
		"broadcast", note.Broadcast(),
	)
	writeJSON(w, http.StatusCreated, NotifyResponse{Status: true, Notification: note})
}
