package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rapigate/rapigate/internal/admission"
	"github.com/rapigate/rapigate/internal/model"
)

// AdminUserLister lists accounts. *repository.Repository implements it.
type AdminUserLister interface {
	ListUsers(ctx context.Context, limit, offset int) ([]*model.User, error)
}

// QuotaResetter clears a user's daily state. *admission.Controller
// implements it.
type QuotaResetter interface {
	Reset(ctx context.Context, userID string) error
}

// AdminHandler serves the Basic-auth protected admin endpoints.
type AdminHandler struct {
	users  AdminUserLister
	quota  QuotaResetter
	totals TotalsReader
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(users AdminUserLister, quota QuotaResetter, totals TotalsReader, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		users:  users,
		quota:  quota,
		totals: totals,
		logger: logger.With("component", "handler.admin"),
	}
}

// AdminStatsResponse is the operator overview.
type AdminStatsResponse struct {
	Status     bool      `json:"status"`
	TotalCalls int64     `json:"total_calls"`
	TotalUsers int64     `json:"total_users"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stats handles GET /api/admin/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	totals, err := h.totals.Totals(ctx)
	if err != nil {
		h.logger.Error("failed to load totals", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}

	writeJSON(w, http.StatusOK, AdminStatsResponse{
		Status:     true,
		TotalCalls: totals.TotalCalls,
		TotalUsers: totals.TotalUsers,
		Timestamp:  time.Now().UTC(),
	})
}

// AdminUsersResponse is one page of accounts.
type AdminUsersResponse struct {
	Status bool                `json:"status"`
	Users  []model.UserSummary `json:"users"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// Users handles GET /api/admin/users?limit=&offset=.
func (h *AdminHandler) Users(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	users, err := h.users.ListUsers(ctx, limit, offset)
	if err != nil {
		h.logger.Error("failed to list users", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	summaries := make([]model.UserSummary, 0, len(users))
	for _, u := range users {
		summaries = append(summaries, u.Summary())
	}

	writeJSON(w, http.StatusOK, AdminUsersResponse{
		Status: true,
		Users:  summaries,
		Limit:  limit,
		Offset: offset,
	})
}

// ResetQuota handles POST /api/admin/users/{id}/reset-quota.
func (h *AdminHandler) ResetQuota(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.quota.Reset(ctx, userID); err != nil {
		if errors.Is(err, admission.ErrUnknownUser) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Error("failed to reset quota", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "Failed to reset quota")
		return
	}

	h.logger.Info("quota reset by admin", "user_id", userID)
	writeJSON(w, http.StatusOK, map[string]any{"status": true, "user_id": userID})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("query parameter '" + name + "' must be a non-negative integer")
	}
	return n, nil
}
