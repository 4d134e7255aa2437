package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rapigate/rapigate/internal/admission"
	"github.com/rapigate/rapigate/internal/auth"
	"github.com/rapigate/rapigate/internal/command"
	"github.com/rapigate/rapigate/internal/middleware"
	"github.com/rapigate/rapigate/internal/model"
	"github.com/rapigate/rapigate/internal/service"
)

// AccountService is the account workflow behind the handlers.
// *service.AccountService implements it.
type AccountService interface {
	Register(ctx context.Context, input service.RegisterInput) (*service.Registration, error)
	Login(ctx context.Context, email, password string) (*model.User, error)
	RegenerateKey(ctx context.Context, userID string) (string, error)
	User(ctx context.Context, userID string) (*model.User, error)
}

// SessionIssuer issues and clears session cookies. *auth.Sessions
// implements it.
type SessionIssuer interface {
	Issue(identity model.Identity) (string, time.Time, error)
	SetCookie(w http.ResponseWriter, token string, expires time.Time)
	ClearCookie(w http.ResponseWriter)
}

// UsageReporter renders a quota state. *admission.Controller implements it.
type UsageReporter interface {
	Usage(state model.QuotaState) admission.Usage
}

// AccountHandler serves /account/* and /api/user/stats.
type AccountHandler struct {
	accounts AccountService
	sessions SessionIssuer
	usage    UsageReporter
	registry *command.Registry
	totals   TotalsReader
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler. totals may be nil.
func NewAccountHandler(accounts AccountService, sessions SessionIssuer, usage UsageReporter, registry *command.Registry, totals TotalsReader, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		sessions: sessions,
		usage:    usage,
		registry: registry,
		totals:   totals,
		logger:   logger.With("component", "handler.account"),
	}
}

// RegisterRequest is the body of POST /account/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the body of POST /account/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AccountInfo is the public view of the caller's account.
type AccountInfo struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	APICalls    int64      `json:"api_calls"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func accountInfo(u *model.User) AccountInfo {
	return AccountInfo{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		APICalls:    u.APICalls,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

// RegisterResponse carries the new account and its API key.
type RegisterResponse struct {
	Status  bool        `json:"status"`
	User    AccountInfo `json:"user"`
	APIKey  string      `json:"api_key"`
	Message string      `json:"message"`
}

const keyShownOnce = "Store this API key now. It will not be shown again."

// Register handles POST /account/register.
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reg, err := h.accounts.Register(r.Context(), service.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.writeAccountError(w, r, err)
		return
	}

	if !h.startSession(w, r, reg.User) {
		return
	}

	writeJSON(w, http.StatusCreated, RegisterResponse{
		Status:  true,
		User:    accountInfo(reg.User),
		APIKey:  reg.APIKey,
		Message: keyShownOnce,
	})
}

// LoginResponse is returned after a successful login.
type LoginResponse struct {
	Status bool        `json:"status"`
	User   AccountInfo `json:"user"`
}

// Login handles POST /account/login.
func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeAccountError(w, r, err)
		return
	}

	if !h.startSession(w, r, user) {
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Status: true, User: accountInfo(user)})
}

// Logout handles POST /account/logout.
func (h *AccountHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"status": true})
}

// KeyResponse carries a freshly rotated API key.
type KeyResponse struct {
	Status  bool   `json:"status"`
	APIKey  string `json:"api_key"`
	Message string `json:"message"`
}

// RegenerateKey handles POST /account/api-key/regenerate. Requires a
// session.
func (h *AccountHandler) RegenerateKey(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "Login required")
		return
	}

	key, err := h.accounts.RegenerateKey(r.Context(), identity.UserID)
	if err != nil {
		h.writeAccountError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, KeyResponse{Status: true, APIKey: key, Message: keyShownOnce})
}

// UserStatsResponse is the caller's usage dashboard.
type UserStatsResponse struct {
	Status     bool            `json:"status"`
	User       AccountInfo     `json:"user"`
	Today      admission.Usage `json:"today"`
	APIs       command.Stats   `json:"apis"`
	TotalCalls int64           `json:"total_calls"`
}

// UserStats handles GET /api/user/stats. Accepts a session or an API key.
func (h *AccountHandler) UserStats(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	user, err := h.accounts.User(ctx, identity.UserID)
	if err != nil {
		h.writeAccountError(w, r, err)
		return
	}

	resp := UserStatsResponse{
		Status: true,
		User:   accountInfo(user),
		Today:  h.usage.Usage(user.Quota),
		APIs:   h.registry.Stats(),
	}
	if h.totals != nil {
		if totals, err := h.totals.Totals(ctx); err != nil {
			h.logger.Warn("failed to load totals", "error", err)
		} else {
			resp.TotalCalls = totals.TotalCalls
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// startSession sets the session cookie. It reports false after writing an
// error response.
func (h *AccountHandler) startSession(w http.ResponseWriter, r *http.Request, user *model.User) bool {
	token, expires, err := h.sessions.Issue(model.Identity{
		UserID:   user.ID,
		Username: user.Username,
		Source:   model.IdentityFromSession,
	})
	if err != nil {
		h.logger.Error("failed to issue session",
			"error", err,
			"user_id", user.ID,
			"request_id", middleware.GetRequestID(r.Context()),
		)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return false
	}
	h.sessions.SetCookie(w, token, expires)
	return true
}

// writeAccountError maps service errors to responses.
func (h *AccountHandler) writeAccountError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case middleware.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUsernameTaken), errors.Is(err, service.ErrEmailTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
	case errors.Is(err, service.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "Account not found")
	default:
		h.logger.Error("account request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", middleware.GetRequestID(r.Context()),
		)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
