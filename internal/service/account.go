// Package service holds the account workflows behind the HTTP and CLI
// surfaces: registration, login, and API key rotation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rapigate/rapigate/internal/auth"
	"github.com/rapigate/rapigate/internal/middleware"
	"github.com/rapigate/rapigate/internal/model"
	"github.com/rapigate/rapigate/internal/repository"
)

// Service errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUsernameTaken      = errors.New("username is already taken")
	ErrEmailTaken         = errors.New("email is already registered")
	ErrUserNotFound       = errors.New("user not found")
)

// maxKeyAttempts bounds retries when a freshly generated key digest collides.
const maxKeyAttempts = 3

// AccountStore is the persistence the account workflows need.
// *repository.Repository implements it.
type AccountStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	RotateAPIKeyDigest(ctx context.Context, userID, digest string) (string, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
}

// KeyEvicter drops a key digest from the validation cache.
// *auth.Validator implements it.
type KeyEvicter interface {
	Evict(ctx context.Context, digest string) error
}

// AccountService implements account workflows.
type AccountService struct {
	store     AccountStore
	evicter   KeyEvicter
	keyPrefix string
	logger    *slog.Logger
	now       func() time.Time
}

// NewAccountService creates an AccountService. keyPrefix is prepended to
// generated API keys.
func NewAccountService(store AccountStore, evicter KeyEvicter, keyPrefix string, logger *slog.Logger) *AccountService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountService{
		store:     store,
		evicter:   evicter,
		keyPrefix: keyPrefix,
		logger:    logger.With("component", "service.account"),
		now:       time.Now,
	}
}

// RegisterInput defines input for creating an account.
type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// Registration is a created account and its API key. The plaintext key is
// never retrievable again.
type Registration struct {
	User   *model.User
	APIKey string
}

// Register validates input, creates the user, and issues its first API key.
func (s *AccountService) Register(ctx context.Context, input RegisterInput) (*Registration, error) {
	username := strings.TrimSpace(input.Username)
	email := strings.ToLower(strings.TrimSpace(input.Email))

	if err := middleware.ValidateRegistration(username, email, input.Password); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	for attempt := 1; ; attempt++ {
		key, err := auth.GenerateAPIKey(s.keyPrefix)
		if err != nil {
			return nil, fmt.Errorf("generate api key: %w", err)
		}

		digest := key.Digest
		user := &model.User{
			ID:           ulid.Make().String(),
			Username:     username,
			Email:        email,
			PasswordHash: hash,
			APIKeyDigest: &digest,
			CreatedAt:    now,
			Quota:        model.FreshQuota(now),
		}

		err = s.store.CreateUser(ctx, user)
		switch {
		case err == nil:
			s.logger.Info("account registered", "user_id", user.ID, "username", user.Username)
			return &Registration{User: user, APIKey: key.Plaintext}, nil
		case errors.Is(err, repository.ErrUsernameExists):
			return nil, ErrUsernameTaken
		case errors.Is(err, repository.ErrEmailExists):
			return nil, ErrEmailTaken
		case errors.Is(err, repository.ErrAPIKeyConflict) && attempt < maxKeyAttempts:
			continue
		default:
			return nil, fmt.Errorf("create user: %w", err)
		}
	}
}

// Login verifies credentials and stamps the login time. Legacy bcrypt
// hashes are upgraded to argon2id on success.
func (s *AccountService) Login(ctx context.Context, email, password string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := middleware.ValidateLogin(email, password); err != nil {
		return nil, err
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	ok, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		s.logger.Warn("stored password hash is unreadable", "user_id", user.ID, "error", err)
		return nil, ErrInvalidCredentials
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	if auth.NeedsRehash(user.PasswordHash) {
		s.upgradeHash(ctx, user, password)
	}

	now := s.now().UTC()
	if err := s.store.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to record login", "user_id", user.ID, "error", err)
	} else {
		user.LastLoginAt = &now
	}

	return user, nil
}

func (s *AccountService) upgradeHash(ctx context.Context, user *model.User, password string) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		s.logger.Warn("failed to rehash password", "user_id", user.ID, "error", err)
		return
	}
	if err := s.store.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		s.logger.Warn("failed to store upgraded password hash", "user_id", user.ID, "error", err)
		return
	}
	user.PasswordHash = hash
}

// RegenerateKey replaces the user's API key and evicts the old one from the
// validation cache. The old key stops working immediately.
func (s *AccountService) RegenerateKey(ctx context.Context, userID string) (string, error) {
	for attempt := 1; ; attempt++ {
		key, err := auth.GenerateAPIKey(s.keyPrefix)
		if err != nil {
			return "", fmt.Errorf("generate api key: %w", err)
		}

		previous, err := s.store.RotateAPIKeyDigest(ctx, userID, key.Digest)
		switch {
		case err == nil:
			if s.evicter != nil {
				if err := s.evicter.Evict(ctx, previous); err != nil {
					s.logger.Warn("failed to evict rotated key", "user_id", userID, "error", err)
				}
			}
			s.logger.Info("api key regenerated", "user_id", userID)
			return key.Plaintext, nil
		case errors.Is(err, repository.ErrUserNotFound):
			return "", ErrUserNotFound
		case errors.Is(err, repository.ErrAPIKeyConflict) && attempt < maxKeyAttempts:
			continue
		default:
			return "", fmt.Errorf("rotate api key: %w", err)
		}
	}
}

// User loads a user by id.
func (s *AccountService) User(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

// Resolve loads a user by id, or by username when no id matches.
func (s *AccountService) Resolve(ctx context.Context, idOrUsername string) (*model.User, error) {
	user, err := s.store.GetUserByID(ctx, idOrUsername)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, fmt.Errorf("load user: %w", err)
	}

	user, err = s.store.GetUserByUsername(ctx, idOrUsername)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}
