package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rapigate/rapigate/internal/model"
)

// Common errors for user repository operations.
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrUsernameExists = errors.New("username already exists")
	ErrEmailExists    = errors.New("email already exists")
	ErrAPIKeyNotFound = errors.New("API key not found")
	ErrAPIKeyConflict = errors.New("API key already assigned")
)

const userColumns = `
	id, username, email, password_hash, api_key_digest, api_calls,
	daily_calls, daily_reset_at, rate_limited_until, created_at, last_login_at
`

// CreateUser inserts a new user into the database.
func (r *Repository) CreateUser(ctx context.Context, user *model.User) error {
	query := `
		INSERT INTO users (id, username, email, password_hash, api_key_digest,
			daily_calls, daily_reset_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		user.ID,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.APIKeyDigest,
		user.Quota.DailyCalls,
		user.Quota.DailyResetAt,
		user.CreatedAt,
	)

	if err != nil {
		return mapUserConstraint(err, "failed to create user")
	}

	return nil
}

// GetUserByID retrieves a user by their ID.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetUserByEmail retrieves a user by their email address (case-insensitive).
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return scanUser(r.pool.QueryRow(ctx, query, email))
}

// GetUserByUsername retrieves a user by username (case-insensitive).
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(username) = LOWER($1)`
	return scanUser(r.pool.QueryRow(ctx, query, username))
}

// GetIdentityByKeyDigest resolves an API key digest to its owner.
func (r *Repository) GetIdentityByKeyDigest(ctx context.Context, digest string) (*model.Identity, error) {
	query := `SELECT id, username FROM users WHERE api_key_digest = $1`

	var identity model.Identity
	err := r.pool.QueryRow(ctx, query, digest).Scan(&identity.UserID, &identity.Username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to get user by key digest: %w", err)
	}

	identity.Source = model.IdentityFromAPIKey
	return &identity, nil
}

// RotateAPIKeyDigest replaces a user's key digest and returns the previous
// one (empty if the user had no key).
func (r *Repository) RotateAPIKeyDigest(ctx context.Context, userID, digest string) (string, error) {
	query := `
		UPDATE users u
		SET api_key_digest = $2
		FROM (SELECT id, api_key_digest FROM users WHERE id = $1 FOR UPDATE) prev
		WHERE u.id = prev.id
		RETURNING COALESCE(prev.api_key_digest, '')
	`

	var previous string
	err := r.pool.QueryRow(ctx, query, userID, digest).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", mapUserConstraint(err, "failed to rotate API key")
	}

	return previous, nil
}

// UpdateLastLogin stamps the user's last successful login.
func (r *Repository) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	result, err := r.pool.Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, userID, at)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdatePasswordHash replaces the stored password hash.
func (r *Repository) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	result, err := r.pool.Exec(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, userID, hash)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListUsers returns users ordered by creation time, newest first.
func (r *Repository) ListUsers(ctx context.Context, limit, offset int) ([]*model.User, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	return users, nil
}

// CountUsers returns the number of registered users.
func (r *Repository) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// scanUser scans a single row into a User model.
func scanUser(row pgx.Row) (*model.User, error) {
	var user model.User

	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.APIKeyDigest,
		&user.APICalls,
		&user.Quota.DailyCalls,
		&user.Quota.DailyResetAt,
		&user.Quota.RateLimitedUntil,
		&user.CreatedAt,
		&user.LastLoginAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	return &user, nil
}

// mapUserConstraint translates unique violations on users into sentinels.
func mapUserConstraint(err error, action string) error {
	switch constraint, ok := uniqueViolation(err); {
	case !ok:
		return fmt.Errorf("%s: %w", action, err)
	case constraint == "users_username_key":
		return ErrUsernameExists
	case constraint == "users_email_key":
		return ErrEmailExists
	case constraint == "users_api_key_digest_key":
		return ErrAPIKeyConflict
	default:
		return fmt.Errorf("%s: %w", action, err)
	}
}
