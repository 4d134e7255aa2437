package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rapigate/rapigate/internal/admission"
	"github.com/rapigate/rapigate/internal/model"
)

// QuotaStore implements admission.Store on the users table. Each update runs
// in its own transaction holding the user's row lock.
type QuotaStore struct {
	repo *Repository
}

// NewQuotaStore returns the PostgreSQL admission store.
func (r *Repository) NewQuotaStore() *QuotaStore {
	return &QuotaStore{repo: r}
}

var _ admission.Store = (*QuotaStore)(nil)

// errQuotaUserMissing matches both ErrUserNotFound and admission.ErrUnknownUser.
var errQuotaUserMissing = fmt.Errorf("%w: %w", admission.ErrUnknownUser, ErrUserNotFound)

// UpdateQuota locks the user's row, passes its quota state to fn, and
// writes back the result when fn reports a change.
func (s *QuotaStore) UpdateQuota(ctx context.Context, userID string, fn admission.UpdateFunc) error {
	return s.repo.inTx(ctx, func(tx pgx.Tx) error {
		var state model.QuotaState
		err := tx.QueryRow(ctx, `
			SELECT daily_calls, daily_reset_at, rate_limited_until
			FROM users
			WHERE id = $1
			FOR UPDATE
		`, userID).Scan(&state.DailyCalls, &state.DailyResetAt, &state.RateLimitedUntil)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errQuotaUserMissing
			}
			return fmt.Errorf("failed to lock quota row: %w", err)
		}

		next, changed, err := fn(state)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE users
			SET daily_calls = $2, daily_reset_at = $3, rate_limited_until = $4
			WHERE id = $1
		`, userID, next.DailyCalls, next.DailyResetAt, next.RateLimitedUntil)
		if err != nil {
			return fmt.Errorf("failed to write quota state: %w", err)
		}
		return nil
	})
}

// IncrementDailyCalls adds one to the user's daily counter. The single
// UPDATE takes the same row lock UpdateQuota does.
func (s *QuotaStore) IncrementDailyCalls(ctx context.Context, userID string) error {
	result, err := s.repo.pool.Exec(ctx, `UPDATE users SET daily_calls = daily_calls + 1 WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to increment daily calls: %w", err)
	}
	if result.RowsAffected() == 0 {
		return errQuotaUserMissing
	}
	return nil
}
