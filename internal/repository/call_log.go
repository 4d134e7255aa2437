package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/rapigate/rapigate/internal/model"
)

// CallLogRepository provides database access for the call log.
type CallLogRepository struct {
	repo *Repository
}

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(repo *Repository) *CallLogRepository {
	return &CallLogRepository{repo: repo}
}

const insertCallQuery = `
	INSERT INTO api_calls_log (
		event_id, user_id, endpoint, route, status_code, latency_ms, dispatched, called_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (event_id) DO NOTHING
	RETURNING id
`

// Insert appends one record and, when it counts toward usage, bumps the
// owner's lifetime counter in the same transaction.
func (r *CallLogRepository) Insert(ctx context.Context, rec *model.CallRecord) error {
	return r.repo.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, insertCallQuery, callArgs(rec)...).Scan(&rec.ID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Duplicate event id, already stored.
				return nil
			}
			return fmt.Errorf("insert call record: %w", err)
		}

		if rec.CountsTowardUsage() {
			if err := bumpAPICalls(ctx, tx, *rec.UserID, 1); err != nil {
				return err
			}
		}
		return nil
	})
}

// BulkInsert stores records idempotently by event id and bumps lifetime
// counters only for rows that were actually inserted. Returns the number of
// new rows.
func (r *CallLogRepository) BulkInsert(ctx context.Context, recs []*model.CallRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	inserted := 0
	err := r.repo.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range recs {
			batch.Queue(insertCallQuery, callArgs(rec)...)
		}

		results := tx.SendBatch(ctx, batch)
		perUser := make(map[string]int64)
		for i, rec := range recs {
			err := results.QueryRow().Scan(&rec.ID)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				_ = results.Close()
				return fmt.Errorf("batch insert call %d: %w", i, err)
			}
			inserted++
			if rec.CountsTowardUsage() {
				perUser[*rec.UserID]++
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("close batch: %w", err)
		}

		// Fixed order keeps concurrent workers from deadlocking on row locks.
		userIDs := make([]string, 0, len(perUser))
		for id := range perUser {
			userIDs = append(userIDs, id)
		}
		sort.Strings(userIDs)

		for _, id := range userIDs {
			if err := bumpAPICalls(ctx, tx, id, perUser[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// RecentByUser returns the user's latest calls, newest first.
func (r *CallLogRepository) RecentByUser(ctx context.Context, userID string, limit int) ([]*model.CallRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := r.repo.pool.Query(ctx, `
		SELECT id, COALESCE(event_id, ''), user_id, endpoint, route, status_code, latency_ms, dispatched, called_at
		FROM api_calls_log
		WHERE user_id = $1
		ORDER BY called_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent calls: %w", err)
	}
	defer rows.Close()

	var recs []*model.CallRecord
	for rows.Next() {
		var rec model.CallRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.EventID,
			&rec.UserID,
			&rec.Endpoint,
			&rec.Route,
			&rec.StatusCode,
			&rec.LatencyMs,
			&rec.Dispatched,
			&rec.CalledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call records: %w", err)
	}
	return recs, nil
}

// Totals returns the gateway-wide counters.
func (r *CallLogRepository) Totals(ctx context.Context) (*model.GatewayTotals, error) {
	var totals model.GatewayTotals
	err := r.repo.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM api_calls_log),
			(SELECT COUNT(*) FROM users)
	`).Scan(&totals.TotalCalls, &totals.TotalUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to load totals: %w", err)
	}
	return &totals, nil
}

func bumpAPICalls(ctx context.Context, tx pgx.Tx, userID string, n int64) error {
	if _, err := tx.Exec(ctx, `UPDATE users SET api_calls = api_calls + $2 WHERE id = $1`, userID, n); err != nil {
		return fmt.Errorf("increment api calls for %s: %w", userID, err)
	}
	return nil
}

func callArgs(rec *model.CallRecord) []any {
	return []any{
		nullableString(rec.EventID),
		rec.UserID,
		rec.Endpoint,
		rec.Route,
		rec.StatusCode,
		rec.LatencyMs,
		rec.Dispatched,
		rec.CalledAt,
	}
}

// nullableString maps empty strings to NULL.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
