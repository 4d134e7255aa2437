package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rapigate/rapigate/internal/model"
)

// ErrNotificationNotFound is returned when a notification does not exist or
// is not addressed to the user.
var ErrNotificationNotFound = errors.New("notification not found")

// NotificationListLimit caps how many notifications a user sees.
const NotificationListLimit = 50

// NotificationRepository provides database access for notifications.
type NotificationRepository struct {
	repo *Repository
}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository(repo *Repository) *NotificationRepository {
	return &NotificationRepository{repo: repo}
}

// Create stores a notification. A nil target broadcasts it. Returns
// ErrUserNotFound when the target does not exist.
func (r *NotificationRepository) Create(ctx context.Context, n *model.Notification) error {
	if n.Sender == "" {
		n.Sender = model.DefaultNotificationSender
	}

	err := r.repo.pool.QueryRow(ctx, `
		INSERT INTO notifications (sender, target_user_id, title, message)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, n.Sender, n.TargetUserID, n.Title, n.Message).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// ListForUser returns the latest notifications addressed to the user or
// broadcast, newest first, with the user's read state.
func (r *NotificationRepository) ListForUser(ctx context.Context, userID string) ([]*model.Notification, error) {
	rows, err := r.repo.pool.Query(ctx, `
		SELECT n.id, n.sender, n.target_user_id, n.title, n.message, n.created_at,
			nr.user_id IS NOT NULL
		FROM notifications n
		LEFT JOIN notification_reads nr ON nr.notification_id = n.id AND nr.user_id = $1
		WHERE n.target_user_id IS NULL OR n.target_user_id = $1
		ORDER BY n.created_at DESC, n.id DESC
		LIMIT $2
	`, userID, NotificationListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	notifications := []*model.Notification{}
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(
			&n.ID,
			&n.Sender,
			&n.TargetUserID,
			&n.Title,
			&n.Message,
			&n.CreatedAt,
			&n.Read,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}
	return notifications, nil
}

// MarkRead records that the user read one notification. Marking twice is a
// no-op. Returns ErrNotificationNotFound when the notification is not
// visible to the user.
func (r *NotificationRepository) MarkRead(ctx context.Context, userID string, id int64) error {
	return r.repo.inTx(ctx, func(tx pgx.Tx) error {
		var visible bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM notifications
				WHERE id = $1 AND (target_user_id IS NULL OR target_user_id = $2)
			)
		`, id, userID).Scan(&visible)
		if err != nil {
			return fmt.Errorf("failed to check notification: %w", err)
		}
		if !visible {
			return ErrNotificationNotFound
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO notification_reads (notification_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, id, userID); err != nil {
			return fmt.Errorf("failed to mark notification read: %w", err)
		}
		return nil
	})
}

// MarkAllRead marks every notification visible to the user as read and
// returns how many were newly marked.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	tag, err := r.repo.pool.Exec(ctx, `
		INSERT INTO notification_reads (notification_id, user_id)
		SELECT n.id, $1 FROM notifications n
		WHERE n.target_user_id IS NULL OR n.target_user_id = $1
		ON CONFLICT DO NOTHING
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return tag.RowsAffected(), nil
}
