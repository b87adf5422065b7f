package identity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/beaconhq/beacon/internal/postgres"
)

const notificationCols = `id, user_id, business_id, message, is_read, created_at`

// Notify records a notification for a user, optionally tied to a business.
func (s *Store) Notify(ctx context.Context, userID int64, businessID, message string) (*Notification, error) {
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", postgres.ErrValidationFailed)
	}

	row := s.client.QueryRow(ctx,
		`INSERT INTO notifications (user_id, business_id, message)
		 VALUES ($1, $2, $3)
		 RETURNING `+notificationCols,
		userID, nullable(businessID), message)
	n, err := scanNotification(row)
	if err != nil {
		return nil, postgres.Classify(err)
	}
	return n, nil
}

// ListUnreadNotifications returns a user's unread notifications, newest first.
func (s *Store) ListUnreadNotifications(ctx context.Context, userID int64, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.client.Query(ctx,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE user_id = $1 AND is_read = false
		 ORDER BY created_at DESC
		 LIMIT `+fmt.Sprint(limit),
		userID)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Notification, error) {
		n, err := scanNotification(row)
		if err != nil {
			return Notification{}, err
		}
		return *n, nil
	})
	if err != nil {
		return nil, postgres.Classify(err)
	}
	return out, nil
}

// MarkNotificationRead marks one notification as read, scoped to its owner.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, notificationID int64) error {
	tag, err := s.client.Exec(ctx,
		`UPDATE notifications SET is_read = true WHERE id = $1 AND user_id = $2`,
		notificationID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: notification %d", postgres.ErrNotFound, notificationID)
	}
	return nil
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var (
		n          Notification
		businessID *string
	)
	err := row.Scan(&n.ID, &n.UserID, &businessID, &n.Message, &n.IsRead, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	if businessID != nil {
		n.BusinessID = *businessID
	}
	return &n, nil
}
