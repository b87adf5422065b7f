package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/beaconhq/beacon/internal/postgres"
)

const businessCols = `business_id, user_id, name, status, google_account_email, created_at, updated_at`

// AddBusiness creates a business owned by userID with a generated public ID.
func (s *Store) AddBusiness(ctx context.Context, userID int64, name string) (*Business, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: business name is required", postgres.ErrValidationFailed)
	}

	businessID := "biz_" + uuid.NewString()
	row := s.client.QueryRow(ctx,
		`INSERT INTO businesses (business_id, user_id, name)
		 VALUES ($1, $2, $3)
		 RETURNING `+businessCols,
		businessID, userID, name)
	b, err := scanBusiness(row)
	if err != nil {
		return nil, postgres.Classify(err)
	}

	s.logger.Info("business created", "business_id", b.BusinessID, "user_id", userID)
	return b, nil
}

// GetBusiness fetches one business by public ID. Soft-deleted businesses
// are reported as ErrNotFound.
func (s *Store) GetBusiness(ctx context.Context, businessID string) (*Business, error) {
	row := s.client.QueryRow(ctx,
		`SELECT `+businessCols+` FROM businesses
		 WHERE business_id = $1 AND status <> $2`,
		businessID, StatusDeleted)
	b, err := scanBusiness(row)
	if err != nil {
		return nil, postgres.Classify(err)
	}
	return b, nil
}

// ListBusinessesForUser returns the user's businesses, excluding
// soft-deleted ones, newest first.
func (s *Store) ListBusinessesForUser(ctx context.Context, userID int64) ([]Business, error) {
	rows, err := s.client.Query(ctx,
		`SELECT `+businessCols+` FROM businesses
		 WHERE user_id = $1 AND status <> $2
		 ORDER BY created_at DESC`,
		userID, StatusDeleted)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Business, error) {
		b, err := scanBusiness(row)
		if err != nil {
			return Business{}, err
		}
		return *b, nil
	})
	if err != nil {
		return nil, postgres.Classify(err)
	}
	return out, nil
}

// SetBusinessStatus transitions a business between active, noncompliant
// and deleted. Deletion is always a soft delete: the row stays for audit
// and credential history, and all read paths filter it out.
func (s *Store) SetBusinessStatus(ctx context.Context, businessID, status string) error {
	switch status {
	case StatusActive, StatusNoncompliant, StatusDeleted:
	default:
		return fmt.Errorf("%w: unknown status %q", postgres.ErrValidationFailed, status)
	}

	tag, err := s.client.Exec(ctx,
		`UPDATE businesses SET status = $1, updated_at = now() WHERE business_id = $2`,
		status, businessID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: business %s", postgres.ErrNotFound, businessID)
	}

	s.logger.Info("business status changed", "business_id", businessID, "status", status)
	return nil
}

// SetGoogleAccount records the linked Google account for a business.
// The refresh token is stored as-is; sealing it belongs to the vault.
func (s *Store) SetGoogleAccount(ctx context.Context, businessID, email, refreshToken string) error {
	tag, err := s.client.Exec(ctx,
		`UPDATE businesses
		 SET google_account_email = $1, google_refresh_token = $2, updated_at = now()
		 WHERE business_id = $3`,
		nullable(email), nullable(refreshToken), businessID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: business %s", postgres.ErrNotFound, businessID)
	}
	return nil
}

func scanBusiness(row pgx.Row) (*Business, error) {
	var (
		b           Business
		googleEmail *string
	)
	err := row.Scan(&b.BusinessID, &b.UserID, &b.Name, &b.Status,
		&googleEmail, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if googleEmail != nil {
		b.GoogleAccountEmail = *googleEmail
	}
	return &b, nil
}
