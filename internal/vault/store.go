package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/beaconhq/beacon/internal/log"
	"github.com/beaconhq/beacon/internal/postgres"
)

// Credential is a stored third-party credential, password decrypted.
type Credential struct {
	ID         int64
	BusinessID string
	Service    string
	Username   string
	Password   string `json:"-"`
	Status     string
	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store manages the business_credentials table.
type Store struct {
	client *postgres.Client
	sealer *Sealer
	logger log.Logger
}

// NewStore creates a credential Store.
func NewStore(client *postgres.Client, sealer *Sealer, logger log.Logger) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if sealer == nil {
		return nil, ErrNoKey
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{client: client, sealer: sealer, logger: logger}, nil
}

// Upsert stores or replaces the credential for (businessID, service).
func (s *Store) Upsert(ctx context.Context, businessID, service, username, password string) error {
	if businessID == "" || service == "" || username == "" {
		return fmt.Errorf("%w: business_id, service and username are required",
			postgres.ErrValidationFailed)
	}

	blob, err := s.sealer.Seal(password)
	if err != nil {
		return err
	}

	_, err = s.client.Exec(ctx,
		`INSERT INTO business_credentials (business_id, service_name, username, encrypted_password)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (business_id, service_name)
		 DO UPDATE SET username = EXCLUDED.username,
		               encrypted_password = EXCLUDED.encrypted_password,
		               status = 'active',
		               updated_at = now()`,
		businessID, service, username, blob)
	if err != nil {
		return err
	}

	s.logger.Info("credential stored", "business_id", businessID, "service", service)
	return nil
}

// Get fetches and decrypts the credential for (businessID, service).
// Rows still in the legacy XOR format are re-sealed in place.
func (s *Store) Get(ctx context.Context, businessID, service string) (*Credential, error) {
	var (
		c    Credential
		blob string
	)
	err := s.client.QueryRow(ctx,
		`SELECT id, business_id, service_name, username, encrypted_password,
		        status, last_used_at, created_at, updated_at
		 FROM business_credentials
		 WHERE business_id = $1 AND service_name = $2`,
		businessID, service,
	).Scan(&c.ID, &c.BusinessID, &c.Service, &c.Username, &blob,
		&c.Status, &c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, postgres.Classify(err)
	}

	plaintext, legacy, err := s.sealer.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("opening credential %d: %w", c.ID, err)
	}
	c.Password = plaintext

	if legacy {
		s.resealLegacy(ctx, c.ID, plaintext)
	}
	return &c, nil
}

// resealLegacy upgrades a legacy XOR row to AES-GCM. Best effort: a
// failure leaves the readable legacy blob in place.
func (s *Store) resealLegacy(ctx context.Context, id int64, plaintext string) {
	blob, err := s.sealer.Seal(plaintext)
	if err != nil {
		s.logger.Warn("failed to re-seal legacy credential", "id", id, "error", err)
		return
	}
	if _, err := s.client.Exec(ctx,
		`UPDATE business_credentials SET encrypted_password = $1, updated_at = now() WHERE id = $2`,
		blob, id); err != nil {
		s.logger.Warn("failed to persist re-sealed credential", "id", id, "error", err)
		return
	}
	s.logger.Info("re-sealed legacy credential", "id", id)
}

// MarkUsed updates the credential's last-used timestamp.
func (s *Store) MarkUsed(ctx context.Context, businessID, service string) error {
	tag, err := s.client.Exec(ctx,
		`UPDATE business_credentials SET last_used_at = now()
		 WHERE business_id = $1 AND service_name = $2`,
		businessID, service)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: credential %s/%s", postgres.ErrNotFound, businessID, service)
	}
	return nil
}

// SetStatus transitions a credential between active and disabled.
func (s *Store) SetStatus(ctx context.Context, businessID, service, status string) error {
	if status != "active" && status != "disabled" {
		return fmt.Errorf("%w: unknown status %q", postgres.ErrValidationFailed, status)
	}
	tag, err := s.client.Exec(ctx,
		`UPDATE business_credentials SET status = $1, updated_at = now()
		 WHERE business_id = $2 AND service_name = $3`,
		status, businessID, service)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: credential %s/%s", postgres.ErrNotFound, businessID, service)
	}
	return nil
}

// Delete removes a stored credential.
func (s *Store) Delete(ctx context.Context, businessID, service string) error {
	tag, err := s.client.Exec(ctx,
		`DELETE FROM business_credentials WHERE business_id = $1 AND service_name = $2`,
		businessID, service)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: credential %s/%s", postgres.ErrNotFound, businessID, service)
	}
	return nil
}

// List returns the credentials stored for a business, passwords omitted.
func (s *Store) List(ctx context.Context, businessID string) ([]Credential, error) {
	rows, err := s.client.Query(ctx,
		`SELECT id, business_id, service_name, username, status,
		        last_used_at, created_at, updated_at
		 FROM business_credentials
		 WHERE business_id = $1
		 ORDER BY service_name`,
		businessID)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Credential, error) {
		var c Credential
		err := row.Scan(&c.ID, &c.BusinessID, &c.Service, &c.Username,
			&c.Status, &c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt)
		return c, err
	})
	if err != nil {
		return nil, postgres.Classify(err)
	}
	return out, nil
}
