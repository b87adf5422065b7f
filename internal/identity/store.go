package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/beaconhq/beacon/internal/log"
	"github.com/beaconhq/beacon/internal/postgres"
)

const userCols = `id, email, password_hash, display_name, created_at, last_login`

// Store manages the users table and its dependents.
type Store struct {
	client *postgres.Client
	logger log.Logger

	// SessionTTL is the lifetime of newly issued sessions.
	SessionTTL time.Duration
}

// New creates an identity Store.
func New(client *postgres.Client, sessionTTL time.Duration, logger log.Logger) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{client: client, logger: logger, SessionTTL: sessionTTL}, nil
}

// Register creates a new user with a bcrypt-hashed password.
// A duplicate email surfaces as ErrValidationFailed.
func (s *Store) Register(ctx context.Context, email, password, displayName string) (*User, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: invalid email", postgres.ErrValidationFailed)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("%w: password too short", postgres.ErrValidationFailed)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	row := s.client.QueryRow(ctx,
		`INSERT INTO users (email, password_hash, display_name)
		 VALUES ($1, $2, $3)
		 RETURNING `+userCols,
		email, string(hash), nullable(displayName))
	u, err := scanUser(row)
	if err != nil {
		err = postgres.Classify(err)
		if errors.Is(err, postgres.ErrSchemaConflict) {
			return nil, fmt.Errorf("%w: email already registered", postgres.ErrValidationFailed)
		}
		return nil, err
	}

	s.logger.Info("user registered", "user_id", u.ID)
	return u, nil
}

// GetUserByEmail looks up a user; missing email yields ErrNotFound.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.client.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE email = $1`, normalizeEmail(email))
	u, err := scanUser(row)
	if err != nil {
		return nil, postgres.Classify(err)
	}
	return u, nil
}

// Authenticate verifies an email/password pair and touches last_login.
// Failures return ErrInvalidCredentials regardless of cause.
func (s *Store) Authenticate(ctx context.Context, email, password string) (*User, error) {
	u, err := s.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	if _, err := s.client.Exec(ctx,
		`UPDATE users SET last_login = now() WHERE id = $1`, u.ID); err != nil {
		// Login still succeeds; the timestamp is best effort.
		s.logger.Warn("failed to touch last_login", "user_id", u.ID, "error", err)
	}
	return u, nil
}

// UpdateProfile updates mutable profile fields.
func (s *Store) UpdateProfile(ctx context.Context, userID int64, displayName string) error {
	tag, err := s.client.Exec(ctx,
		`UPDATE users SET display_name = $1 WHERE id = $2`, nullable(displayName), userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %d", postgres.ErrNotFound, userID)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u           User
		displayName *string
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &displayName,
		&u.CreatedAt, &u.LastLogin)
	if err != nil {
		return nil, err
	}
	if displayName != nil {
		u.DisplayName = *displayName
	}
	return &u, nil
}
