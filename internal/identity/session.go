package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/beaconhq/beacon/internal/postgres"
)

const sessionCols = `session_id, user_id, expires_at, created_at`

// CreateSession issues a fresh opaque token for the user. A user re-login
// replaces any prior session for that user.
func (s *Store) CreateSession(ctx context.Context, userID int64) (*Session, error) {
	token, err := newSessionToken()
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}
	expiresAt := time.Now().Add(s.SessionTTL)

	tx, err := s.client.Begin(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx,
		`DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return nil, postgres.Classify(err)
	}

	var sess Session
	err = tx.QueryRow(ctx,
		`INSERT INTO sessions (session_id, user_id, expires_at)
		 VALUES ($1, $2, $3)
		 RETURNING `+sessionCols,
		token, userID, expiresAt,
	).Scan(&sess.SessionID, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return nil, postgres.Classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, postgres.Classify(err)
	}
	committed = true

	s.logger.Debug("session created", "user_id", userID, "expires_at", sess.ExpiresAt)
	return &sess, nil
}

// GetSession resolves a token. Expired or unknown tokens yield
// ErrNotFound; expired rows are deleted opportunistically.
func (s *Store) GetSession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty session token", postgres.ErrValidationFailed)
	}

	var sess Session
	err := s.client.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE session_id = $1`, token,
	).Scan(&sess.SessionID, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return nil, postgres.Classify(err)
	}

	if sess.Expired(time.Now()) {
		if _, err := s.client.Exec(ctx,
			`DELETE FROM sessions WHERE session_id = $1`, token); err != nil {
			s.logger.Warn("failed to delete expired session", "error", err)
		}
		return nil, fmt.Errorf("%w: session expired", postgres.ErrNotFound)
	}
	return &sess, nil
}

// DeleteSessionsForUser removes every session for a user, forcing
// re-authentication on all devices.
func (s *Store) DeleteSessionsForUser(ctx context.Context, userID int64) error {
	_, err := s.client.Exec(ctx,
		`DELETE FROM sessions WHERE user_id = $1`, userID)
	return err
}

// DeleteSession removes a session (logout). Unknown tokens are a no-op.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.client.Exec(ctx,
		`DELETE FROM sessions WHERE session_id = $1`, token)
	return err
}

// SweepExpiredSessions deletes all sessions past expiry and returns the
// number removed. Intended for a periodic janitor.
func (s *Store) SweepExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.client.Exec(ctx,
		`DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("swept expired sessions", "count", n)
		return n, nil
	}
	return 0, nil
}

// newSessionToken returns a 256-bit random opaque token.
func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
