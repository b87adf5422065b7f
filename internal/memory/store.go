// Package memory manages business-scoped notes with semantic recall.
//
// A memory is a short note attached to one business: a task, a summary,
// or a custom annotation. Each memory carries an embedding so Recall can
// surface relevant notes by meaning rather than keywords.
//
// Store is safe for concurrent use by multiple goroutines.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/beaconhq/beacon/internal/embed"
	"github.com/beaconhq/beacon/internal/log"
	"github.com/beaconhq/beacon/internal/postgres"
)

// Type categorizes a memory.
type Type string

const (
	TypeTask    Type = "task"
	TypeSummary Type = "summary"
	TypeCustom  Type = "custom"
)

// valid reports whether t is a known memory type.
func (t Type) valid() bool {
	switch t {
	case TypeTask, TypeSummary, TypeCustom:
		return true
	}
	return false
}

// Memory is one stored note.
type Memory struct {
	ID          int64
	BusinessID  string
	Type        Type
	Content     string
	IsCompleted bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RecallResult is a Memory with its similarity to the recall query.
type RecallResult struct {
	Memory     Memory
	Similarity float64
}

const memoryCols = `id, business_id, memory_type, content, is_completed, created_at, updated_at`

// Store manages the memories table.
type Store struct {
	client   *postgres.Client
	embedder ai.Embedder
	logger   log.Logger
	dims     int
}

// New creates a memory Store.
func New(client *postgres.Client, embedder ai.Embedder, dims int, logger log.Logger) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{client: client, embedder: embedder, logger: logger, dims: dims}, nil
}

// Add stores a new memory for a business, embedding its content.
func (s *Store) Add(ctx context.Context, businessID, content string, memType Type) (*Memory, error) {
	if businessID == "" || content == "" {
		return nil, fmt.Errorf("%w: business_id and content are required", postgres.ErrValidationFailed)
	}
	if !memType.valid() {
		return nil, fmt.Errorf("%w: unknown memory type %q", postgres.ErrValidationFailed, memType)
	}

	vec, err := embed.Text(ctx, s.embedder, content, s.dims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", postgres.ErrUpstreamFailure, err)
	}

	row := s.client.QueryRow(ctx,
		`INSERT INTO memories (business_id, memory_type, content, embedding)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+memoryCols,
		businessID, string(memType), content, pgvector.NewVector(vec))

	m, err := scanMemory(row)
	if err != nil {
		return nil, postgres.Classify(err)
	}
	s.logger.Debug("added memory", "business_id", businessID, "type", memType, "id", m.ID)
	return m, nil
}

// List returns memories for a business, newest first. memType filters by
// type when non-empty.
func (s *Store) List(ctx context.Context, businessID string, memType Type, limit int) ([]Memory, error) {
	if businessID == "" {
		return nil, fmt.Errorf("%w: business_id is required", postgres.ErrValidationFailed)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	sql := `SELECT ` + memoryCols + ` FROM memories WHERE business_id = $1`
	args := []any{businessID}
	if memType != "" {
		if !memType.valid() {
			return nil, fmt.Errorf("%w: unknown memory type %q", postgres.ErrValidationFailed, memType)
		}
		sql += ` AND memory_type = $2`
		args = append(args, string(memType))
	}
	sql += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.client.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Memory, error) {
		m, err := scanMemory(row)
		if err != nil {
			return Memory{}, err
		}
		return *m, nil
	})
	if err != nil {
		return nil, postgres.Classify(err)
	}
	return out, nil
}

// Complete marks a task memory as completed.
func (s *Store) Complete(ctx context.Context, id int64) error {
	tag, err := s.client.Exec(ctx,
		`UPDATE memories SET is_completed = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: memory %d", postgres.ErrNotFound, id)
	}
	return nil
}

// Delete removes a memory.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.client.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: memory %d", postgres.ErrNotFound, id)
	}
	return nil
}

// Recall returns the business's memories most similar to query, with the
// same similarity semantics as document search: inclusive threshold,
// descending order, capped at limit.
func (s *Store) Recall(ctx context.Context, businessID, query string, limit int, threshold float64) ([]RecallResult, error) {
	if businessID == "" || query == "" {
		return nil, fmt.Errorf("%w: business_id and query are required", postgres.ErrValidationFailed)
	}
	if limit <= 0 {
		limit = 5
	}

	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	vec, err := embed.Text(queryCtx, s.embedder, query, s.dims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", postgres.ErrUpstreamFailure, err)
	}

	rows, err := s.client.Query(queryCtx,
		`SELECT `+memoryCols+`, 1 - (embedding <=> $1) AS similarity
		 FROM memories
		 WHERE business_id = $2
		   AND embedding IS NOT NULL
		   AND 1 - (embedding <=> $1) >= $3
		 ORDER BY similarity DESC
		 LIMIT `+fmt.Sprint(limit),
		pgvector.NewVector(vec), businessID, threshold)
	if err != nil {
		return nil, err
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (RecallResult, error) {
		var r RecallResult
		err := row.Scan(&r.Memory.ID, &r.Memory.BusinessID, &r.Memory.Type,
			&r.Memory.Content, &r.Memory.IsCompleted,
			&r.Memory.CreatedAt, &r.Memory.UpdatedAt, &r.Similarity)
		return r, err
	})
	if err != nil {
		return nil, postgres.Classify(err)
	}
	return out, nil
}

func scanMemory(row pgx.Row) (*Memory, error) {
	var m Memory
	err := row.Scan(&m.ID, &m.BusinessID, &m.Type, &m.Content,
		&m.IsCompleted, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
