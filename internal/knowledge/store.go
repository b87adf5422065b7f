// Package knowledge manages document storage with vector search.
//
// Documents are grouped by collection_name, embedded through an external
// ai.Embedder and searched with pgvector cosine similarity.
//
// Store is safe for concurrent use by multiple goroutines.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/beaconhq/beacon/internal/embed"
	"github.com/beaconhq/beacon/internal/log"
	"github.com/beaconhq/beacon/internal/postgres"
)

// Store manages the documents and document_chunks tables.
type Store struct {
	client   *postgres.Client
	embedder ai.Embedder
	logger   log.Logger
	dims     int
}

// New creates a Store. dims is the embedding width enforced on every
// stored and queried vector (the schema fixes 1536).
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

// StoreDocuments embeds and inserts a batch of documents into collection.
//
// Per-item embedding failures are logged and skipped. Survivors are
// inserted inside one transaction, which commits only when at least one
// insert succeeded; a batch with zero successes rolls back and fails as
// a whole. Returns the IDs of the committed rows in batch order.
func (s *Store) StoreDocuments(ctx context.Context, collection string, batch []Document) ([]int64, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: collection is required", postgres.ErrValidationFailed)
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: empty batch", postgres.ErrValidationFailed)
	}

	// Embed outside the transaction so no connection is held across
	// provider round trips.
	type embedded struct {
		doc Document
		vec pgvector.Vector
	}
	survivors := make([]embedded, 0, len(batch))
	for i, doc := range batch {
		if doc.Content == "" {
			s.logger.Warn("skipping document with empty content", "index", i)
			continue
		}
		vec, err := embed.Text(ctx, s.embedder, doc.Content, s.dims)
		if err != nil {
			s.logger.Warn("embedding failed, skipping document", "index", i, "error", err)
			continue
		}
		survivors = append(survivors, embedded{doc: doc, vec: pgvector.NewVector(vec)})
	}
	if len(survivors) == 0 {
		return nil, fmt.Errorf("%w: embedding failed for entire batch of %d",
			postgres.ErrUpstreamFailure, len(batch))
	}

	tx, err := s.client.Begin(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Debug("batch rollback", "error", rbErr)
			}
		}
	}()

	ids := make([]int64, 0, len(survivors))
	for _, e := range survivors {
		metadataJSON, err := json.Marshal(metadataOrEmpty(e.doc.Metadata))
		if err != nil {
			s.logger.Warn("metadata marshal failed, skipping document", "error", err)
			continue
		}
		var id int64
		err = tx.QueryRow(ctx,
			`INSERT INTO documents (collection_name, document_id, content, metadata, embedding)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			collection, nullable(e.doc.DocumentID), e.doc.Content, metadataJSON, e.vec,
		).Scan(&id)
		if err != nil {
			s.logger.Warn("document insert failed, skipping", "error", err)
			continue
		}
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no document in batch could be stored",
			postgres.ErrUpstreamFailure)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, postgres.Classify(err)
	}
	committed = true

	s.logger.Debug("stored documents",
		"collection", collection, "requested", len(batch), "stored", len(ids))
	return ids, nil
}

// FindSimilar embeds query and returns the documents in collection whose
// cosine similarity (1 - cosine distance) is at or above the threshold,
// ordered descending, capped at the limit.
func (s *Store) FindSimilar(ctx context.Context, collection, query string, opts ...SearchOption) ([]Result, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: collection is required", postgres.ErrValidationFailed)
	}
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", postgres.ErrValidationFailed)
	}
	cfg := buildSearchConfig(opts)
	if cfg.limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", postgres.ErrValidationFailed)
	}

	// Bound the whole search so a slow provider or vector scan cannot
	// hold the request open indefinitely.
	queryCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	vec, err := embed.Text(queryCtx, s.embedder, query, s.dims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", postgres.ErrUpstreamFailure, err)
	}
	queryVec := pgvector.NewVector(vec)

	sql := `SELECT id, document_id, content, metadata, created_at,
			1 - (embedding <=> $1) AS similarity
		FROM documents
		WHERE collection_name = $2
		  AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $1) >= $3`
	args := []any{queryVec, collection, cfg.threshold}
	if len(cfg.filterIDs) > 0 {
		sql += ` AND id = ANY($4)`
		args = append(args, cfg.filterIDs)
	}
	sql += fmt.Sprintf(` ORDER BY similarity DESC LIMIT %d`, cfg.limit)

	rows, err := s.client.Query(queryCtx, sql, args...)
	if err != nil {
		return nil, err
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Result, error) {
		return s.scanResult(row, collection)
	})
	if err != nil {
		return nil, postgres.Classify(err)
	}

	s.logger.Debug("similarity search",
		"collection", collection, "results", len(results), "threshold", cfg.threshold)
	return results, nil
}

// DeleteDocuments removes the given documents from collection and
// returns the number of rows deleted. Chunks follow via cascade.
func (s *Store) DeleteDocuments(ctx context.Context, collection string, ids []int64) (int64, error) {
	if collection == "" {
		return 0, fmt.Errorf("%w: collection is required", postgres.ErrValidationFailed)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.client.Exec(ctx,
		`DELETE FROM documents WHERE collection_name = $1 AND id = ANY($2)`,
		collection, ids)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("deleted documents", "collection", collection, "count", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// CountDocuments returns the number of documents in collection.
func (s *Store) CountDocuments(ctx context.Context, collection string) (int64, error) {
	var count int64
	err := s.client.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE collection_name = $1`,
		collection).Scan(&count)
	if err != nil {
		return 0, postgres.Classify(err)
	}
	return count, nil
}

func (s *Store) scanResult(row pgx.CollectableRow, collection string) (Result, error) {
	var (
		r            Result
		documentID   *string
		metadataJSON []byte
	)
	if err := row.Scan(&r.Document.ID, &documentID, &r.Document.Content,
		&metadataJSON, &r.Document.CreatedAt, &r.Similarity); err != nil {
		return Result{}, err
	}
	r.Document.Collection = collection
	if documentID != nil {
		r.Document.DocumentID = *documentID
	}
	if err := json.Unmarshal(metadataJSON, &r.Document.Metadata); err != nil {
		s.logger.Warn("failed to parse metadata", "document_id", r.Document.ID, "error", err)
		r.Document.Metadata = map[string]string{}
	}
	return r, nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// chunkSize and chunkOverlap control StoreChunked splitting (runes).
const (
	chunkSize    = 1200
	chunkOverlap = 200
)

// StoreChunked stores one oversized document as a parent row plus
// overlapping chunks in document_chunks, each chunk embedded separately.
// Short content degrades to a plain StoreDocuments of one item.
func (s *Store) StoreChunked(ctx context.Context, collection string, doc Document) (int64, int, error) {
	runes := []rune(doc.Content)
	if len(runes) <= chunkSize {
		ids, err := s.StoreDocuments(ctx, collection, []Document{doc})
		if err != nil {
			return 0, 0, err
		}
		return ids[0], 0, nil
	}

	// Parent row carries the full text; its own embedding is the first
	// chunk's, good enough for collection-level search.
	head := string(runes[:chunkSize])
	vec, err := embed.Text(ctx, s.embedder, head, s.dims)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", postgres.ErrUpstreamFailure, err)
	}
	metadataJSON, err := json.Marshal(metadataOrEmpty(doc.Metadata))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", postgres.ErrValidationFailed, err)
	}

	var parentID int64
	err = s.client.QueryRow(ctx,
		`INSERT INTO documents (collection_name, document_id, content, metadata, embedding)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		collection, nullable(doc.DocumentID), doc.Content, metadataJSON, pgvector.NewVector(vec),
	).Scan(&parentID)
	if err != nil {
		return 0, 0, postgres.Classify(err)
	}

	stored := 0
	for idx, start := 0, 0; start < len(runes); idx, start = idx+1, start+chunkSize-chunkOverlap {
		end := min(start+chunkSize, len(runes))
		chunk := string(runes[start:end])

		cvec, err := embed.Text(ctx, s.embedder, chunk, s.dims)
		if err != nil {
			s.logger.Warn("chunk embedding failed, skipping",
				"document", parentID, "chunk", idx, "error", err)
			continue
		}
		_, err = s.client.Exec(ctx,
			`INSERT INTO document_chunks (document_id, chunk_index, content, metadata, embedding)
			 VALUES ($1, $2, $3, $4, $5)`,
			parentID, idx, chunk, metadataJSON, pgvector.NewVector(cvec))
		if err != nil {
			s.logger.Warn("chunk insert failed, skipping",
				"document", parentID, "chunk", idx, "error", err)
			continue
		}
		stored++
		if end == len(runes) {
			break
		}
	}

	s.logger.Debug("stored chunked document",
		"collection", collection, "document", parentID, "chunks", stored)
	return parentID, stored, nil
}
