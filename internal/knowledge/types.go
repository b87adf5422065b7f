package knowledge

import "time"

// Document is one entry in a collection's corpus.
type Document struct {
	ID         int64
	Collection string
	DocumentID string            // optional application grouping key
	Content    string            // text content, embedded on store
	Metadata   map[string]string // optional metadata (source, type, etc.)
	CreatedAt  time.Time
}

// Result is a single similarity search hit.
type Result struct {
	Document   Document
	Similarity float64 // cosine similarity, descending in result order
}

// SearchOption configures FindSimilar using the functional options pattern.
type SearchOption func(*searchConfig)

type searchConfig struct {
	limit     int
	threshold float64
	filterIDs []int64
	timeout   time.Duration
}

// WithLimit caps the number of results. Default is 5.
func WithLimit(n int) SearchOption {
	return func(c *searchConfig) { c.limit = n }
}

// WithThreshold sets the minimum similarity (inclusive).
// Practically in [0, 1] for normalized embeddings. Default is 0.
func WithThreshold(t float64) SearchOption {
	return func(c *searchConfig) { c.threshold = t }
}

// WithFilterIDs restricts search to the given document IDs.
func WithFilterIDs(ids []int64) SearchOption {
	return func(c *searchConfig) { c.filterIDs = ids }
}

func buildSearchConfig(opts []SearchOption) *searchConfig {
	cfg := &searchConfig{
		limit:   5,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
