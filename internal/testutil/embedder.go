// Package testutil provides shared testing utilities for the beacon
// project: a deterministic mock embedder and a PostgreSQL container
// harness with the full schema applied.
package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
)

// MockEmbedder implements ai.Embedder deterministically: the same text
// always produces the same unit vector, and distinct texts produce
// near-orthogonal vectors, so exact-content queries score ~1.0 while
// unrelated content scores ~0. Specific vectors can be pinned with
// SetVector for ordering tests, and failures scripted per-substring.
type MockEmbedder struct {
	mu sync.Mutex

	// Dims is the width of generated vectors.
	Dims int

	// FailSubstr, when non-empty, fails any input containing it.
	FailSubstr string

	// Err, when non-nil, fails every call.
	Err error

	// Calls counts Embed invocations.
	Calls int

	pinned map[string][]float32
}

// NewMockEmbedder creates a MockEmbedder producing vectors of the given width.
func NewMockEmbedder(dims int) *MockEmbedder {
	return &MockEmbedder{Dims: dims, pinned: make(map[string][]float32)}
}

// SetVector pins the vector returned for an exact text.
func (m *MockEmbedder) SetVector(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[text] = vec
}

func (m *MockEmbedder) Name() string { return "mock-embedder" }

func (m *MockEmbedder) Register(api.Registry) {}

func (m *MockEmbedder) Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++

	if m.Err != nil {
		return nil, m.Err
	}

	resp := &ai.EmbedResponse{}
	for _, doc := range req.Input {
		text := docText(doc)
		if m.FailSubstr != "" && strings.Contains(text, m.FailSubstr) {
			return nil, errEmbedScripted
		}
		vec, ok := m.pinned[text]
		if !ok {
			vec = deterministicVector(text, m.Dims)
		}
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{Embedding: vec})
	}
	return resp, nil
}

var errEmbedScripted = scriptedError("scripted embedding failure")

type scriptedError string

func (e scriptedError) Error() string { return string(e) }

func docText(doc *ai.Document) string {
	if doc == nil || len(doc.Content) == 0 {
		return ""
	}
	return doc.Content[0].Text
}

// deterministicVector derives a normalized pseudo-random vector from text.
func deterministicVector(text string, dims int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64()))) // #nosec G404 -- test determinism, not crypto

	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		v := rng.Float64()*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
