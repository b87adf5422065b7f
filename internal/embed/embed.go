// Package embed wires up the external embeddings provider.
//
// The rest of the repository depends only on the ai.Embedder interface;
// this package owns provider selection, API-key checks and request rate
// limiting so stores stay testable with a mock embedder.
package embed

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"golang.org/x/time/rate"

	"github.com/beaconhq/beacon/internal/config"
)

// ErrMissingAPIKey indicates OPENAI_API_KEY is not set.
var ErrMissingAPIKey = errors.New("OPENAI_API_KEY is not set")

// NewEmbedder initializes Genkit with the OpenAI plugin and looks up the
// configured embedder model. The API key is read by the plugin from
// OPENAI_API_KEY; presence is checked here to fail fast at bootstrap.
func NewEmbedder(ctx context.Context, cfg *config.Config) (ai.Embedder, error) {
	if os.Getenv("OPENAI_API_KEY") == "" {
		return nil, ErrMissingAPIKey
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit with openai provider")
	}

	embedder := genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}

	if cfg.EmbedRateLimit > 0 {
		embedder = WithRateLimit(embedder, cfg.EmbedRateLimit)
	}
	return embedder, nil
}

// WithRateLimit wraps an embedder so calls are throttled to rps requests
// per second. Bursts of one keep retry storms from stacking up against
// the provider's quota.
func WithRateLimit(inner ai.Embedder, rps float64) ai.Embedder {
	return &limited{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), 1)}
}

type limited struct {
	inner   ai.Embedder
	limiter *rate.Limiter
}

func (l *limited) Name() string { return l.inner.Name() }

func (l *limited) Register(r api.Registry) { l.inner.Register(r) }

func (l *limited) Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embed rate limit wait: %w", err)
	}
	return l.inner.Embed(ctx, req)
}

// Text embeds a single text and validates the vector width against the
// persisted schema. A mismatched dimensionality would corrupt similarity
// search, so it is rejected here rather than at insert time.
func Text(ctx context.Context, embedder ai.Embedder, text string, wantDims int) ([]float32, error) {
	resp, err := embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(text, nil)},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, errors.New("empty embedding response")
	}
	vec := resp.Embeddings[0].Embedding
	if wantDims > 0 && len(vec) != wantDims {
		return nil, fmt.Errorf("embedding dimension mismatch: want %d, got %d", wantDims, len(vec))
	}
	return vec, nil
}
