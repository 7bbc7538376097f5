package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liamcoop/ruleassist/internal/logger"
	"github.com/liamcoop/ruleassist/llm"
	"github.com/patrickmn/go-cache"
)

// Retriever embeds queries and searches a Store. Query embeddings are cached
// so repeated questions cost one embedding call.
type Retriever struct {
	embedder llm.Embedder
	store    Store
	cache    *cache.Cache
	minScore float64
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithCacheTTL sets how long query embeddings are kept. Zero disables the cache.
func WithCacheTTL(ttl time.Duration) RetrieverOption {
	return func(r *Retriever) {
		if ttl <= 0 {
			r.cache = nil
			return
		}
		r.cache = cache.New(ttl, 2*ttl)
	}
}

// WithMinScore drops matches scoring below min.
func WithMinScore(min float64) RetrieverOption {
	return func(r *Retriever) { r.minScore = min }
}

func NewRetriever(embedder llm.Embedder, store Store, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		embedder: embedder,
		store:    store,
		cache:    cache.New(10*time.Minute, 20*time.Minute),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Search returns up to topK chunks similar to query.
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("empty query")
	}

	vec, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	matches, err := r.store.Search(ctx, vec, topK)
	if err != nil {
		return nil, err
	}

	out := matches[:0]
	for _, m := range matches {
		if m.Score >= r.minScore {
			out = append(out, m)
		}
	}
	logger.Debug("knowledge search", "top_k", topK, "matches", len(out))
	return out, nil
}

func (r *Retriever) embed(ctx context.Context, query string) ([]float32, error) {
	key := strings.ToLower(query)
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			return v.([]float32), nil
		}
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if r.cache != nil {
		r.cache.SetDefault(key, vec)
	}
	return vec, nil
}
