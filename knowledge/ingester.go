package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/liamcoop/ruleassist/internal/logger"
	"github.com/liamcoop/ruleassist/llm"
)

// Ingester splits documents, embeds each chunk and writes them to a Store.
// It runs outside workflow runs.
type Ingester struct {
	embedder llm.Embedder
	store    Store
	size     int
	overlap  int
}

func NewIngester(embedder llm.Embedder, store Store, chunkSize, overlap int) *Ingester {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	return &Ingester{embedder: embedder, store: store, size: chunkSize, overlap: overlap}
}

// Ingest stores text under source and returns the number of chunks written.
// Re-ingesting a source overwrites chunks with the same index.
func (in *Ingester) Ingest(ctx context.Context, source, text string) (int, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return 0, errors.New("source is required")
	}
	parts := SplitText(text, in.size, in.overlap)
	if len(parts) == 0 {
		return 0, errors.New("text is empty")
	}

	chunks := make([]Chunk, 0, len(parts))
	for i, p := range parts {
		vec, err := in.embedder.Embed(ctx, p)
		if err != nil {
			return 0, fmt.Errorf("failed to embed chunk %d of %s: %w", i, source, err)
		}
		chunks = append(chunks, Chunk{Source: source, Index: i, Text: p, Embedding: vec})
	}

	if err := in.store.Add(ctx, chunks); err != nil {
		return 0, fmt.Errorf("failed to store chunks of %s: %w", source, err)
	}
	logger.Info("document ingested", "source", source, "chunks", len(chunks))
	return len(chunks), nil
}
