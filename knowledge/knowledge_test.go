package knowledge

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liamcoop/ruleassist/llm/llmtest"
)

func TestSplitText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    int
	}{
		{"empty", "   ", 10, 0, 0},
		{"shorter than size", "hello world", 100, 10, 1},
		{"no size", "hello world", 0, 0, 1},
		{"exact windows", strings.Repeat("a", 30), 10, 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitText(tt.text, tt.size, tt.overlap)
			if len(got) != tt.want {
				t.Errorf("Expected %d chunks, got %d: %q", tt.want, len(got), got)
			}
		})
	}
}

func TestSplitTextKeepsWordsAndOverlaps(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("rules apply here ", 20))
	chunks := SplitText(text, 40, 10)
	if len(chunks) < 2 {
		t.Fatalf("Expected several chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 40 {
			t.Errorf("Chunk exceeds size: %q", c)
		}
	}
	for i := 0; i < len(chunks)-1; i++ {
		last := chunks[i][len(chunks[i])-3:]
		if !strings.Contains(chunks[i+1], last) {
			t.Errorf("Expected chunk %d to overlap the end of chunk %d", i+1, i)
		}
	}
	for _, c := range chunks[:len(chunks)-1] {
		fields := strings.Fields(c)
		tail := fields[len(fields)-1]
		if tail != "rules" && tail != "apply" && tail != "here" {
			t.Errorf("Expected chunk to end on a whole word, got %q", tail)
		}
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Errorf("Expected 1, got %f", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("Expected 0, got %f", got)
	}
	if got := Cosine([]float32{1}, []float32{1, 2}); got != 0 {
		t.Errorf("Expected 0 for mismatched lengths, got %f", got)
	}
	if got := Cosine([]float32{0, 0}, []float32{1, 1}); got != 0 {
		t.Errorf("Expected 0 for zero vector, got %f", got)
	}
}

func TestMemoryStoreSearchOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	err := store.Add(ctx, []Chunk{
		{Source: "a", Index: 0, Text: "east", Embedding: []float32{1, 0}},
		{Source: "a", Index: 1, Text: "north", Embedding: []float32{0, 1}},
		{Source: "b", Index: 0, Text: "north-east", Embedding: []float32{1, 1}},
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	got, err := store.Search(ctx, []float32{1, 0.1}, 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 2 || got[0].Text != "east" || got[1].Text != "north-east" {
		t.Errorf("Unexpected ranking: %+v", got)
	}

	if err := store.Add(ctx, []Chunk{{Source: "a", Index: 0, Text: "replaced", Embedding: []float32{1, 0}}}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if store.Len() != 3 {
		t.Errorf("Expected re-add to replace, got %d chunks", store.Len())
	}

	if err := store.Add(ctx, []Chunk{{Source: "c", Text: "no vector"}}); err == nil {
		t.Error("Expected error for chunk without embedding")
	}
}

type countingEmbedder struct {
	llmtest.HashEmbedder
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.HashEmbedder.Embed(ctx, text)
}

func TestIngestAndRetrieve(t *testing.T) {
	ctx := context.Background()
	emb := &countingEmbedder{}
	store := NewMemoryStore()

	n, err := NewIngester(emb, store, 60, 0).Ingest(ctx, "policy.txt",
		"Loyalty members receive free shipping on every order. "+
			"Kitchen staff must complete food safety training before their first shift.")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if n < 2 {
		t.Fatalf("Expected at least 2 chunks, got %d", n)
	}

	r := NewRetriever(emb, store)
	before := emb.calls.Load()
	got, err := r.Search(ctx, "food safety training for kitchen staff", 1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 1 || !strings.Contains(got[0].Text, "food safety") {
		t.Errorf("Expected the food safety chunk, got %+v", got)
	}

	if _, err := r.Search(ctx, "Food safety training for kitchen staff", 1); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if calls := emb.calls.Load() - before; calls != 1 {
		t.Errorf("Expected cached query embedding, got %d embed calls", calls)
	}
}

func TestRetrieverMinScoreAndErrors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Add(ctx, []Chunk{{Source: "s", Text: "unrelated", Embedding: []float32{0, 1}}})

	r := NewRetriever(staticEmbedder{1, 0}, store, WithMinScore(0.5), WithCacheTTL(0))
	got, err := r.Search(ctx, "anything", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected low-score match to be dropped, got %+v", got)
	}

	if _, err := r.Search(ctx, "  ", 5); err == nil {
		t.Error("Expected error for empty query")
	}

	failing := NewRetriever(llmtest.HashEmbedder{Err: errors.New("quota")}, store)
	if _, err := failing.Search(ctx, "q", 1); err == nil {
		t.Error("Expected embedder error to surface")
	}
}

func TestIngestValidation(t *testing.T) {
	in := NewIngester(llmtest.HashEmbedder{}, NewMemoryStore(), 100, 10)
	if _, err := in.Ingest(context.Background(), "", "text"); err == nil {
		t.Error("Expected error for empty source")
	}
	if _, err := in.Ingest(context.Background(), "doc", "   "); err == nil {
		t.Error("Expected error for empty text")
	}
}

func TestWithCacheTTL(t *testing.T) {
	r := NewRetriever(llmtest.HashEmbedder{}, NewMemoryStore(), WithCacheTTL(time.Minute))
	if r.cache == nil {
		t.Error("Expected cache to be configured")
	}
}

type staticEmbedder []float32

func (s staticEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32(s), nil
}
