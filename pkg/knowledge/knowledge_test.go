package knowledge

import (
	"context"
	"testing"
)

func newTestIndex(t *testing.T) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex(Options{MinRelevance: 0.1})
	if err != nil {
		t.Fatalf("NewChromemIndex failed: %v", err)
	}
	return idx
}

func TestIngestAndRetrieve(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	id, err := idx.Ingest(ctx, "Paris is the capital of France", map[string]string{"source": "manual"})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected non-empty passage id")
	}

	passages, err := idx.Retrieve(ctx, "capital of France", 1)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(passages) != 1 {
		t.Fatalf("Expected 1 passage, got %d", len(passages))
	}
	if passages[0].Text != "Paris is the capital of France" {
		t.Errorf("Unexpected passage text: %q", passages[0].Text)
	}
	if passages[0].Metadata["source"] != "manual" {
		t.Errorf("Expected metadata source=manual, got %v", passages[0].Metadata)
	}
	if passages[0].Score <= 0 {
		t.Errorf("Expected positive score, got %f", passages[0].Score)
	}
}

func TestRetrieveEmptyIndex(t *testing.T) {
	idx := newTestIndex(t)

	passages, err := idx.Retrieve(context.Background(), "anything", 3)
	if err != nil {
		t.Fatalf("Retrieve on empty index failed: %v", err)
	}
	if len(passages) != 0 {
		t.Errorf("Expected empty result, got %d passages", len(passages))
	}
}

func TestRetrieveRanksByRelevance(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	docs := []string{
		"Paris is the capital of France",
		"Berlin is the capital of Germany",
		"The Eiffel Tower is in Paris France",
	}
	for _, d := range docs {
		if _, err := idx.Ingest(ctx, d, nil); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}

	passages, err := idx.Retrieve(ctx, "capital of France", 3)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(passages) == 0 {
		t.Fatal("Expected results")
	}
	for i := 1; i < len(passages); i++ {
		if passages[i].Score > passages[i-1].Score {
			t.Errorf("Results not ordered by descending score: %f before %f",
				passages[i-1].Score, passages[i].Score)
		}
	}
	if passages[0].Text != "Paris is the capital of France" {
		t.Errorf("Expected best match first, got %q", passages[0].Text)
	}
}

func TestRetrieveClampsTopK(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if _, err := idx.Ingest(ctx, "only one passage here", nil); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// topK beyond the document count must not error.
	passages, err := idx.Retrieve(ctx, "passage", 10)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(passages) > 1 {
		t.Errorf("Expected at most 1 passage, got %d", len(passages))
	}
}

func TestIngestEmptyText(t *testing.T) {
	idx := newTestIndex(t)

	if _, err := idx.Ingest(context.Background(), "   ", nil); err == nil {
		t.Error("Expected error for empty text")
	}
}

func TestMinRelevanceThreshold(t *testing.T) {
	idx, err := NewChromemIndex(Options{MinRelevance: 0.99})
	if err != nil {
		t.Fatalf("NewChromemIndex failed: %v", err)
	}
	ctx := context.Background()

	if _, err := idx.Ingest(ctx, "completely unrelated content about gardening", nil); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	passages, err := idx.Retrieve(ctx, "quantum chromodynamics lattice simulations", 1)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(passages) != 0 {
		t.Errorf("Expected no passage above threshold, got %d", len(passages))
	}
}

func TestLocalEmbeddingFunc(t *testing.T) {
	embed := LocalEmbeddingFunc()
	ctx := context.Background()

	a, err := embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	b, err := embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("Expected deterministic embeddings")
		}
	}

	// Normalized.
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if norm < 0.99 || norm > 1.01 {
		t.Errorf("Expected unit norm, got %f", norm)
	}

	// Empty input still yields a non-zero vector.
	c, err := embed(ctx, "")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	var sum float32
	for _, v := range c {
		sum += v
	}
	if sum == 0 {
		t.Error("Expected non-zero vector for empty input")
	}
}
