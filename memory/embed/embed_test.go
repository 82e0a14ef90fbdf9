package embed

import (
	"context"
	"errors"
	"testing"
)

func TestEngineDegradesToDummyOnLoadFailure(t *testing.T) {
	e := NewEngine(BackendAuto)
	e.loadFn = func(Backend) (Embedder, error) { return nil, errors.New("boom") }

	vec, err := e.EmbedOne(context.Background(), "hello")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(vec) != embeddingDim {
		t.Fatalf("expected dummy vector of dim %d, got %d", embeddingDim, len(vec))
	}
	if e.Status() != StatusFailed {
		t.Fatalf("expected status failed, got %v", e.Status())
	}
}

func TestEngineEmbedManyPreservesOrderAndLength(t *testing.T) {
	e := NewEngine(BackendAuto)
	e.loadFn = func(Backend) (Embedder, error) { return DummyEmbedder{}, nil }

	texts := []string{"a", "b", "c"}
	vecs, err := e.EmbedMany(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedMany: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vecs))
	}
	for i, text := range texts {
		want := DummyEmbedding(text)
		got := vecs[i]
		if len(got) != len(want) {
			t.Fatalf("vector %d: dim mismatch", i)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("vector %d diverges from expected dummy embedding at %d", i, j)
			}
		}
	}
}

func TestWarmupIdempotent(t *testing.T) {
	e := NewEngine(BackendAuto)
	calls := 0
	e.loadFn = func(Backend) (Embedder, error) {
		calls++
		return DummyEmbedder{}, nil
	}
	ctx := context.Background()
	if err := e.Warmup(ctx); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	if err := e.Warmup(ctx); err != nil {
		t.Fatalf("warmup (second call): %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected backend loaded exactly once, loaded %d times", calls)
	}
	if e.Status() != StatusReady {
		t.Fatalf("expected ready status, got %v", e.Status())
	}
}
