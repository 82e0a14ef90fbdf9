package index

import (
	"context"
	"testing"

	"github.com/Protocol-Lattice/npc-memory/memory/model"
)

func vec(seed float32) []float32 {
	v := make([]float32, 4)
	for i := range v {
		v[i] = seed + float32(i)
	}
	return v
}

func TestLocalStoreAddQueryClear(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	e1 := model.NewEntry("alpha", nil)
	e2 := model.NewEntry("beta", nil)
	if err := store.Add(ctx, "zee", []model.Entry{e1, e2}, [][]float32{vec(1), vec(2)}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	count, err := store.Count(ctx, "zee")
	if err != nil || count != 2 {
		t.Fatalf("Count = %d, err %v; want 2, nil", count, err)
	}

	results, err := store.Query(ctx, "zee", vec(2), 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Entry.ID != e2.ID {
		t.Fatalf("expected closest match to be e2, got %s", results[0].Entry.ID)
	}

	ok, err := store.Delete(ctx, "zee", e1.ID)
	if err != nil || !ok {
		t.Fatalf("Delete = %v, err %v; want true, nil", ok, err)
	}
	if count, _ := store.Count(ctx, "zee"); count != 1 {
		t.Fatalf("expected 1 entry after delete, got %d", count)
	}

	if err := store.Clear(ctx, "zee"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	all, err := store.GetAll(ctx, "zee")
	if err != nil || len(all) != 0 {
		t.Fatalf("expected empty collection after clear, got %d entries, err %v", len(all), err)
	}
}

func TestLocalStoreRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	e := model.NewEntry("alpha", nil)
	if err := store.Add(ctx, "zee", []model.Entry{e}, [][]float32{vec(1)}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Add(ctx, "zee", []model.Entry{e}, [][]float32{vec(1)}); err == nil {
		t.Fatal("expected error inserting duplicate id")
	}
}

func TestLocalStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	e := model.NewEntry("alpha", nil)
	if err := store.Add(ctx, "zee", []model.Entry{e}, [][]float32{vec(1)}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	reopened, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore (reopen): %v", err)
	}
	has, err := reopened.Has(ctx, "zee", e.ID)
	if err != nil || !has {
		t.Fatalf("expected entry to survive reopen, has=%v err=%v", has, err)
	}
}
