package recent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Protocol-Lattice/npc-memory/memory/model"
)

func TestFIFOEviction(t *testing.T) {
	tier := New(5, filepath.Join(t.TempDir(), "snap.json"))
	var entries []model.Entry
	for i := 0; i < 6; i++ {
		entries = append(entries, model.NewEntry("memory", nil))
	}

	var evicted *model.Entry
	for _, e := range entries {
		evicted = tier.Add("c", e)
	}

	if evicted == nil || evicted.ID != entries[0].ID {
		t.Fatalf("expected e1 evicted on 6th add")
	}
	got := tier.Get("c")
	if len(got) != 5 {
		t.Fatalf("expected 5 entries in recent tier, got %d", len(got))
	}
	for i, e := range got {
		if e.ID != entries[i+1].ID {
			t.Fatalf("entry %d mismatch: got %s want %s", i, e.ID, entries[i+1].ID)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	tier := New(5, path)
	for i := 0; i < 3; i++ {
		tier.Add("c1", model.NewEntry("c1-memory", nil))
	}
	for i := 0; i < 12; i++ {
		tier.Add("c2", model.NewEntry("c2-memory", nil))
	}

	if err := tier.SnapshotToDisk(); err != nil {
		t.Fatalf("SnapshotToDisk: %v", err)
	}

	restored := New(5, path)
	if err := restored.RestoreFromDisk(); err != nil {
		t.Fatalf("RestoreFromDisk: %v", err)
	}
	if got := restored.Get("c1"); len(got) != 3 {
		t.Fatalf("c1: expected 3 entries, got %d", len(got))
	}
	if got := restored.Get("c2"); len(got) != 5 {
		t.Fatalf("c2: expected 5 entries (capacity-bounded), got %d", len(got))
	}
}

func TestRestoreFromDiskTreatsCorruptFileAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt snapshot: %v", err)
	}
	tier := New(5, path)
	if err := tier.RestoreFromDisk(); err != nil {
		t.Fatalf("RestoreFromDisk on corrupt file should not error: %v", err)
	}
	if got := tier.Get("anyone"); len(got) != 0 {
		t.Fatalf("expected empty tier after corrupt restore, got %d entries", len(got))
	}
}

func TestClearReturnsCount(t *testing.T) {
	tier := New(5, filepath.Join(t.TempDir(), "snap.json"))
	for i := 0; i < 4; i++ {
		tier.Add("c", model.NewEntry("memory", nil))
	}
	if n := tier.Clear("c"); n != 4 {
		t.Fatalf("expected Clear to report 4, got %d", n)
	}
	if got := tier.Get("c"); len(got) != 0 {
		t.Fatalf("expected empty after clear, got %d", len(got))
	}
}
