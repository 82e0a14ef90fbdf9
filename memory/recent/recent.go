// Package recent implements the bounded per-character FIFO tier.
package recent

import (
	"container/list"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Protocol-Lattice/npc-memory/memory/model"
)

// Tier is the bounded recent-memory FIFO. In-process state is
// partitioned per character behind a single mutex; every operation is
// O(capacity), so one lock for the whole tier is cheap. Durability
// comes from a single consolidated snapshot file covering every
// character.
//
// The per-character queue uses container/list for O(1) push/pop. The
// eviction policy is pure FIFO-on-overflow, not recency-based.
type Tier struct {
	mu           sync.Mutex
	capacity     int
	queues       map[string]*list.List
	snapshotPath string
}

// New constructs a Tier bounded at capacity, snapshotting to snapshotPath.
func New(capacity int, snapshotPath string) *Tier {
	if capacity <= 0 {
		capacity = 5
	}
	return &Tier{
		capacity:     capacity,
		queues:       make(map[string]*list.List),
		snapshotPath: snapshotPath,
	}
}

func (t *Tier) queueFor(character string) *list.List {
	q, ok := t.queues[character]
	if !ok {
		q = list.New()
		t.queues[character] = q
	}
	return q
}

// Add appends entry to character's queue. If the queue was already at
// capacity, the head (oldest) element is evicted and returned.
func (t *Tier) Add(character string, entry model.Entry) (evicted *model.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queueFor(character)
	if q.Len() >= t.capacity {
		front := q.Front()
		val := front.Value.(model.Entry)
		q.Remove(front)
		evicted = &val
	}
	q.PushBack(entry)
	return evicted
}

// Get returns character's queue contents, oldest first.
func (t *Tier) Get(character string) []model.Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[character]
	if !ok {
		return nil
	}
	out := make([]model.Entry, 0, q.Len())
	for e := q.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(model.Entry))
	}
	return out
}

// Update rewrites the entry matching id in place. Returns false if absent.
func (t *Tier) Update(character, id, content string, metadata map[string]any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[character]
	if !ok {
		return false
	}
	for e := q.Front(); e != nil; e = e.Next() {
		cur := e.Value.(model.Entry)
		if cur.ID == id {
			e.Value = cur.WithUpdated(content, metadata)
			return true
		}
	}
	return false
}

// Delete removes the entry matching id. Returns false if absent.
func (t *Tier) Delete(character, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[character]
	if !ok {
		return false
	}
	for e := q.Front(); e != nil; e = e.Next() {
		if e.Value.(model.Entry).ID == id {
			q.Remove(e)
			return true
		}
	}
	return false
}

// Clear removes character's queue entirely, returning how many entries it held.
func (t *Tier) Clear(character string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[character]
	if !ok {
		return 0
	}
	n := q.Len()
	delete(t.queues, character)
	return n
}

// Characters lists every character with a non-empty queue.
func (t *Tier) Characters() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.queues))
	for c, q := range t.queues {
		if q.Len() > 0 {
			out = append(out, c)
		}
	}
	return out
}

// snapshot is the on-disk representation: character -> ordered entries.
type snapshot map[string][]model.Entry

// SnapshotToDisk writes every character's queue to the consolidated
// snapshot file as one unit, using write-to-temp-then-rename so a
// crash mid-write never corrupts the file.
func (t *Tier) SnapshotToDisk() error {
	t.mu.Lock()
	snap := make(snapshot, len(t.queues))
	for character, q := range t.queues {
		entries := make([]model.Entry, 0, q.Len())
		for e := q.Front(); e != nil; e = e.Next() {
			entries = append(entries, e.Value.(model.Entry))
		}
		snap[character] = entries
	}
	t.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("recent: marshal snapshot: %w", err)
	}
	dir := filepath.Dir(t.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("recent: create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-recent-*")
	if err != nil {
		return fmt.Errorf("recent: create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("recent: write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("recent: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, t.snapshotPath); err != nil {
		return fmt.Errorf("recent: rename temp snapshot: %w", err)
	}
	return nil
}

// RestoreFromDisk replays the persisted snapshot, keeping per-character
// order and sizes; a queue longer than the current capacity keeps only
// its newest capacity entries. A missing or truncated/corrupt file is
// treated as empty rather than an error.
func (t *Tier) RestoreFromDisk() error {
	data, err := os.ReadFile(t.snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recent: read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// Truncated/corrupt file: treat as empty, never crash.
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues = make(map[string]*list.List, len(snap))
	for character, entries := range snap {
		q := list.New()
		start := 0
		if len(entries) > t.capacity {
			start = len(entries) - t.capacity
		}
		for _, e := range entries[start:] {
			q.PushBack(e)
		}
		t.queues[character] = q
	}
	return nil
}
