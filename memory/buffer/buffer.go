// Package buffer implements the durable staging tier between the
// recent FIFO and the vector index.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Protocol-Lattice/npc-memory/memory/embed"
	"github.com/Protocol-Lattice/npc-memory/memory/index"
	"github.com/Protocol-Lattice/npc-memory/memory/model"
)

// AddStatus reports whether an Add triggered the embed step.
type AddStatus int

const (
	Appended AddStatus = iota
	Embedded
)

// Tier is the per-character durable append-only staging buffer.
// Persistence is a per-character JSON file, full-file rewrite on every
// mutation; the threshold is a few dozen at most, so rewrites stay
// cheap. Embedding is delegated to an embed.Engine and storage to an
// index.Index; Tier only owns the saga that moves entries between them.
type Tier struct {
	dir           string
	threshold     int
	maxEmbedBatch int
	embedder      *embed.Engine
	vectorIndex   index.Index
	logger        *log.Logger

	mu      sync.Mutex
	loaded  map[string]bool
	entries map[string][]model.Entry
}

// New constructs a buffer tier rooted at dir, flushing to vectorIndex
// via embedder once a character's buffer reaches threshold entries.
// maxEmbedBatch bounds how many entries are embedded in one
// batched call (0 means unbounded), mirroring the max_embed_batch
// option.
func New(dir string, threshold, maxEmbedBatch int, embedder *embed.Engine, vectorIndex index.Index) *Tier {
	if threshold <= 0 {
		threshold = 10
	}
	return &Tier{
		dir:           dir,
		threshold:     threshold,
		maxEmbedBatch: maxEmbedBatch,
		embedder:      embedder,
		vectorIndex:   vectorIndex,
		logger:        log.New(os.Stderr, "buffer-tier: ", log.LstdFlags),
		loaded:        make(map[string]bool),
		entries:       make(map[string][]model.Entry),
	}
}

func (t *Tier) path(character string) string {
	return filepath.Join(t.dir, character+".json")
}

// ensureLoadedLocked lazily loads a character's buffer file. Callers
// must hold t.mu.
func (t *Tier) ensureLoadedLocked(character string) error {
	if t.loaded[character] {
		return nil
	}
	data, err := os.ReadFile(t.path(character))
	if os.IsNotExist(err) {
		t.entries[character] = nil
		t.loaded[character] = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("buffer: read file for %s: %w", character, err)
	}
	var entries []model.Entry
	if len(data) > 0 {
		if jsonErr := json.Unmarshal(data, &entries); jsonErr != nil {
			entries = nil
		}
	}
	t.entries[character] = entries
	t.loaded[character] = true
	return nil
}

func (t *Tier) persistLocked(character string) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("buffer: create dir: %w", err)
	}
	data, err := json.Marshal(t.entries[character])
	if err != nil {
		return fmt.Errorf("buffer: marshal %s: %w", character, err)
	}
	path := t.path(character)
	tmp, err := os.CreateTemp(t.dir, ".tmp-buffer-*")
	if err != nil {
		return fmt.Errorf("buffer: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("buffer: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("buffer: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("buffer: rename temp file: %w", err)
	}
	return nil
}

// Add appends entry to character's buffer file, then triggers the
// embed step if the buffer has reached threshold.
func (t *Tier) Add(ctx context.Context, character string, entry model.Entry) (AddStatus, error) {
	t.mu.Lock()
	if err := t.ensureLoadedLocked(character); err != nil {
		t.mu.Unlock()
		return Appended, err
	}
	t.entries[character] = append(t.entries[character], entry)
	if err := t.persistLocked(character); err != nil {
		t.mu.Unlock()
		return Appended, err
	}
	size := len(t.entries[character])
	t.mu.Unlock()

	if size >= t.threshold {
		if _, err := t.ForceEmbed(ctx, character); err != nil {
			// Embedding failure defers the transition; the buffer
			// keeps growing and the next add or forced embed retries.
			return Appended, err
		}
		return Embedded, nil
	}
	return Appended, nil
}

// Contents returns character's pending buffer entries, arrival order.
func (t *Tier) Contents(character string) ([]model.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(character); err != nil {
		return nil, err
	}
	out := make([]model.Entry, len(t.entries[character]))
	copy(out, t.entries[character])
	return out, nil
}

// Update rewrites the entry matching id in place. Returns false if absent.
func (t *Tier) Update(character, id, content string, metadata map[string]any) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(character); err != nil {
		return false, err
	}
	entries := t.entries[character]
	for i := range entries {
		if entries[i].ID == id {
			entries[i] = entries[i].WithUpdated(content, metadata)
			return true, t.persistLocked(character)
		}
	}
	return false, nil
}

// Delete removes the entry matching id. Returns false if absent.
func (t *Tier) Delete(character, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(character); err != nil {
		return false, err
	}
	entries := t.entries[character]
	for i := range entries {
		if entries[i].ID == id {
			t.entries[character] = append(entries[:i], entries[i+1:]...)
			return true, t.persistLocked(character)
		}
	}
	return false, nil
}

// Characters lists every character with a buffer file on disk.
func (t *Tier) Characters() ([]string, error) {
	dirEntries, err := os.ReadDir(t.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("buffer: list dir: %w", err)
	}
	var out []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	return out, nil
}

// Clear removes character's buffer entirely, returning how many entries it held.
func (t *Tier) Clear(character string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(character); err != nil {
		return 0, err
	}
	n := len(t.entries[character])
	delete(t.entries, character)
	delete(t.loaded, character)
	path := t.path(character)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return n, fmt.Errorf("buffer: remove file for %s: %w", character, err)
	}
	return n, nil
}

// ForceEmbed runs the embed step immediately regardless of buffer size.
//
// The step is a saga, atomic from the caller's viewpoint:
//  1. read all current entries
//  2. embed_many(contents)
//  3. vector_index.add(char, entries, vectors)
//  4. truncate the buffer file
//
// A failure at step 2 or 3 leaves the buffer file untouched (step 4
// never runs). If step 4 fails after step 3 succeeded, the ids are
// already durable in the vector index; a retry's step 3 re-probes the
// index and skips ids already present, making the buffer-to-index
// transition idempotent. Two consecutive ForceEmbed calls with no
// intervening adds return 0 on the second call.
func (t *Tier) ForceEmbed(ctx context.Context, character string) (int, error) {
	t.mu.Lock()
	if err := t.ensureLoadedLocked(character); err != nil {
		t.mu.Unlock()
		return 0, err
	}
	pending := make([]model.Entry, len(t.entries[character]))
	copy(pending, t.entries[character])
	t.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	// Skip ids already present in the vector index: recovers from a
	// crash between steps 3 and 4 of a prior attempt.
	fresh := pending[:0:0]
	for _, e := range pending {
		has, err := t.vectorIndex.Has(ctx, character, e.ID)
		if err != nil {
			return 0, fmt.Errorf("buffer: probe existing vectors: %w", err)
		}
		if !has {
			fresh = append(fresh, e)
		}
	}

	embeddedCount := 0
	batchSize := t.maxEmbedBatch
	if batchSize <= 0 {
		batchSize = len(fresh)
	}
	for start := 0; start < len(fresh); start += batchSize {
		end := start + batchSize
		if end > len(fresh) {
			end = len(fresh)
		}
		batch := fresh[start:end]
		if len(batch) == 0 {
			continue
		}
		texts := make([]string, len(batch))
		for i, e := range batch {
			texts[i] = e.Content
		}
		vectors, err := t.embedder.EmbedMany(ctx, texts)
		if err != nil {
			t.logger.Printf("embed_many failed for %s, buffer left intact: %v", character, err)
			return embeddedCount, fmt.Errorf("buffer: embed batch: %w", err)
		}
		if err := t.vectorIndex.Add(ctx, character, batch, vectors); err != nil {
			t.logger.Printf("vector index add failed for %s, buffer left intact: %v", character, err)
			return embeddedCount, fmt.Errorf("buffer: index add: %w", err)
		}
		embeddedCount += len(batch)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Remove exactly the ids we just confirmed embedded (plus any that
	// were already present from a prior partial attempt), leaving any
	// entry added concurrently during this embed step intact.
	embeddedIDs := make(map[string]struct{}, len(pending))
	for _, e := range pending {
		embeddedIDs[e.ID] = struct{}{}
	}
	remaining := t.entries[character][:0:0]
	for _, e := range t.entries[character] {
		if _, done := embeddedIDs[e.ID]; !done {
			remaining = append(remaining, e)
		}
	}
	t.entries[character] = remaining
	if err := t.persistLocked(character); err != nil {
		return embeddedCount, fmt.Errorf("buffer: truncate after embed: %w", err)
	}
	return embeddedCount, nil
}
