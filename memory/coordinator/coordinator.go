// Package coordinator orchestrates the recent, buffer and longterm
// tiers; it is the only component with knowledge of all three.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Protocol-Lattice/npc-memory/memory/buffer"
	"github.com/Protocol-Lattice/npc-memory/memory/embed"
	"github.com/Protocol-Lattice/npc-memory/memory/index"
	"github.com/Protocol-Lattice/npc-memory/memory/model"
	"github.com/Protocol-Lattice/npc-memory/memory/recent"
)

// Sentinel errors; re-exported by the top-level memory package as part
// of its public error taxonomy.
var (
	ErrEmptyContent = errors.New("coordinator: content is empty")
	ErrNotFound     = errors.New("coordinator: not found")
)

// Location names a tier, returned by Update/Delete/export so callers
// know where an entry lived.
type Location string

const (
	LocationRecent   Location = "recent"
	LocationBuffer   Location = "buffer"
	LocationLongterm Location = "longterm"
	LocationNone     Location = ""
)

// AddResult reports where a new memory landed and what it displaced.
type AddResult struct {
	ID                 string
	StoredIn           Location
	EvictedToBuffer    bool
	BufferAutoEmbedded bool
}

// Context is the composite retrieval result: recent memories plus,
// when a query was given, semantically relevant ones.
type Context struct {
	Recent   []model.Entry
	Relevant []index.Scored
}

// ClearResult reports per-tier counts from a clear operation.
type ClearResult struct {
	RecentDeleted   int
	BufferDeleted   int
	LongtermDeleted int
}

// CharacterSummary is one row of list_characters.
type CharacterSummary struct {
	Character     string
	RecentCount   int
	BufferCount   int
	LongtermCount int
	LastInsert    time.Time
}

// ExportedEntry annotates an entry with the tier it was read from.
type ExportedEntry struct {
	Entry    model.Entry
	Location Location
}

// ImportRequest is one entry to import; Timestamp, if non-zero,
// overrides the generated one.
type ImportRequest struct {
	Character string
	Content   string
	Metadata  map[string]any
	Timestamp time.Time
}

// ImportFailure records one failed import row without aborting the batch.
type ImportFailure struct {
	Index int
	Error string
}

// Coordinator orchestrates the recent, buffer and vector-index tiers
// and exposes the composite memory operations.
type Coordinator struct {
	recent      *recent.Tier
	bufferTier  *buffer.Tier
	vectorIndex index.Index
	embedder    *embed.Engine
	defaultK    int
	locks       *keyedLock
	logger      *log.Logger
}

// New constructs a Coordinator over already-built tiers. Use
// config.Lifecycle (package memory/config) to build and wire the
// tiers per the recognized options; New itself performs no I/O.
func New(recentTier *recent.Tier, bufferTier *buffer.Tier, vectorIndex index.Index, embedder *embed.Engine, defaultK int) *Coordinator {
	if defaultK <= 0 {
		defaultK = 5
	}
	return &Coordinator{
		recent:      recentTier,
		bufferTier:  bufferTier,
		vectorIndex: vectorIndex,
		embedder:    embedder,
		defaultK:    defaultK,
		locks:       newKeyedLock(),
		logger:      log.New(os.Stderr, "memory-coordinator: ", log.LstdFlags),
	}
}

// Add builds a new entry, places it in the recent tier, and routes any
// eviction into the buffer tier, which may itself trigger an
// auto-embed.
func (c *Coordinator) Add(ctx context.Context, character, content string, metadata map[string]any) (AddResult, error) {
	return c.add(ctx, character, content, metadata, time.Time{})
}

// add is the shared insert path; a non-zero ts overrides the generated
// timestamp before the entry enters any tier, so the override can
// never race with a concurrent eviction.
func (c *Coordinator) add(ctx context.Context, character, content string, metadata map[string]any, ts time.Time) (AddResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return AddResult{}, ErrEmptyContent
	}
	lock := c.locks.lockFor(character)
	lock.Lock()
	defer lock.Unlock()

	entry := model.NewEntry(content, metadata)
	if !ts.IsZero() {
		entry.Timestamp = ts
	}
	evicted := c.recent.Add(character, entry)
	result := AddResult{ID: entry.ID, StoredIn: LocationRecent}
	if evicted == nil {
		return result, nil
	}
	result.EvictedToBuffer = true
	status, err := c.bufferTier.Add(ctx, character, *evicted)
	if err != nil {
		c.logger.Printf("buffer add deferred for %s: %v", character, err)
		// Embedding failure defers auto-embed; the eviction into the
		// buffer itself still succeeded, so Add still reports success.
		return result, nil
	}
	result.BufferAutoEmbedded = status == buffer.Embedded
	return result, nil
}

// GetRecent passes through to the recent tier.
func (c *Coordinator) GetRecent(character string) []model.Entry {
	lock := c.locks.lockFor(character)
	lock.RLock()
	defer lock.RUnlock()
	return c.recent.Get(character)
}

// Search embeds queryText and queries the vector index. Returns an
// empty result if the character's collection doesn't exist or is
// empty.
func (c *Coordinator) Search(ctx context.Context, character, queryText string, k int) ([]index.Scored, error) {
	if k <= 0 {
		k = c.defaultK
	}
	lock := c.locks.lockFor(character)
	lock.RLock()
	defer lock.RUnlock()

	vec, err := c.embedder.EmbedOne(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", embed.ErrUnavailable, err)
	}
	results, err := c.vectorIndex.Query(ctx, character, vec, k)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetContext fetches recent unconditionally and, if queryText is
// non-empty, also fetches relevant results. The two sets are
// independent and may overlap by id; deduplication is left to callers.
func (c *Coordinator) GetContext(ctx context.Context, character, queryText string, k int) (Context, error) {
	out := Context{Recent: c.GetRecent(character)}
	if strings.TrimSpace(queryText) == "" {
		return out, nil
	}
	relevant, err := c.Search(ctx, character, queryText, k)
	if err != nil {
		return out, err
	}
	out.Relevant = relevant
	return out, nil
}

// Update probes recent, then buffer, then the vector index, updating
// in whichever tier the id is found and reporting that location.
func (c *Coordinator) Update(ctx context.Context, character, id, content string, metadata map[string]any) (Location, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return LocationNone, ErrEmptyContent
	}
	lock := c.locks.lockFor(character)
	lock.Lock()
	defer lock.Unlock()

	if c.recent.Update(character, id, content, metadata) {
		return LocationRecent, nil
	}
	if ok, err := c.bufferTier.Update(character, id, content, metadata); err != nil {
		return LocationNone, err
	} else if ok {
		return LocationBuffer, nil
	}
	vec, err := c.embedder.EmbedOne(ctx, content)
	if err != nil {
		return LocationNone, fmt.Errorf("%w: %v", embed.ErrUnavailable, err)
	}
	if ok, err := c.vectorIndex.Update(ctx, character, id, content, metadata, vec); err != nil {
		return LocationNone, err
	} else if ok {
		return LocationLongterm, nil
	}
	return LocationNone, ErrNotFound
}

// Delete probes the same tier order as Update.
func (c *Coordinator) Delete(ctx context.Context, character, id string) (Location, error) {
	lock := c.locks.lockFor(character)
	lock.Lock()
	defer lock.Unlock()

	if c.recent.Delete(character, id) {
		return LocationRecent, nil
	}
	if ok, err := c.bufferTier.Delete(character, id); err != nil {
		return LocationNone, err
	} else if ok {
		return LocationBuffer, nil
	}
	if ok, err := c.vectorIndex.Delete(ctx, character, id); err != nil {
		return LocationNone, err
	} else if ok {
		return LocationLongterm, nil
	}
	return LocationNone, ErrNotFound
}

// Clear destroys all three tiers for character, leaving no orphan
// vectors, files or in-memory state.
func (c *Coordinator) Clear(ctx context.Context, character string) (ClearResult, error) {
	lock := c.locks.lockFor(character)
	lock.Lock()
	recentN := c.recent.Clear(character)
	bufferN, err := c.bufferTier.Clear(character)
	if err != nil {
		lock.Unlock()
		return ClearResult{}, err
	}
	longtermN, err := c.vectorIndex.Count(ctx, character)
	if err != nil {
		lock.Unlock()
		return ClearResult{}, err
	}
	if err := c.vectorIndex.Clear(ctx, character); err != nil {
		lock.Unlock()
		return ClearResult{}, err
	}
	lock.Unlock()
	c.locks.forget(character)

	return ClearResult{RecentDeleted: recentN, BufferDeleted: bufferN, LongtermDeleted: longtermN}, nil
}

// ForceEmbed delegates to the buffer tier's immediate embed step.
func (c *Coordinator) ForceEmbed(ctx context.Context, character string) (int, error) {
	lock := c.locks.lockFor(character)
	lock.Lock()
	defer lock.Unlock()
	return c.bufferTier.ForceEmbed(ctx, character)
}

// EmbeddingStatus reports the embedding engine's lifecycle state, used
// by the health endpoint; it never blocks on a load attempt.
func (c *Coordinator) EmbeddingStatus() embed.Status {
	return c.embedder.Status()
}

// ListCharacters reports per-character counts across tiers. Characters
// known only to the buffer or vector index (e.g. after a restart with
// an empty recent queue) are discovered from their persisted state.
func (c *Coordinator) ListCharacters(ctx context.Context) ([]CharacterSummary, error) {
	seen := make(map[string]struct{})
	var order []string
	add := func(ch string) {
		if _, ok := seen[ch]; !ok {
			seen[ch] = struct{}{}
			order = append(order, ch)
		}
	}
	for _, ch := range c.recent.Characters() {
		add(ch)
	}
	buffered, err := c.bufferTier.Characters()
	if err != nil {
		return nil, err
	}
	for _, ch := range buffered {
		add(ch)
	}
	indexed, err := c.vectorIndex.Characters(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range indexed {
		add(ch)
	}
	sort.Strings(order)

	summaries := make([]CharacterSummary, 0, len(order))
	for _, character := range order {
		lock := c.locks.lockFor(character)
		lock.RLock()
		recentEntries := c.recent.Get(character)
		bufferEntries, err := c.bufferTier.Contents(character)
		if err != nil {
			lock.RUnlock()
			return nil, err
		}
		longtermCount, err := c.vectorIndex.Count(ctx, character)
		if err != nil {
			lock.RUnlock()
			return nil, err
		}
		lock.RUnlock()

		if len(recentEntries) == 0 && len(bufferEntries) == 0 && longtermCount == 0 {
			continue
		}
		summary := CharacterSummary{
			Character:     character,
			RecentCount:   len(recentEntries),
			BufferCount:   len(bufferEntries),
			LongtermCount: longtermCount,
		}
		if len(recentEntries) > 0 {
			summary.LastInsert = recentEntries[len(recentEntries)-1].Timestamp
		} else if len(bufferEntries) > 0 {
			summary.LastInsert = bufferEntries[len(bufferEntries)-1].Timestamp
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Export produces a self-describing bundle of every entry for
// character, annotated by the tier it currently lives in.
func (c *Coordinator) Export(ctx context.Context, character string) ([]ExportedEntry, error) {
	lock := c.locks.lockFor(character)
	lock.RLock()
	defer lock.RUnlock()

	var out []ExportedEntry
	for _, e := range c.recent.Get(character) {
		out = append(out, ExportedEntry{Entry: e, Location: LocationRecent})
	}
	bufferEntries, err := c.bufferTier.Contents(character)
	if err != nil {
		return nil, err
	}
	for _, e := range bufferEntries {
		out = append(out, ExportedEntry{Entry: e, Location: LocationBuffer})
	}
	longtermEntries, err := c.vectorIndex.GetAll(ctx, character)
	if err != nil {
		return nil, err
	}
	for _, e := range longtermEntries {
		out = append(out, ExportedEntry{Entry: e, Location: LocationLongterm})
	}
	return out, nil
}

// Import treats each request as a fresh add, so entries flow through
// the recent tier and may trigger evictions. A supplied timestamp is
// applied before the entry enters the recent tier, so it survives any
// later eviction. Failures are collected per-item rather than
// aborting the batch.
func (c *Coordinator) Import(ctx context.Context, requests []ImportRequest) (imported int, failed []ImportFailure) {
	for i, req := range requests {
		if _, err := c.add(ctx, req.Character, req.Content, req.Metadata, req.Timestamp); err != nil {
			failed = append(failed, ImportFailure{Index: i, Error: err.Error()})
			continue
		}
		imported++
	}
	return imported, failed
}
