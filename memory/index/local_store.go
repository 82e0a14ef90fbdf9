package index

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Protocol-Lattice/npc-memory/memory/model"
)

// row is one persisted (id, content, metadata, timestamp, vector) tuple.
type row struct {
	Entry  model.Entry `json:"entry"`
	Vector []float32   `json:"vector"`
}

// LocalStore is the default Index backend: one JSON file per
// character under dir, fully loaded into memory and linearly scanned
// on query. Mutations persist with the same write-to-temp-then-rename
// discipline the recent-tier snapshot uses.
type LocalStore struct {
	dir string

	mu         sync.RWMutex
	collection map[string][]row // character -> rows, load-on-demand
	loaded     map[string]bool
}

// NewLocalStore returns a store rooted at dir, creating it if absent.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create vector store dir: %v", ErrStorageFailure, err)
	}
	return &LocalStore{
		dir:        dir,
		collection: make(map[string][]row),
		loaded:     make(map[string]bool),
	}, nil
}

func (s *LocalStore) path(character string) string {
	return filepath.Join(s.dir, character+".json")
}

// ensureLoadedLocked reads a character's collection file once, lazily.
// Callers must hold s.mu for writing.
func (s *LocalStore) ensureLoadedLocked(character string) error {
	if s.loaded[character] {
		return nil
	}
	data, err := os.ReadFile(s.path(character))
	if os.IsNotExist(err) {
		s.collection[character] = nil
		s.loaded[character] = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read collection %s: %v", ErrStorageFailure, character, err)
	}
	var rows []row
	if len(data) > 0 {
		if err := json.Unmarshal(data, &rows); err != nil {
			// A truncated/corrupt file is treated as empty, matching
			// the recent-tier snapshot's crash-safety contract.
			rows = nil
		}
	}
	s.collection[character] = rows
	s.loaded[character] = true
	return nil
}

func (s *LocalStore) persistLocked(character string) error {
	data, err := json.Marshal(s.collection[character])
	if err != nil {
		return fmt.Errorf("%w: marshal collection %s: %v", ErrStorageFailure, character, err)
	}
	return writeFileAtomic(s.path(character), data)
}

func (s *LocalStore) Add(_ context.Context, character string, entries []model.Entry, vectors [][]float32) error {
	if len(entries) != len(vectors) {
		return fmt.Errorf("%w: entries/vectors length mismatch", ErrStorageFailure)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(character); err != nil {
		return err
	}
	existing := make(map[string]struct{}, len(s.collection[character]))
	for _, r := range s.collection[character] {
		existing[r.Entry.ID] = struct{}{}
	}
	for i, e := range entries {
		if _, dup := existing[e.ID]; dup {
			return fmt.Errorf("%w: id %s already present in collection %s", ErrStorageFailure, e.ID, character)
		}
		s.collection[character] = append(s.collection[character], row{Entry: e, Vector: vectors[i]})
		existing[e.ID] = struct{}{}
	}
	return s.persistLocked(character)
}

func (s *LocalStore) Query(_ context.Context, character string, queryVector []float32, k int) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(character); err != nil {
		return nil, err
	}
	rows := s.collection[character]
	scored := make([]Scored, 0, len(rows))
	for _, r := range rows {
		d := CosineDistance(queryVector, r.Vector)
		scored = append(scored, Scored{Entry: r.Entry, Score: Similarity(d)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.Timestamp.After(scored[j].Entry.Timestamp)
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *LocalStore) GetAll(_ context.Context, character string) ([]model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(character); err != nil {
		return nil, err
	}
	rows := s.collection[character]
	out := make([]model.Entry, len(rows))
	for i, r := range rows {
		out[i] = r.Entry
	}
	return out, nil
}

func (s *LocalStore) Update(_ context.Context, character, id, content string, metadata map[string]any, vector []float32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(character); err != nil {
		return false, err
	}
	rows := s.collection[character]
	for i := range rows {
		if rows[i].Entry.ID == id {
			rows[i].Entry = rows[i].Entry.WithUpdated(content, metadata)
			rows[i].Vector = vector
			if err := s.persistLocked(character); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *LocalStore) Delete(_ context.Context, character, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(character); err != nil {
		return false, err
	}
	rows := s.collection[character]
	for i := range rows {
		if rows[i].Entry.ID == id {
			s.collection[character] = append(rows[:i], rows[i+1:]...)
			if err := s.persistLocked(character); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *LocalStore) Clear(_ context.Context, character string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collection, character)
	delete(s.loaded, character)
	err := os.Remove(s.path(character))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove collection %s: %v", ErrStorageFailure, character, err)
	}
	return nil
}

func (s *LocalStore) Count(_ context.Context, character string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(character); err != nil {
		return 0, err
	}
	return len(s.collection[character]), nil
}

// Characters lists every character with a collection file on disk.
func (s *LocalStore) Characters(_ context.Context) ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list collections: %v", ErrStorageFailure, err)
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

func (s *LocalStore) Has(_ context.Context, character, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(character); err != nil {
		return false, err
	}
	for _, r := range s.collection[character] {
		if r.Entry.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// writeFileAtomic writes data to path by writing to a sibling
// temporary file and renaming, so a crash mid-write never leaves a
// half-written collection file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrStorageFailure, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp file: %v", ErrStorageFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file: %v", ErrStorageFailure, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename temp file: %v", ErrStorageFailure, err)
	}
	return nil
}
