// Package model defines the data shared by every memory tier.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Entry is one atomic memory belonging to a single character.
//
// ID and Timestamp are immutable once written; Content and Metadata
// change only through an explicit update (WithUpdated).
type Entry struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEntry assigns a fresh id and the current timestamp to content.
func NewEntry(content string, metadata map[string]any) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  CloneMetadata(metadata),
	}
}

// WithUpdated returns a copy of e with content and metadata replaced.
// ID and Timestamp are preserved.
func (e Entry) WithUpdated(content string, metadata map[string]any) Entry {
	e.Content = content
	e.Metadata = CloneMetadata(metadata)
	return e
}

// CloneMetadata returns an independent copy of meta, never nil.
func CloneMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return cp
}
