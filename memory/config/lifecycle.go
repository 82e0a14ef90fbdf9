package config

import (
	"context"
	"fmt"

	"github.com/Protocol-Lattice/npc-memory/memory/buffer"
	"github.com/Protocol-Lattice/npc-memory/memory/coordinator"
	"github.com/Protocol-Lattice/npc-memory/memory/embed"
	"github.com/Protocol-Lattice/npc-memory/memory/index"
	"github.com/Protocol-Lattice/npc-memory/memory/recent"
)

// Lifecycle builds and tears down a Coordinator. Startup order:
// construct vector index -> construct recent tier -> restore recent
// from disk -> construct buffer tier (lazy per-character load) ->
// optionally warm up embeddings. On shutdown the recent tier is
// snapshotted; the buffer and the vector index are already durable.
type Lifecycle struct {
	opts        Options
	Coordinator *Coordinator

	recentTier  *recent.Tier
	vectorIndex index.Index
	closer      func() error
}

// Coordinator re-exports the coordinator package's type so callers
// configuring a service only need to import this package.
type Coordinator = coordinator.Coordinator

// NewLifecycle prepares a Lifecycle from opts; Start performs the
// actual I/O (schema bootstrap, disk restore, optional warmup).
func NewLifecycle(opts Options) *Lifecycle {
	return &Lifecycle{opts: opts}
}

// Start executes the startup sequence and leaves l.Coordinator ready to use.
func (l *Lifecycle) Start(ctx context.Context) error {
	vectorIndex, closer, err := buildVectorIndex(ctx, l.opts)
	if err != nil {
		return fmt.Errorf("config: build vector index: %w", err)
	}
	l.vectorIndex = vectorIndex
	l.closer = closer

	recentTier := recent.New(l.opts.RecentCapacity, l.opts.RecentSnapshotPath)
	if err := recentTier.RestoreFromDisk(); err != nil {
		return fmt.Errorf("config: restore recent snapshot: %w", err)
	}
	l.recentTier = recentTier

	embedder := embed.Shared(l.opts.EmbeddingBackend)
	bufferTier := buffer.New(l.opts.BufferDir, l.opts.BufferThreshold, l.opts.MaxEmbedBatch, embedder, vectorIndex)

	if l.opts.PreloadEmbeddings {
		// Degraded mode: startup continues on warmup failure. The
		// engine stays failed (a load is not retried), so later embed
		// calls return ErrUnavailable: searches fail and auto-embeds are
		// deferred, while adds into the recent tier still succeed.
		_ = embedder.Warmup(ctx)
	}

	l.Coordinator = coordinator.New(recentTier, bufferTier, vectorIndex, embedder, l.opts.DefaultSearchK)
	return nil
}

// Shutdown snapshots the recent tier and releases the vector index;
// the recent tier is the only component whose state isn't already
// durable.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	var err error
	if l.recentTier != nil {
		if snapErr := l.recentTier.SnapshotToDisk(); snapErr != nil {
			err = fmt.Errorf("config: snapshot recent tier: %w", snapErr)
		}
	}
	if l.closer != nil {
		if closeErr := l.closer(); closeErr != nil && err == nil {
			err = fmt.Errorf("config: close vector index: %w", closeErr)
		}
	}
	return err
}

func buildVectorIndex(ctx context.Context, opts Options) (index.Index, func() error, error) {
	if opts.PostgresDSN != "" {
		store, err := index.NewPostgresStore(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := store.CreateSchema(ctx); err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	store, err := index.NewLocalStore(opts.VectorStoreDir)
	if err != nil {
		return nil, nil, err
	}
	return store, func() error { return nil }, nil
}
