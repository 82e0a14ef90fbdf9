// Package config defines the recognized options and wires the tiers
// together through an explicit start/shutdown lifecycle.
package config

import (
	"flag"
	"os"
	"strconv"

	"github.com/Protocol-Lattice/npc-memory/memory/embed"
)

// Options holds every recognized configuration option.
type Options struct {
	RecentCapacity     int
	BufferThreshold    int
	DefaultSearchK     int
	EmbeddingBackend   embed.Backend
	PreloadEmbeddings  bool
	MaxEmbedBatch      int
	RecentSnapshotPath string
	BufferDir          string
	VectorStoreDir     string
	PostgresDSN        string
}

// Defaults returns the standard capacities: five recent memories per
// character and an auto-embed threshold of ten.
func Defaults() Options {
	return Options{
		RecentCapacity:     5,
		BufferThreshold:    10,
		DefaultSearchK:     5,
		EmbeddingBackend:   embed.BackendAuto,
		PreloadEmbeddings:  false,
		MaxEmbedBatch:      0,
		RecentSnapshotPath: "npc-memory-data/recent.json",
		BufferDir:          "npc-memory-data/buffer",
		VectorStoreDir:     "npc-memory-data/vectors",
	}
}

// RegisterFlags binds opts's fields to flag.* vars under fs, falling
// back to the matching NPC_MEMORY_* environment variable and finally
// to opts's current value.
func RegisterFlags(fs *flag.FlagSet, opts *Options) {
	fs.IntVar(&opts.RecentCapacity, "recent-capacity", envInt("NPC_MEMORY_RECENT_CAPACITY", opts.RecentCapacity), "max entries per character in the recent tier")
	fs.IntVar(&opts.BufferThreshold, "buffer-threshold", envInt("NPC_MEMORY_BUFFER_THRESHOLD", opts.BufferThreshold), "buffer size at which auto-embed fires")
	fs.IntVar(&opts.DefaultSearchK, "search-k", envInt("NPC_MEMORY_SEARCH_K", opts.DefaultSearchK), "default k for search/context")
	fs.StringVar((*string)(&opts.EmbeddingBackend), "embed-backend", envString("NPC_MEMORY_EMBED_BACKEND", string(opts.EmbeddingBackend)), "auto, cpu, gpu-cuda or gpu-metal")
	fs.BoolVar(&opts.PreloadEmbeddings, "preload-embeddings", envBool("NPC_MEMORY_PRELOAD_EMBEDDINGS", opts.PreloadEmbeddings), "warm up the embedding engine at startup")
	fs.IntVar(&opts.MaxEmbedBatch, "max-embed-batch", envInt("NPC_MEMORY_MAX_EMBED_BATCH", opts.MaxEmbedBatch), "upper bound passed to embed_many")
	fs.StringVar(&opts.RecentSnapshotPath, "recent-snapshot", envString("NPC_MEMORY_RECENT_SNAPSHOT", opts.RecentSnapshotPath), "file path for the consolidated recent snapshot")
	fs.StringVar(&opts.BufferDir, "buffer-dir", envString("NPC_MEMORY_BUFFER_DIR", opts.BufferDir), "directory containing per-character buffer files")
	fs.StringVar(&opts.VectorStoreDir, "vector-dir", envString("NPC_MEMORY_VECTOR_DIR", opts.VectorStoreDir), "directory for the persistent vector index")
	fs.StringVar(&opts.PostgresDSN, "postgres-dsn", envString("NPC_MEMORY_POSTGRES_DSN", opts.PostgresDSN), "optional Postgres DSN; when set, the vector index uses the pgvector-style backend instead of the local file store")
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
