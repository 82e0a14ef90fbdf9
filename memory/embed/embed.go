// Package embed implements the process-wide text-embedding engine.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
)

// Embedder is a pluggable text-embedding provider.
type Embedder interface {
	// Embed returns a single fixed-dimension vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds many texts at once, order- and length-preserving.
	// Implementations should use a real batched call for len(texts) >= 2;
	// this is the latency optimization the staging buffer exists for.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dim reports the fixed vector dimension this embedder produces.
	Dim() int
}

// Status is the engine's lifecycle state.
type Status int

const (
	StatusUninitialized Status = iota
	StatusLoading
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// Backend selects the embedding compute backend, configured through
// the embedding_backend option.
type Backend string

const (
	BackendAuto  Backend = "auto"
	BackendCPU   Backend = "cpu"
	BackendCUDA  Backend = "gpu-cuda"
	BackendMetal Backend = "gpu-metal"
	embeddingDim         = 768
)

// ErrUnavailable is the local sentinel behind the public
// memory.ErrEmbeddingUnavailable; it is wrapped at the coordinator boundary.
var ErrUnavailable = errors.New("embed: engine not ready")

// Engine is the process-wide singleton embedding engine. It is safe
// for concurrent Embed/EmbedBatch calls from any number of goroutines.
//
// Construction never blocks; the underlying backend is loaded lazily
// on first use, or eagerly via Warmup. At most one backend load ever
// runs per engine.
type Engine struct {
	mu      sync.Mutex
	status  Status
	backend Backend
	impl    Embedder
	loadErr error
	logger  *log.Logger

	// loadFn constructs the backend. It defaults to loadBackend, whose
	// implementation the fastembed build tag selects; tests override it.
	loadFn func(Backend) (Embedder, error)
}

var (
	singleton     *Engine
	singletonOnce sync.Once
)

// Shared returns the process-wide embedding engine, constructing it
// with backend on first call. Subsequent calls ignore backend and
// return the already-constructed instance (double-checked, init-once).
func Shared(backend Backend) *Engine {
	singletonOnce.Do(func() {
		singleton = NewEngine(backend)
	})
	return singleton
}

// NewEngine constructs a standalone engine; most callers should use
// Shared, but tests and multi-tenant hosts may want an isolated instance.
func NewEngine(backend Backend) *Engine {
	if backend == "" {
		backend = BackendAuto
	}
	return &Engine{
		status:  StatusUninitialized,
		backend: backend,
		logger:  log.New(os.Stderr, "embed-engine: ", log.LstdFlags),
		loadFn:  loadBackend,
	}
}

// Status reports the current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Warmup forces a transition to ready (or failed); idempotent.
func (e *Engine) Warmup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensureLoadedLocked()
}

func (e *Engine) ensureLoadedLocked() error {
	switch e.status {
	case StatusReady:
		return nil
	case StatusFailed:
		return e.loadErr
	}
	e.status = StatusLoading
	impl, err := e.loadFn(e.backend)
	if err != nil {
		e.status = StatusFailed
		e.loadErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
		e.logger.Printf("backend %q failed to load: %v", e.backend, err)
		return e.loadErr
	}
	e.impl = impl
	e.status = StatusReady
	return nil
}

// EmbedOne returns a fixed-dimension vector for text. A runtime embed
// failure degrades to the deterministic dummy embedding rather than
// erroring; a backend that never loaded returns the dummy vector
// alongside ErrUnavailable so callers can report degraded mode.
func (e *Engine) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	err := e.ensureLoadedLocked()
	impl := e.impl
	e.mu.Unlock()
	if err != nil {
		return DummyEmbedding(text), err
	}
	vec, embedErr := impl.Embed(ctx, text)
	if embedErr != nil || len(vec) == 0 {
		e.logger.Printf("embed_one degraded to dummy vector: %v", embedErr)
		return DummyEmbedding(text), nil
	}
	return vec, nil
}

// EmbedMany batches embedding calls; order- and length-preserving.
func (e *Engine) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	e.mu.Lock()
	err := e.ensureLoadedLocked()
	impl := e.impl
	e.mu.Unlock()
	if err != nil {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = DummyEmbedding(t)
		}
		return out, err
	}
	vecs, embedErr := impl.EmbedBatch(ctx, texts)
	if embedErr != nil || len(vecs) != len(texts) {
		e.logger.Printf("embed_many degraded to dummy vectors: %v", embedErr)
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = DummyEmbedding(t)
		}
		return out, nil
	}
	return vecs, nil
}

// Dim reports the fixed embedding dimension, valid even before warmup.
func (e *Engine) Dim() int { return embeddingDim }

// DummyEmbedder is a deterministic always-available embedder. It is
// the backend of the default build (without the fastembed tag) and is
// also used by tests.
type DummyEmbedder struct{}

func (DummyEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return DummyEmbedding(text), nil
}

func (DummyEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = DummyEmbedding(t)
	}
	return out, nil
}

func (DummyEmbedder) Dim() int { return embeddingDim }

// DummyEmbedding deterministically hashes text into a fixed-dimension
// vector. An exact content match still scores highest under cosine
// similarity, so retrieval keeps working with no real model loaded.
func DummyEmbedding(text string) []float32 {
	vec := make([]float32, embeddingDim)
	for i, ch := range []byte(text) {
		vec[i%embeddingDim] += float32(ch) / 255.0
	}
	return vec
}
