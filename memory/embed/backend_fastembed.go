//go:build fastembed

package embed

import (
	"context"
	"fmt"
	"runtime"

	fastembed "github.com/anush008/fastembed-go"
)

// fastEmbedder adapts github.com/anush008/fastembed-go to the Embedder
// interface. Construction is expensive (loads an ONNX model); exactly
// one instance is built per process via Engine's init-once discipline.
type fastEmbedder struct {
	m  *fastembed.FlagEmbedding
	bs int
}

// loadBackend accepts every recognized backend name and initializes the
// same ONNX CPU session for all of them: the pinned fastembed-go release
// does not expose execution provider selection in its InitOptions. auto
// does not probe for CUDA or Metal, and gpu-cuda/gpu-metal do not run on
// a GPU. The engine records which backend was requested.
func loadBackend(backend Backend) (Embedder, error) {
	switch backend {
	case BackendCPU, BackendCUDA, BackendMetal, BackendAuto, "":
		return newFastEmbedder()
	default:
		return nil, fmt.Errorf("unrecognized embedding backend %q", backend)
	}
}

func newFastEmbedder() (Embedder, error) {
	init := &fastembed.InitOptions{
		Model:     fastembed.BGESmallENV15,
		CacheDir:  ".fastembed",
		MaxLength: 512,
	}
	m, err := fastembed.NewFlagEmbedding(init)
	if err != nil {
		return nil, fmt.Errorf("load fastembed model: %w", err)
	}
	bs := 64
	if max := 4 * runtime.GOMAXPROCS(0); bs > max {
		bs = max
	}
	return &fastEmbedder{m: m, bs: bs}, nil
}

func (e *fastEmbedder) Dim() int { return embeddingDim }

func (e *fastEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return e.m.QueryEmbed(text)
}

func (e *fastEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	docs := make([]string, len(texts))
	for i, t := range texts {
		docs[i] = "passage: " + t
	}
	out, err := e.m.PassageEmbed(docs, e.bs)
	if err != nil {
		return nil, fmt.Errorf("passage embed: %w", err)
	}
	return out, nil
}
