//go:build !fastembed

package embed

import "fmt"

// loadBackend is the default build: no native ONNX runtime is linked,
// so every recognized backend resolves to the deterministic dummy
// embedder. Build with `-tags fastembed` to link
// github.com/anush008/fastembed-go and get real local embeddings
// (see backend_fastembed.go).
func loadBackend(backend Backend) (Embedder, error) {
	switch backend {
	case BackendAuto, BackendCPU, BackendCUDA, BackendMetal, "":
		return DummyEmbedder{}, nil
	default:
		return nil, fmt.Errorf("unrecognized embedding backend %q", backend)
	}
}
