package index

import "errors"

// ErrStorageFailure wraps disk or vector-store I/O errors; re-exported
// as memory.ErrStorageFailure at the top-level API boundary.
var ErrStorageFailure = errors.New("index: storage failure")
