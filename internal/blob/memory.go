package blob

import (
	memorystore "censuscore/internal/infra/blob/memory"
)

// NewMemory returns a process-local blob.Store. Artifacts written to it are
// lost on exit, which suits tests and `censusctl export` dry runs.
func NewMemory() Store { return memorystore.New() }
