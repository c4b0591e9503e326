package warp

import (
	"errors"
	"fmt"

	"github.com/banshee-data/scanalign/internal/tiling"
)

// ErrOutOfMemoryOnTile is matched by tile failures caused by exhausted
// device memory. The caller is expected to re-plan with a smaller budget.
var ErrOutOfMemoryOnTile = errors.New("out of memory on tile")

// ErrKind classifies a tile failure.
type ErrKind int

const (
	KindSampler ErrKind = iota
	KindOutOfMemory
)

func (k ErrKind) String() string {
	if k == KindOutOfMemory {
		return "out-of-memory"
	}
	return "sampler"
}

// TileError wraps a failure inside one tile.
type TileError struct {
	Tile tiling.Tile
	Kind ErrKind
	Err  error
}

func (e *TileError) Error() string {
	return fmt.Sprintf("%v: %s: %v", e.Tile, e.Kind, e.Err)
}

func (e *TileError) Unwrap() error { return e.Err }

// Is matches ErrOutOfMemoryOnTile for out-of-memory failures.
func (e *TileError) Is(target error) bool {
	return target == ErrOutOfMemoryOnTile && e.Kind == KindOutOfMemory
}
