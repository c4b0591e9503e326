package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/scanalign/internal/align"
	"github.com/banshee-data/scanalign/internal/raster"
	"github.com/banshee-data/scanalign/internal/warp"
)

var (
	// ErrRegistrationFailed marks a cycle whose registration did not
	// converge. The warp for that cycle is skipped.
	ErrRegistrationFailed = errors.New("registration failed")

	// ErrResourceExhausted ends a run when the warp still runs out of
	// memory at the minimum budget.
	ErrResourceExhausted = errors.New("memory budget exhausted")

	// ErrDimensionMismatch is returned when a preprocessor changes the
	// raster size.
	ErrDimensionMismatch = errors.New("preprocessor changed raster dimensions")
)

// Handle is the acquisition side's only access to the pipeline.
type Handle struct {
	q *Queue
}

// Push hands a strip to the pipeline without blocking. It returns false
// when the strip was dropped.
func (h *Handle) Push(s raster.Strip) bool {
	return h.q.TryPush(s)
}

// StripSource produces strips until it runs out or ctx is cancelled.
// Returning ends acquisition; the pipeline drains what was queued.
type StripSource interface {
	Run(ctx context.Context, h *Handle) error
}

// RegistrationResult is the outcome of registering the composite against
// the reference design.
type RegistrationResult struct {
	Field      *warp.Field
	Success    bool
	Confidence float64
	Iterations int
	Elapsed    time.Duration
}

// Registrar computes the displacement field that maps the reference onto
// the moving image. A result with Success false is not an error.
type Registrar interface {
	Register(ctx context.Context, reference, moving *raster.Raster) (*RegistrationResult, error)
}

// OutputSink receives warped outputs. Send is only called when Ready
// reports true.
type OutputSink interface {
	Ready() bool
	Send(r *raster.Raster) error
}

// Preprocessor transforms the composite before registration. It must not
// change the raster's size.
type Preprocessor interface {
	Process(r *raster.Raster) (*raster.Raster, error)
}

// StripEvent is journalled for every processed strip.
type StripEvent struct {
	RunID     string
	StripID   uint64
	Position  float64
	Direction raster.ScanDirection
	Accepted  bool
	Alignment align.Result
	Height    int
	Elapsed   time.Duration
	At        time.Time
	Error     string
}

// CycleEvent is journalled for every registration cycle.
type CycleEvent struct {
	RunID        string
	Cycle        int
	Height       int
	Registered   bool
	Confidence   float64
	Tiles        int
	MemoryBudget int64
	Replans      int
	Sent         bool
	Elapsed      time.Duration
	At           time.Time
	Error        string
}

// RunInfo describes a run when it starts.
type RunInfo struct {
	ID        string
	StartedAt time.Time
	Config    []byte // JSON
}

// Journal persists run history. Errors are logged, never fatal.
type Journal interface {
	StartRun(ctx context.Context, info RunInfo) error
	RecordStrip(ctx context.Context, ev StripEvent) error
	RecordCycle(ctx context.Context, ev CycleEvent) error
	EndRun(ctx context.Context, runID string, stats RunStats, runErr error) error
}
