package stitch

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/scanalign/internal/align"
	"github.com/banshee-data/scanalign/internal/monitoring"
	"github.com/banshee-data/scanalign/internal/raster"
	"github.com/banshee-data/scanalign/internal/timeutil"
)

// State is the stitcher's lifecycle state.
type State int

const (
	// StateEmpty: no composite yet.
	StateEmpty State = iota
	// StateAccumulating: at least one strip fused, last strip accepted.
	StateAccumulating
	// StateFailed: the last strip was rejected. Further strips are still
	// accepted and a successful fuse returns to StateAccumulating.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateAccumulating:
		return "accumulating"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Aligner estimates the translation between two bands of equal layout.
// *align.Estimator satisfies it.
type Aligner interface {
	Estimate(reference, candidate *raster.Raster) align.Result
}

// Config holds the stitcher's tunables.
type Config struct {
	// OverlapPixels is the nominal number of rows shared by consecutive
	// strips. Zero disables alignment and strips are appended as-is.
	OverlapPixels int
	// BlendingEnabled selects ramp blending across the overlap band.
	// When false the strip overwrites the band.
	BlendingEnabled bool
	// NormalizeReverse flips reverse-direction strips before fusing.
	NormalizeReverse bool
	// Threshold is used to build the default aligner when none is given.
	Threshold float64
}

// DefaultConfig returns the tunables used when nothing else is configured.
func DefaultConfig() Config {
	return Config{
		OverlapPixels:    64,
		BlendingEnabled:  true,
		NormalizeReverse: true,
		Threshold:        align.DefaultThreshold,
	}
}

// Record is the history entry of one fused strip.
type Record struct {
	StripID   uint64               `json:"strip_id"`
	Position  float64              `json:"position"`
	Direction raster.ScanDirection `json:"direction"`
	// Alignment is the estimate used to fuse the strip. Estimated is false
	// for the seed strip and for zero-overlap appends.
	Alignment       align.Result  `json:"alignment"`
	Estimated       bool          `json:"estimated"`
	AppliedOffsetX  int           `json:"applied_offset_x"`
	InsertRow       int           `json:"insert_row"`
	RowsAdded       int           `json:"rows_added"`
	CompositeHeight int           `json:"composite_height"`
	Elapsed         time.Duration `json:"elapsed_ns"`
	AddedAt         time.Time     `json:"added_at"`
}

// Stats summarises the stitcher's history.
type Stats struct {
	State          string  `json:"state"`
	Accepted       int     `json:"accepted"`
	Rejected       int     `json:"rejected"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	MeanConfidence float64 `json:"mean_confidence"`
	MinConfidence  float64 `json:"min_confidence"`
	LastStripID    uint64  `json:"last_strip_id"`
}

// Stitcher fuses successive strips into one composite raster.
type Stitcher struct {
	cfg     Config
	aligner Aligner
	clock   timeutil.Clock

	mu          sync.RWMutex
	composite   *raster.Raster
	state       State
	last        align.Result
	lastStripID uint64
	history     []Record
	rejected    int
}

// Option configures a Stitcher.
type Option func(*Stitcher)

// WithAligner replaces the default phase-correlation estimator.
func WithAligner(a Aligner) Option {
	return func(s *Stitcher) { s.aligner = a }
}

// WithClock sets the clock used to timestamp history records.
func WithClock(c timeutil.Clock) Option {
	return func(s *Stitcher) { s.clock = c }
}

// New creates an empty stitcher.
func New(cfg Config, opts ...Option) *Stitcher {
	if cfg.OverlapPixels < 0 {
		cfg.OverlapPixels = 0
	}
	s := &Stitcher{cfg: cfg, clock: timeutil.RealClock{}}
	for _, o := range opts {
		o(s)
	}
	if s.aligner == nil {
		s.aligner = align.NewEstimator(cfg.Threshold)
	}
	return s
}

// Config returns the stitcher's configuration.
func (s *Stitcher) Config() Config { return s.cfg }

// AddStrip fuses strip into the composite. The first strip seeds the
// composite. Later strips are aligned against the trailing overlap rows of
// the composite; on success the composite grows by the strip height minus
// the effective overlap, and on rejection it is left untouched and an
// error matching ErrStitchFailed is returned.
func (s *Stitcher) AddStrip(strip raster.Strip) error {
	if strip.Raster == nil || strip.Raster.Width == 0 || strip.Raster.Height == 0 {
		return fmt.Errorf("strip %d: %w: empty raster", strip.ID, ErrIncompatibleStrip)
	}
	start := s.clock.Now()

	img := strip.Raster
	if s.cfg.NormalizeReverse {
		img = strip.Oriented()
	}

	s.mu.RLock()
	comp := s.composite
	s.mu.RUnlock()

	if comp == nil {
		seed := img.Clone()
		s.mu.Lock()
		s.composite = seed
		s.state = StateAccumulating
		s.lastStripID = strip.ID
		s.appendRecord(strip, Record{
			RowsAdded:       seed.Height,
			CompositeHeight: seed.Height,
		}, start)
		s.mu.Unlock()
		monitoring.Diagf("[Stitcher] seeded composite %dx%d from strip %d", seed.Width, seed.Height, strip.ID)
		return nil
	}

	if !comp.SameLayout(img) {
		return fmt.Errorf("strip %d (%dx%dx%d/%d) vs composite (%dx%d/%d): %w",
			strip.ID, img.Width, img.Height, img.Channels, img.BitDepth,
			comp.Width, comp.Channels, comp.BitDepth, ErrIncompatibleStrip)
	}

	ov := min(s.cfg.OverlapPixels, comp.Height, img.Height)

	var res align.Result
	estimated := false
	if ov > 0 {
		// The composite tail is only mutated by this goroutine, so the
		// estimate can run without holding the lock.
		res = s.aligner.Estimate(comp.SubRows(comp.Height-ov, ov), img.SubRows(0, ov))
		estimated = true
	} else {
		res = align.Result{Success: true}
	}

	if !res.Success {
		s.mu.Lock()
		s.last = res
		s.state = StateFailed
		s.rejected++
		s.mu.Unlock()
		monitoring.Logf("[Stitcher] strip %d rejected: confidence=%.3f offset=(%.2f,%.2f)",
			strip.ID, res.Confidence, res.OffsetX, res.OffsetY)
		return &AlignmentError{StripID: strip.ID, Result: res}
	}

	// Sub-pixel residue and the vertical offset are not resampled into the
	// strip; both stay in the record as bounded registration error.
	offX := clampOffset(res.OffsetX, comp.Width)
	insertY := comp.Height - ov
	added := img.Height - ov

	s.mu.Lock()
	defer s.mu.Unlock()

	s.composite = grow(s.composite, added)
	BlendInto(s.composite, img, insertY, offX, ov, s.cfg.BlendingEnabled)
	s.last = res
	s.state = StateAccumulating
	s.lastStripID = strip.ID
	s.appendRecord(strip, Record{
		Alignment:       res,
		Estimated:       estimated,
		AppliedOffsetX:  offX,
		InsertRow:       insertY,
		RowsAdded:       added,
		CompositeHeight: s.composite.Height,
	}, start)

	monitoring.Diagf("[Stitcher] strip %d fused at row %d: offset=(%.2f,%.2f) confidence=%.3f height=%d",
		strip.ID, insertY, res.OffsetX, res.OffsetY, res.Confidence, s.composite.Height)
	return nil
}

// appendRecord must be called with mu held for writing.
func (s *Stitcher) appendRecord(strip raster.Strip, rec Record, start time.Time) {
	rec.StripID = strip.ID
	rec.Position = strip.Position
	rec.Direction = strip.Direction
	rec.AddedAt = s.clock.Now()
	rec.Elapsed = s.clock.Since(start)
	s.history = append(s.history, rec)
}

// clampOffset rounds a horizontal offset and keeps it within the composite.
func clampOffset(off float64, width int) int {
	o := int(math.Round(off))
	lim := width - 1
	return max(-lim, min(lim, o))
}

// grow extends r by rows zero-filled rows, reusing spare capacity.
func grow(r *raster.Raster, rows int) *raster.Raster {
	if rows <= 0 {
		return r
	}
	old := len(r.Pix)
	n := old + rows*r.Stride()
	if n > cap(r.Pix) {
		pix := make([]uint16, n, n+n/2)
		copy(pix, r.Pix)
		r.Pix = pix
	} else {
		r.Pix = r.Pix[:n]
		clear(r.Pix[old:])
	}
	r.Height += rows
	return r
}

// Snapshot returns a copy of the composite, or nil while empty.
func (s *Stitcher) Snapshot() *raster.Raster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.composite == nil {
		return nil
	}
	return s.composite.Clone()
}

// Height is the current composite height in rows.
func (s *Stitcher) Height() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.composite == nil {
		return 0
	}
	return s.composite.Height
}

// State returns the lifecycle state.
func (s *Stitcher) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastAlignment returns the most recent alignment result, including a
// rejected one.
func (s *Stitcher) LastAlignment() align.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// History returns a copy of the accepted-strip records.
func (s *Stitcher) History() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.history))
	copy(out, s.history)
	return out
}

// Stats summarises accepted and rejected strips.
func (s *Stitcher) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		State:       s.state.String(),
		Accepted:    len(s.history),
		Rejected:    s.rejected,
		LastStripID: s.lastStripID,
	}
	if s.composite != nil {
		st.Width = s.composite.Width
		st.Height = s.composite.Height
	}
	var sum float64
	n := 0
	st.MinConfidence = 1
	for _, r := range s.history {
		if !r.Estimated {
			continue
		}
		sum += r.Alignment.Confidence
		st.MinConfidence = min(st.MinConfidence, r.Alignment.Confidence)
		n++
	}
	if n > 0 {
		st.MeanConfidence = sum / float64(n)
	} else {
		st.MinConfidence = 0
	}
	return st
}

// Reset discards the composite and history.
func (s *Stitcher) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.composite = nil
	s.state = StateEmpty
	s.last = align.Result{}
	s.lastStripID = 0
	s.history = nil
	s.rejected = 0
}
