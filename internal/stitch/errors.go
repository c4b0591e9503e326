package stitch

import (
	"errors"
	"fmt"

	"github.com/banshee-data/scanalign/internal/align"
)

var (
	// ErrStitchFailed is returned when a strip could not be fused. The
	// composite is left unmodified and the caller may retry or drop it.
	ErrStitchFailed = errors.New("stitch failed")

	// ErrAlignmentFailed marks a stitch failure caused by low alignment
	// confidence.
	ErrAlignmentFailed = errors.New("alignment failed")

	// ErrIncompatibleStrip is returned for strips whose width, channel
	// count or bit depth differ from the composite.
	ErrIncompatibleStrip = errors.New("strip incompatible with composite")
)

// AlignmentError reports a rejected strip together with the alignment that
// rejected it. It matches both ErrStitchFailed and ErrAlignmentFailed.
type AlignmentError struct {
	StripID uint64
	Result  align.Result
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("strip %d: %v: %v: confidence %.3f", e.StripID, ErrStitchFailed, ErrAlignmentFailed, e.Result.Confidence)
}

// Is lets errors.Is match either sentinel.
func (e *AlignmentError) Is(target error) bool {
	return target == ErrStitchFailed || target == ErrAlignmentFailed
}
