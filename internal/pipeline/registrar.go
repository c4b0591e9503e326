package pipeline

import (
	"context"
	"errors"

	"github.com/banshee-data/scanalign/internal/align"
	"github.com/banshee-data/scanalign/internal/raster"
	"github.com/banshee-data/scanalign/internal/timeutil"
	"github.com/banshee-data/scanalign/internal/warp"
)

// TranslationRegistrar registers by global phase correlation and returns a
// uniform field. It stands in for a non-rigid registration backend.
type TranslationRegistrar struct {
	Estimator *align.Estimator
	Clock     timeutil.Clock
}

// NewTranslationRegistrar returns a registrar accepting matches at or above
// threshold.
func NewTranslationRegistrar(threshold float64) *TranslationRegistrar {
	return &TranslationRegistrar{Estimator: align.NewEstimator(threshold), Clock: timeutil.RealClock{}}
}

// Register estimates the shift that maps reference onto moving. The field
// holds that shift so that warping the reference reproduces moving.
func (r *TranslationRegistrar) Register(ctx context.Context, reference, moving *raster.Raster) (*RegistrationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reference == nil || moving == nil {
		return nil, errors.New("registration needs both a reference and a moving image")
	}
	start := r.Clock.Now()
	res := r.Estimator.Estimate(reference, moving)
	out := &RegistrationResult{
		Success:    res.Success,
		Confidence: res.Confidence,
		Iterations: 1,
		Elapsed:    r.Clock.Since(start),
	}
	if res.Success {
		// A 1x1 field is looked up as a constant at any resolution.
		out.Field = warp.UniformField(1, 1, float32(res.OffsetX), float32(res.OffsetY))
	}
	return out, nil
}
