package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// RunStats are the counters and timing totals of one run.
type RunStats struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`

	StripsAcquired  int `json:"strips_acquired"`
	StripsDropped   int `json:"strips_dropped"`
	StripsProcessed int `json:"strips_processed"`
	StripsAccepted  int `json:"strips_accepted"`
	StripsRejected  int `json:"strips_rejected"`

	Cycles               int `json:"cycles"`
	RegistrationFailures int `json:"registration_failures"`
	WarpFailures         int `json:"warp_failures"`
	Replans              int `json:"replans"`
	OutputsSent          int `json:"outputs_sent"`
	OutputsSkipped       int `json:"outputs_skipped"`

	StitchTime       time.Duration `json:"stitch_time_ns"`
	RegistrationTime time.Duration `json:"registration_time_ns"`
	WarpTime         time.Duration `json:"warp_time_ns"`

	CompositeHeight int   `json:"composite_height"`
	MemoryBudget    int64 `json:"memory_budget"`
}

func avg(total time.Duration, n int) time.Duration {
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// AvgStitchTime is the mean time spent per processed strip.
func (s RunStats) AvgStitchTime() time.Duration { return avg(s.StitchTime, s.StripsProcessed) }

// AvgRegistrationTime is the mean registration time per cycle.
func (s RunStats) AvgRegistrationTime() time.Duration { return avg(s.RegistrationTime, s.Cycles) }

// AvgWarpTime is the mean warp time per registered cycle.
func (s RunStats) AvgWarpTime() time.Duration {
	return avg(s.WarpTime, s.Cycles-s.RegistrationFailures)
}

func (s RunStats) String() string {
	return fmt.Sprintf("strips=%d/%d accepted=%d rejected=%d dropped=%d cycles=%d regfail=%d sent=%d height=%d budget=%s stitch=%v reg=%v warp=%v",
		s.StripsProcessed, s.StripsAcquired, s.StripsAccepted, s.StripsRejected, s.StripsDropped,
		s.Cycles, s.RegistrationFailures, s.OutputsSent, s.CompositeHeight,
		humanize.IBytes(uint64(max(s.MemoryBudget, 0))),
		s.AvgStitchTime(), s.AvgRegistrationTime(), s.AvgWarpTime())
}

// statsRecorder guards RunStats. Only the processing goroutine writes.
type statsRecorder struct {
	mu sync.Mutex
	s  RunStats
}

func (r *statsRecorder) update(fn func(*RunStats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.s)
}

func (r *statsRecorder) snapshot() RunStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s
}
