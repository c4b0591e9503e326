// Package pipeline connects strip acquisition, stitching, periodic
// registration and the tiled warp into one run.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/scanalign/internal/align"
	"github.com/banshee-data/scanalign/internal/config"
	"github.com/banshee-data/scanalign/internal/monitoring"
	"github.com/banshee-data/scanalign/internal/raster"
	"github.com/banshee-data/scanalign/internal/stitch"
	"github.com/banshee-data/scanalign/internal/timeutil"
	"github.com/banshee-data/scanalign/internal/warp"
)

// Deps are the collaborators of a run. Only Source is required. Reference
// is required when Registrar is set.
type Deps struct {
	Source       StripSource
	Reference    *raster.Raster // design image registered against and warped
	Registrar    Registrar
	Preprocessor Preprocessor
	Sink         OutputSink
	Journal      Journal
	Sampler      warp.Sampler
	Device       *warp.Budget
	Clock        timeutil.Clock
}

// Pipeline runs one acquisition session. It is not reusable after Run
// returns.
type Pipeline struct {
	cfg      *config.PipelineConfig
	deps     Deps
	clock    timeutil.Clock
	queue    *Queue
	stitcher *stitch.Stitcher
	engine   *warp.Engine

	runID   string
	stats   statsRecorder
	stopped atomic.Bool
	cycle   int

	mu     sync.Mutex
	cancel context.CancelFunc
	last   *raster.Raster
}

// New validates cfg and wires the stitcher, queue and warp engine.
func New(cfg *config.PipelineConfig, deps Deps) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.DefaultPipelineConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("%w: no strip source", config.ErrInvalidConfiguration)
	}
	if deps.Registrar != nil && deps.Reference == nil {
		return nil, fmt.Errorf("%w: registrar configured without a reference image", config.ErrInvalidConfiguration)
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}

	st := stitch.New(stitch.Config{
		OverlapPixels:    cfg.GetOverlapPixels(),
		BlendingEnabled:  cfg.GetBlendingEnabled(),
		NormalizeReverse: cfg.GetNormalizeReverse(),
		Threshold:        cfg.GetCorrelationThreshold(),
	}, stitch.WithClock(deps.Clock))

	eng := warp.NewEngine(warp.Config{
		Mode:         cfg.GetInterpolationMode(),
		TileWidth:    cfg.GetTileWidth(),
		TileHeight:   cfg.GetTileHeight(),
		Halo:         cfg.GetTileOverlap(),
		MemoryBudget: cfg.GetMemoryBudget(),
		SafetyFactor: cfg.GetSafetyFactor(),
		Workers:      cfg.GetWarpWorkers(),
	}, deps.Sampler, deps.Device)

	p := &Pipeline{
		cfg:      cfg,
		deps:     deps,
		clock:    deps.Clock,
		queue:    NewQueue(cfg.GetQueueCapacity()),
		stitcher: st,
		engine:   eng,
		runID:    uuid.New().String(),
	}
	p.stats.s.RunID = p.runID
	p.stats.s.MemoryBudget = cfg.GetMemoryBudget()
	return p, nil
}

// RunID identifies this run in logs and the journal.
func (p *Pipeline) RunID() string { return p.runID }

// Stitcher exposes the composite for monitoring.
func (p *Pipeline) Stitcher() *stitch.Stitcher { return p.stitcher }

// Engine exposes the warp engine for monitoring.
func (p *Pipeline) Engine() *warp.Engine { return p.engine }

// Queue exposes the strip queue for monitoring.
func (p *Pipeline) Queue() *Queue { return p.queue }

// LastOutput returns the most recent warped output, or nil.
func (p *Pipeline) LastOutput() *raster.Raster {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Stats returns a snapshot of the run statistics.
func (p *Pipeline) Stats() RunStats {
	s := p.stats.snapshot()
	qc := p.queue.Counts()
	s.StripsAcquired = int(qc.Pushed)
	s.StripsDropped = int(qc.Dropped)
	s.CompositeHeight = p.stitcher.Height()
	return s
}

// Stop asks the run to finish. The strip or cycle in progress completes.
func (p *Pipeline) Stop() {
	p.stopped.Store(true)
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run acquires and processes strips until the source finishes and the
// queue drains, Stop is called, ctx is cancelled, or a fatal error occurs.
// Per-strip and per-cycle failures are logged and counted, not returned.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	if p.stopped.Load() {
		return nil
	}

	start := p.clock.Now()
	p.stats.update(func(s *RunStats) { s.StartedAt = start })
	p.journalStart(ctx, start)
	defer func() { p.journalEnd(err) }()

	monitoring.Logf("[Pipeline] run %s started: overlap=%d threshold=%.2f interval=%d budget=%d",
		p.runID, p.cfg.GetOverlapPixels(), p.cfg.GetCorrelationThreshold(),
		p.cfg.GetRegistrationInterval(), p.cfg.GetMemoryBudget())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer p.queue.Close()
		if err := p.deps.Source.Run(gctx, &Handle{q: p.queue}); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("strip source: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return p.consume(gctx)
	})
	var reporter sync.WaitGroup
	reporter.Add(1)
	go func() {
		defer reporter.Done()
		p.reportStats(gctx)
	}()

	err = g.Wait()
	reporter.Wait()
	if err == nil && ctx.Err() != nil && !p.stopped.Load() {
		err = ctx.Err()
	}
	monitoring.Logf("[Pipeline] run %s finished: %v", p.runID, p.Stats())
	return err
}

func (p *Pipeline) consume(ctx context.Context) error {
	for !p.stopped.Load() {
		strip, ok := p.queue.Pop(ctx)
		if !ok {
			return nil
		}
		if err := p.processStrip(ctx, strip); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) processStrip(ctx context.Context, strip raster.Strip) error {
	start := p.clock.Now()
	err := p.stitcher.AddStrip(strip)
	elapsed := p.clock.Since(start)

	accepted := err == nil
	var nAccepted int
	p.stats.update(func(s *RunStats) {
		s.StripsProcessed++
		s.StitchTime += elapsed
		if accepted {
			s.StripsAccepted++
		} else {
			s.StripsRejected++
		}
		nAccepted = s.StripsAccepted
	})

	ev := StripEvent{
		RunID:     p.runID,
		StripID:   strip.ID,
		Position:  strip.Position,
		Direction: strip.Direction,
		Accepted:  accepted,
		Alignment: p.alignmentFor(err),
		Height:    p.stitcher.Height(),
		Elapsed:   elapsed,
		At:        start,
	}
	if err != nil {
		ev.Error = err.Error()
		monitoring.Logf("[Pipeline] strip %d skipped: %v", strip.ID, err)
	}
	p.journalStrip(ctx, ev)

	if !accepted {
		return nil
	}
	if n := p.cfg.GetRegistrationInterval(); n > 0 && nAccepted%n == 0 {
		return p.runCycle(ctx)
	}
	return nil
}

// alignmentFor returns the alignment behind the last AddStrip outcome.
func (p *Pipeline) alignmentFor(err error) align.Result {
	var aerr *stitch.AlignmentError
	if errors.As(err, &aerr) {
		return aerr.Result
	}
	if err != nil {
		return align.Result{}
	}
	return p.stitcher.LastAlignment()
}

// runCycle registers the composite and warps the reference. Only resource
// exhaustion is returned; everything else is counted and logged.
func (p *Pipeline) runCycle(ctx context.Context) error {
	if p.deps.Registrar == nil {
		return nil
	}
	p.cycle++
	start := p.clock.Now()
	ev := CycleEvent{RunID: p.runID, Cycle: p.cycle, At: start}
	defer func() {
		ev.Elapsed = p.clock.Since(start)
		ev.MemoryBudget = p.engine.Config().MemoryBudget
		p.journalCycle(ctx, ev)
	}()

	composite := p.stitcher.Snapshot()
	ev.Height = composite.Height
	p.stats.update(func(s *RunStats) { s.Cycles++ })

	// A started cycle runs to completion even if the run is stopped.
	opCtx := context.WithoutCancel(ctx)
	res, err := p.register(opCtx, composite)
	regElapsed := p.clock.Since(start)
	p.stats.update(func(s *RunStats) { s.RegistrationTime += regElapsed })
	if err != nil {
		p.stats.update(func(s *RunStats) { s.RegistrationFailures++ })
		ev.Error = err.Error()
		monitoring.Logf("[Pipeline] cycle %d: %v", p.cycle, err)
		return nil
	}
	ev.Registered = true
	ev.Confidence = res.Confidence

	warpStart := p.clock.Now()
	out, tiles, replans, err := p.warpWithReplan(opCtx, res.Field)
	warpElapsed := p.clock.Since(warpStart)
	ev.Tiles, ev.Replans = tiles, replans
	p.stats.update(func(s *RunStats) {
		s.WarpTime += warpElapsed
		s.Replans += replans
		s.MemoryBudget = p.engine.Config().MemoryBudget
	})
	if err != nil {
		ev.Error = err.Error()
		if errors.Is(err, ErrResourceExhausted) {
			return err
		}
		p.stats.update(func(s *RunStats) { s.WarpFailures++ })
		monitoring.Logf("[Pipeline] cycle %d warp failed: %v", p.cycle, err)
		return nil
	}

	p.mu.Lock()
	p.last = out
	p.mu.Unlock()

	sink := p.deps.Sink
	if sink == nil || !sink.Ready() {
		p.stats.update(func(s *RunStats) { s.OutputsSkipped++ })
		monitoring.Diagf("[Pipeline] cycle %d: output sink not ready, result kept", p.cycle)
		return nil
	}
	if err := sink.Send(out); err != nil {
		p.stats.update(func(s *RunStats) { s.OutputsSkipped++ })
		ev.Error = err.Error()
		monitoring.Logf("[Pipeline] cycle %d send failed: %v", p.cycle, err)
		return nil
	}
	ev.Sent = true
	p.stats.update(func(s *RunStats) { s.OutputsSent++ })
	monitoring.Diagf("[Pipeline] cycle %d sent %dx%d output (confidence %.3f)", p.cycle, out.Width, out.Height, res.Confidence)
	return nil
}

func (p *Pipeline) register(ctx context.Context, composite *raster.Raster) (*RegistrationResult, error) {
	moving := composite
	if pre := p.deps.Preprocessor; pre != nil {
		processed, err := pre.Process(composite)
		if err != nil {
			return nil, fmt.Errorf("preprocess: %w", err)
		}
		if processed.Width != composite.Width || processed.Height != composite.Height {
			return nil, fmt.Errorf("%w: %dx%d -> %dx%d", ErrDimensionMismatch,
				composite.Width, composite.Height, processed.Width, processed.Height)
		}
		moving = processed
	}

	res, err := p.deps.Registrar.Register(ctx, p.deps.Reference, moving)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	if res == nil || !res.Success || res.Field == nil {
		conf := 0.0
		if res != nil {
			conf = res.Confidence
		}
		return nil, fmt.Errorf("%w: confidence %.3f", ErrRegistrationFailed, conf)
	}
	return res, nil
}

// warpWithReplan warps the reference, halving the planning budget after
// each out-of-memory failure until it would drop below the configured
// minimum. The reduced budget is kept for later cycles.
func (p *Pipeline) warpWithReplan(ctx context.Context, field *warp.Field) (*raster.Raster, int, int, error) {
	minBudget := p.cfg.GetMinMemoryBudget()
	replans := 0
	for {
		tiles, err := p.engine.Plan(p.deps.Reference)
		if err != nil {
			return nil, 0, replans, err
		}
		out, err := p.engine.WarpTiles(ctx, p.deps.Reference, field, tiles)
		if err == nil {
			return out, len(tiles), replans, nil
		}
		if !errors.Is(err, warp.ErrOutOfMemoryOnTile) {
			return nil, len(tiles), replans, err
		}

		budget := p.engine.Config().MemoryBudget
		next := budget / 2
		if next < minBudget {
			return nil, len(tiles), replans, fmt.Errorf("%w: %w at %d bytes (minimum %d)", ErrResourceExhausted, err, budget, minBudget)
		}
		monitoring.Logf("[Pipeline] %v; re-planning with budget %d", err, next)
		p.engine.SetMemoryBudget(next)
		replans++
	}
}

func (p *Pipeline) reportStats(ctx context.Context) {
	t := p.clock.NewTicker(p.cfg.GetStatsInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			monitoring.Logf("[Pipeline] %v", p.Stats())
		}
	}
}

func (p *Pipeline) journalStart(ctx context.Context, start time.Time) {
	if p.deps.Journal == nil {
		return
	}
	cfgJSON, _ := json.Marshal(p.cfg)
	if err := p.deps.Journal.StartRun(ctx, RunInfo{ID: p.runID, StartedAt: start, Config: cfgJSON}); err != nil {
		monitoring.Logf("[Pipeline] journal start: %v", err)
	}
}

func (p *Pipeline) journalStrip(ctx context.Context, ev StripEvent) {
	if p.deps.Journal == nil {
		return
	}
	if err := p.deps.Journal.RecordStrip(context.WithoutCancel(ctx), ev); err != nil {
		monitoring.Logf("[Pipeline] journal strip %d: %v", ev.StripID, err)
	}
}

func (p *Pipeline) journalCycle(ctx context.Context, ev CycleEvent) {
	if p.deps.Journal == nil {
		return
	}
	if err := p.deps.Journal.RecordCycle(context.WithoutCancel(ctx), ev); err != nil {
		monitoring.Logf("[Pipeline] journal cycle %d: %v", ev.Cycle, err)
	}
}

func (p *Pipeline) journalEnd(runErr error) {
	if p.deps.Journal == nil {
		return
	}
	// The run context may already be cancelled.
	if err := p.deps.Journal.EndRun(context.Background(), p.runID, p.Stats(), runErr); err != nil {
		monitoring.Logf("[Pipeline] journal end: %v", err)
	}
}
