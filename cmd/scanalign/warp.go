package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/banshee-data/scanalign/internal/config"
	"github.com/banshee-data/scanalign/internal/pipeline"
	"github.com/banshee-data/scanalign/internal/warp"
)

type warpOptions struct {
	in      string
	out     string
	moving  string
	dx, dy  float64
	budget  string
	workers int
	mode    string
}

func newWarpCmd(g *globalFlags) *cobra.Command {
	o := &warpOptions{}
	cmd := &cobra.Command{
		Use:   "warp",
		Short: "Warp an image with the tiled engine",
		Long: `Warp applies a displacement to --in and writes --out. The displacement
is either a uniform --dx/--dy shift or is found by registering --in
against --moving.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			return runWarp(cmd, cfg, o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.in, "in", "i", "", "source image")
	f.StringVarP(&o.out, "out", "o", "warped.tif", "output image")
	f.StringVar(&o.moving, "moving", "", "register --in against this scan instead of using --dx/--dy")
	f.Float64Var(&o.dx, "dx", 0, "uniform horizontal displacement")
	f.Float64Var(&o.dy, "dy", 0, "uniform vertical displacement")
	f.StringVar(&o.budget, "budget", "", "memory budget, e.g. 64MiB (overrides config)")
	f.IntVar(&o.workers, "workers", 0, "concurrent tiles (overrides config)")
	f.StringVar(&o.mode, "mode", "", "interpolation: bilinear or nearest (overrides config)")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func engineConfig(cfg *config.PipelineConfig, o *warpOptions) (warp.Config, error) {
	ec := warp.Config{
		Mode:         cfg.GetInterpolationMode(),
		TileWidth:    cfg.GetTileWidth(),
		TileHeight:   cfg.GetTileHeight(),
		Halo:         cfg.GetTileOverlap(),
		MemoryBudget: cfg.GetMemoryBudget(),
		SafetyFactor: cfg.GetSafetyFactor(),
		Workers:      cfg.GetWarpWorkers(),
	}
	if o.budget != "" {
		b, err := humanize.ParseBytes(o.budget)
		if err != nil {
			return ec, fmt.Errorf("--budget: %w", err)
		}
		ec.MemoryBudget = int64(b)
	}
	if o.workers > 0 {
		ec.Workers = o.workers
	}
	if o.mode != "" {
		m, err := warp.ParseInterpolationMode(o.mode)
		if err != nil {
			return ec, err
		}
		ec.Mode = m
	}
	return ec, nil
}

func runWarp(cmd *cobra.Command, cfg *config.PipelineConfig, o *warpOptions) error {
	ctx := cmd.Context()
	logger := loggerFromContext(ctx)

	src, err := readRaster(o.in)
	if err != nil {
		return err
	}
	ec, err := engineConfig(cfg, o)
	if err != nil {
		return err
	}

	field := warp.UniformField(1, 1, float32(o.dx), float32(o.dy))
	if o.moving != "" {
		moving, err := readRaster(o.moving)
		if err != nil {
			return err
		}
		if !moving.SameGeometry(src) {
			return fmt.Errorf("%w: %dx%d vs %dx%d", pipeline.ErrDimensionMismatch,
				src.Width, src.Height, moving.Width, moving.Height)
		}
		res, err := pipeline.NewTranslationRegistrar(cfg.GetCorrelationThreshold()).Register(ctx, src, moving)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("%w: confidence %.3f", pipeline.ErrRegistrationFailed, res.Confidence)
		}
		field = res.Field
		logger.Info("registered", "confidence", fmt.Sprintf("%.3f", res.Confidence), "elapsed", res.Elapsed)
	}

	eng := warp.NewEngine(ec, nil, nil)
	tiles, err := eng.Plan(src)
	if err != nil {
		return err
	}
	prog := newProgress(logger)
	out, err := eng.WarpTiles(ctx, src, field, tiles)
	if err != nil {
		var te *warp.TileError
		if errors.As(err, &te) {
			logger.Error("tile failed", "tile", te.Tile.String(), "kind", te.Kind)
		}
		return err
	}
	if err := writeRaster(o.out, out); err != nil {
		return err
	}
	prog.done("warp written", "path", o.out, "tiles", len(tiles), "peak", eng.Device().Info().String())
	return nil
}
