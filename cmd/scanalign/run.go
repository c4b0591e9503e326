package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/scanalign/internal/config"
	"github.com/banshee-data/scanalign/internal/fsutil"
	"github.com/banshee-data/scanalign/internal/monitor"
	"github.com/banshee-data/scanalign/internal/pipeline"
	"github.com/banshee-data/scanalign/internal/raster"
	"github.com/banshee-data/scanalign/internal/security"
	"github.com/banshee-data/scanalign/internal/storage/sqlite"
)

type runOptions struct {
	design        string
	stripsDir     string
	synthetic     bool
	stripHeight   int
	jitter        int
	pace          time.Duration
	seed          int64
	bidirectional bool
	outDir        string
	prefix        string
	journal       string
	listen        string
	grpcAddr      string
	report        string
	blur          int
	gaussian      float64
	median        int
	equalize      bool
	normalize     bool
	noRegister    bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full acquisition, stitching, registration and warp pipeline",
		Long: `Run consumes strips either from a directory (--strips) or cut from the
design itself (--synthetic), stitches them, registers the composite against
the design every registration_interval strips and warps the design onto
the scan with the tiled engine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPipeline(ctx, cfg, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.design, "design", "", "reference design image (TIFF or PNG)")
	f.StringVar(&o.stripsDir, "strips", "", "directory of strip images, consumed in lexical order")
	f.BoolVar(&o.synthetic, "synthetic", false, "cut strips from the design instead of reading --strips")
	f.IntVar(&o.stripHeight, "strip-height", 256, "synthetic strip height in lines")
	f.IntVar(&o.jitter, "jitter", 0, "synthetic horizontal jitter in pixels")
	f.DurationVar(&o.pace, "pace", 0, "delay between synthetic strips")
	f.Int64Var(&o.seed, "seed", 1, "synthetic jitter seed")
	f.BoolVar(&o.bidirectional, "bidirectional", false, "every second strip was scanned in reverse")
	f.StringVar(&o.outDir, "out", "", "directory for warped outputs (disabled when empty)")
	f.StringVar(&o.prefix, "prefix", "warped", "output file prefix")
	f.StringVar(&o.journal, "journal", "", "sqlite journal path (disabled when empty)")
	f.StringVar(&o.listen, "listen", "", "HTTP monitor address, e.g. localhost:8090")
	f.StringVar(&o.grpcAddr, "grpc", "", "gRPC health address, e.g. localhost:8091")
	f.StringVar(&o.report, "report", "", "write a PNG alignment report here when the run ends")
	f.Float64Var(&o.gaussian, "gaussian", 0, "gaussian blur sigma applied before registration")
	f.IntVar(&o.blur, "blur", 0, "box blur radius applied before registration")
	f.IntVar(&o.median, "median", 0, "median filter size applied before registration")
	f.BoolVar(&o.equalize, "equalize", false, "equalize the histogram before registration")
	f.BoolVar(&o.normalize, "normalize", false, "stretch contrast before registration")
	f.BoolVar(&o.noRegister, "no-register", false, "stitch only; skip registration and warp")
	return cmd
}

func (o *runOptions) source(design *raster.Raster, cfg *config.PipelineConfig) (pipeline.StripSource, error) {
	switch {
	case o.synthetic && o.stripsDir != "":
		return nil, errors.New("--synthetic and --strips are mutually exclusive")
	case o.synthetic:
		if design == nil {
			return nil, errors.New("--synthetic requires --design")
		}
		return &pipeline.SyntheticSource{
			Scene:         design,
			StripHeight:   o.stripHeight,
			Overlap:       cfg.GetOverlapPixels(),
			Jitter:        o.jitter,
			Bidirectional: o.bidirectional,
			Pace:          o.pace,
			Seed:          o.seed,
		}, nil
	case o.stripsDir != "":
		return &pipeline.DirSource{FS: fsutil.OSFileSystem{}, Dir: o.stripsDir, Bidirectional: o.bidirectional}, nil
	default:
		return nil, errors.New("one of --strips or --synthetic is required")
	}
}

func (o *runOptions) preprocessor() pipeline.Preprocessor {
	var chain pipeline.Chain
	if o.gaussian > 0 {
		chain = append(chain, pipeline.GaussianBlur{Sigma: float32(o.gaussian)})
	}
	if o.blur > 0 {
		chain = append(chain, pipeline.BoxBlur{Radius: o.blur})
	}
	if o.median > 1 {
		chain = append(chain, pipeline.Median{Size: o.median})
	}
	if o.equalize {
		chain = append(chain, pipeline.EqualizeHist{})
	}
	if o.normalize {
		chain = append(chain, pipeline.Normalize{})
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}

func runPipeline(ctx context.Context, cfg *config.PipelineConfig, o *runOptions) error {
	logger := loggerFromContext(ctx)

	var design *raster.Raster
	if o.design != "" {
		d, err := readRaster(o.design)
		if err != nil {
			return err
		}
		design = d
		logger.Info("loaded design", "path", o.design, "width", d.Width, "height", d.Height,
			"channels", d.Channels, "size", humanize.IBytes(uint64(d.SizeBytes())))
	}
	src, err := o.source(design, cfg)
	if err != nil {
		return err
	}

	deps := pipeline.Deps{
		Source:       src,
		Preprocessor: o.preprocessor(),
	}
	if design != nil && !o.noRegister {
		deps.Reference = design
		deps.Registrar = pipeline.NewTranslationRegistrar(cfg.GetCorrelationThreshold())
	}
	if o.outDir != "" {
		if err := ensureDir(o.outDir); err != nil {
			return err
		}
		sink, err := pipeline.NewDirSink(fsutil.OSFileSystem{}, o.outDir)
		if err != nil {
			return err
		}
		sink.Prefix = security.SanitizeFilename(o.prefix)
		deps.Sink = sink
	}
	var store *sqlite.Store
	if o.journal != "" {
		if err := validateOutput(o.journal); err != nil {
			return err
		}
		store, err = sqlite.Open(o.journal)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		deps.Journal = store
	}

	p, err := pipeline.New(cfg, deps)
	if err != nil {
		return err
	}
	logger.Info("starting run", "run_id", p.RunID())

	g, gctx := errgroup.WithContext(ctx)
	// Auxiliary servers stop when the run ends.
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	if o.listen != "" {
		srv := monitor.NewServer(monitor.Config{
			Address:   o.listen,
			Journal:   store,
			Threshold: cfg.GetCorrelationThreshold(),
		}, p)
		g.Go(func() error { return srv.Start(auxCtx) })
	}
	var health *monitor.HealthServer
	if o.grpcAddr != "" {
		lis, err := net.Listen("tcp", o.grpcAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		health = monitor.NewHealthServer()
		g.Go(func() error { return health.Serve(lis) })
		g.Go(func() error {
			<-auxCtx.Done()
			health.Stop()
			return nil
		})
		health.SetRunning(true)
	}

	prog := newProgress(logger)
	g.Go(func() error {
		defer stopAux()
		err := p.Run(gctx)
		if health != nil {
			health.SetRunning(false)
		}
		return err
	})
	runErr := g.Wait()

	st := p.Stats()
	if stats, err := json.Marshal(st); err == nil {
		logger.Debug("run stats", "json", string(stats))
	}
	prog.done("run finished", "run_id", p.RunID(), "stats", st.String())

	if o.report != "" {
		if err := validateOutput(o.report); err != nil {
			return errors.Join(runErr, err)
		}
		err := monitor.SaveAlignmentReport(o.report, p.Stitcher().History(), cfg.GetCorrelationThreshold())
		if err != nil && !errors.Is(err, monitor.ErrNoHistory) {
			return errors.Join(runErr, err)
		}
	}
	if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
		logger.Warn("run interrupted")
		return nil
	}
	return runErr
}
