package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/scanalign/internal/fsutil"
	"github.com/banshee-data/scanalign/internal/monitor"
	"github.com/banshee-data/scanalign/internal/raster"
	"github.com/banshee-data/scanalign/internal/stitch"
)

type stitchOptions struct {
	out           string
	report        string
	history       string
	bidirectional bool
}

func newStitchCmd(g *globalFlags) *cobra.Command {
	o := &stitchOptions{}
	cmd := &cobra.Command{
		Use:   "stitch <strips-dir>",
		Short: "Stitch a directory of strip images into one composite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			st := stitch.New(stitch.Config{
				OverlapPixels:    cfg.GetOverlapPixels(),
				BlendingEnabled:  cfg.GetBlendingEnabled(),
				NormalizeReverse: cfg.GetNormalizeReverse(),
				Threshold:        cfg.GetCorrelationThreshold(),
			})
			return stitchDir(cmd, st, args[0], o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.out, "out", "o", "composite.tif", "composite output (TIFF or PNG)")
	f.StringVar(&o.report, "report", "", "PNG alignment report path")
	f.StringVar(&o.history, "history", "", "write the stitch history as JSON")
	f.BoolVar(&o.bidirectional, "bidirectional", false, "every second strip was scanned in reverse")
	return cmd
}

func stitchDir(cmd *cobra.Command, st *stitch.Stitcher, dir string, o *stitchOptions) error {
	logger := loggerFromContext(cmd.Context())
	fsys := fsutil.OSFileSystem{}
	names, err := fsys.ReadDir(dir)
	if err != nil {
		return err
	}

	prog := newProgress(logger)
	var id uint64
	for _, name := range names {
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".tif" && ext != ".tiff" && ext != ".png" {
			continue
		}
		r, err := readRaster(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		dirn := raster.Forward
		if o.bidirectional && id%2 == 1 {
			dirn = raster.Reverse
		}
		strip := raster.Strip{ID: id, Direction: dirn, Raster: r}
		id++
		if err := st.AddStrip(strip); err != nil {
			if errors.Is(err, stitch.ErrIncompatibleStrip) {
				return fmt.Errorf("%s: %w", name, err)
			}
			logger.Warn("strip rejected", "file", name, "err", err)
			continue
		}
		logger.Debug("strip fused", "file", name, "height", st.Height())
	}

	composite := st.Snapshot()
	if composite == nil {
		return fmt.Errorf("no strips found in %s", dir)
	}
	if err := writeRaster(o.out, composite); err != nil {
		return err
	}
	stats := st.Stats()
	prog.done("composite written", "path", o.out, "height", stats.Height,
		"accepted", stats.Accepted, "rejected", stats.Rejected, "mean_confidence", fmt.Sprintf("%.3f", stats.MeanConfidence))

	if o.report != "" {
		if err := validateOutput(o.report); err != nil {
			return err
		}
		if err := monitor.SaveAlignmentReport(o.report, st.History(), st.Config().Threshold); err != nil {
			return err
		}
	}
	if o.history != "" {
		if err := validateOutput(o.history); err != nil {
			return err
		}
		data, err := json.MarshalIndent(st.History(), "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(o.history, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
