package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/banshee-data/scanalign/internal/tiling"
	"github.com/banshee-data/scanalign/internal/warp"
)

type planOptions struct {
	width, height int
	channels      int
	budget        string
	showTiles     bool
}

func newPlanCmd(g *globalFlags) *cobra.Command {
	o := &planOptions{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show how an image would be tiled under the memory budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			budget := cfg.GetMemoryBudget()
			if o.budget != "" {
				b, err := humanize.ParseBytes(o.budget)
				if err != nil {
					return fmt.Errorf("--budget: %w", err)
				}
				budget = int64(b)
			}
			req := tiling.Request{
				ImageWidth:    o.width,
				ImageHeight:   o.height,
				BytesPerPixel: warp.BytesPerPixel(o.channels),
				Budget:        budget,
				SafetyFactor:  cfg.GetSafetyFactor(),
			}
			sched := tiling.Scheduler{
				TileWidth:  cfg.GetTileWidth(),
				TileHeight: cfg.GetTileHeight(),
				Halo:       cfg.GetTileOverlap(),
			}
			tiles, err := sched.Plan(req)
			if err != nil {
				return err
			}
			return printPlan(cmd, req, tiles, o.showTiles)
		},
	}
	f := cmd.Flags()
	f.IntVar(&o.width, "width", 0, "image width in pixels")
	f.IntVar(&o.height, "height", 0, "image height in pixels")
	f.IntVar(&o.channels, "channels", 1, "samples per pixel")
	f.StringVar(&o.budget, "budget", "", "memory budget, e.g. 64MiB (overrides config)")
	f.BoolVar(&o.showTiles, "tiles", false, "list every tile")
	_ = cmd.MarkFlagRequired("width")
	_ = cmd.MarkFlagRequired("height")
	return cmd
}

func printPlan(cmd *cobra.Command, req tiling.Request, tiles []tiling.Tile, all bool) error {
	out := cmd.OutOrStdout()
	peak := tiling.MaxFootprint(tiles, req)
	fmt.Fprintf(out, "image:      %dx%d, %s per pixel\n", req.ImageWidth, req.ImageHeight, humanize.IBytes(uint64(req.BytesPerPixel)))
	fmt.Fprintf(out, "budget:     %s (limit %s after safety factor %.2f)\n",
		humanize.IBytes(uint64(req.Budget)), humanize.IBytes(uint64(req.Limit())), req.SafetyFactor)
	fmt.Fprintf(out, "tiles:      %d\n", len(tiles))
	fmt.Fprintf(out, "peak tile:  %s\n", humanize.IBytes(uint64(peak)))
	if err := tiling.Coverage(tiles, req.ImageWidth, req.ImageHeight); err != nil {
		return err
	}
	if !all {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tX\tY\tW\tH\tHALO\tFOOTPRINT")
	for _, t := range tiles {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%s\n", t.Index, t.X, t.Y, t.Width, t.Height, t.Halo,
			humanize.IBytes(uint64(tiling.TileFootprint(t, req))))
	}
	return tw.Flush()
}
