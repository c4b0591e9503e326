package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/banshee-data/scanalign/internal/httputil"
	"github.com/banshee-data/scanalign/internal/monitor"
)

func newStatusCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running monitor for the live run status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return printStatus(ctx, cmd, &http.Client{}, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8090", "monitor base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func printStatus(ctx context.Context, cmd *cobra.Command, c httputil.Doer, addr string) error {
	var st monitor.Status
	if err := httputil.GetJSON(ctx, c, strings.TrimRight(addr, "/")+"/api/status", &st); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run:       %s (scanalign %s)\n", st.RunID, st.Version)
	fmt.Fprintf(out, "stitcher:  %s, %dx%d, accepted %d, rejected %d, mean confidence %.3f\n",
		st.Stitcher.State, st.Stitcher.Width, st.Stitcher.Height,
		st.Stitcher.Accepted, st.Stitcher.Rejected, st.Stitcher.MeanConfidence)
	fmt.Fprintf(out, "warp:      %s, tiles %d/%d, budget %s, device %s\n",
		st.Warp.State, st.Warp.TilesDone, st.Warp.TilesTotal,
		humanize.IBytes(uint64(max(st.Warp.MemoryBudget, 0))), st.Warp.Device)
	fmt.Fprintf(out, "pipeline:  %s\n", st.Run)
	return nil
}
