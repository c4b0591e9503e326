package main

import (
	"context"
	"fmt"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/banshee-data/scanalign/internal/config"
	"github.com/banshee-data/scanalign/internal/version"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	verbose    bool
	configPath string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "scanalign",
		Short:        "Stitch line-scan strips and warp reference designs onto them",
		Version:      version.Version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := charmlog.InfoLevel
			if g.verbose {
				level = charmlog.DebugLevel
			}
			l := newLogger(cmd.ErrOrStderr(), level)
			installLogger(l)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(withLogger(ctx, l))
		},
	}
	info := version.Current()
	root.SetVersionTemplate(fmt.Sprintf("scanalign %s\ncommit: %s\nbuilt: %s\n", info.Version, info.GitSHA, info.BuildTime))
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "pipeline config JSON (defaults apply when omitted)")

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newStitchCmd(g))
	root.AddCommand(newPlanCmd(g))
	root.AddCommand(newWarpCmd(g))
	root.AddCommand(newStatusCmd())
	root.AddCommand(newRunsCmd())
	return root
}

// loadConfig reads the --config file, or returns the defaults.
func (g *globalFlags) loadConfig() (*config.PipelineConfig, error) {
	if g.configPath == "" {
		return config.DefaultPipelineConfig(), nil
	}
	return config.Load(g.configPath)
}

// ensureDir creates dir for an output path that must stay within the
// working or temp directory.
func ensureDir(dir string) error {
	if err := validateOutput(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}
