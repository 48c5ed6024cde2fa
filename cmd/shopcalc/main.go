package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcourtman/shopcalc/internal/config"
	"github.com/rcourtman/shopcalc/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

type rootOptions struct {
	json bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "shopcalc",
		Short: "shopcalc license and feature access",
		Long: `Shows and manages this device's shopcalc license. Running shopcalc without a
command starts the free trial on first use and prints the current status.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initLogging()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Shutdown()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(a *app) error {
				ctx := cmd.Context()
				if _, err := a.controller.Load(ctx); err != nil {
					return err
				}
				decision, err := a.controller.EnsureTrial(ctx)
				if err != nil {
					return err
				}
				if decision.Granted {
					fmt.Fprintln(cmd.ErrOrStderr(), "Free trial started.")
				}
				return printStatus(cmd.OutOrStdout(), a.controller.Snapshot(), opts.json)
			})
		},
	}
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newDeviceIDCmd(),
		newStatusCmd(opts),
		newTrialCmd(opts),
		newActivateCmd(opts),
		newClearCmd(opts),
		newFeaturesCmd(opts),
		newAdminOverrideCmd(opts),
		newVoiceCmd(),
		newVersionCmd(),
	)
	return root
}

// initLogging keeps the CLI quiet unless a level is set explicitly.
func initLogging() {
	logCfg := config.Log{Level: "warn", Format: "auto"}
	if cfg, err := config.LoadClient(); err == nil {
		logCfg = cfg.Log
		if os.Getenv("SHOPCALC_LOG_LEVEL") == "" {
			logCfg.Level = "warn"
		}
	}
	logging.Init(logging.Config{
		Format:    logCfg.Format,
		Level:     logCfg.Level,
		Component: "shopcalc",
		FilePath:  logCfg.File,
	})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "shopcalc %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readArgOrStdin(cmd *cobra.Command, args []string, flagValue string) (string, error) {
	raw := flagValue
	if raw == "" && len(args) > 0 {
		raw = args[0]
	}
	if strings.TrimSpace(raw) == "-" {
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 16<<10))
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		raw = string(data)
	}
	return strings.TrimSpace(raw), nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
