package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// errFeatureLocked makes `check` exit non-zero for scripting.
var errFeatureLocked = errors.New("feature locked")

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "meallens-entitlements",
		Short:         "MealLens entitlement engine",
		Long:          `Decides whether a MealLens identity may use a feature, based on its subscription, a lazily started trial and a metered free usage allowance.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.userID, "user", "", "identity ID (default $MEALLENS_USER_ID)")
	flags.StringVar(&opts.role, "role", "", "identity role (default $MEALLENS_USER_ROLE)")
	flags.StringVar(&opts.createdAt, "created-at", "", "identity creation time, RFC3339 (default $MEALLENS_USER_CREATED_AT)")
	flags.StringVar(&opts.store, "store", "", "usage store: file, sqlite or memory (default $MEALLENS_STORE)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "data directory (default $MEALLENS_DATA_DIR)")
	flags.StringVar(&opts.apiURL, "api-url", "", "backend base URL (default $MEALLENS_API_URL)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (default $MEALLENS_LOG_LEVEL)")

	rootCmd.AddCommand(
		newCheckCmd(opts),
		newRecordCmd(opts),
		newStatusCmd(opts),
		newResetCmd(opts),
		newFeaturesCmd(),
		newPlansCmd(opts),
		newServeCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "meallens-entitlements %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errFeatureLocked) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
