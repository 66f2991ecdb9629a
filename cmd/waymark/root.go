package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/waymark/internal/cli"
	"github.com/aretw0/waymark/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "waymark",
	Short: "Waymark gates agent tool calls behind a staged query workflow",
	Long: `Waymark keeps an AI agent on the path from discovering database instances
to presenting query results. Tools called out of order are refused with an
explanation of where the session stands and what it still needs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		envFile, _ := cmd.Flags().GetString("env-file")
		loaded, err := config.Load(path, envFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default "+config.DefaultPath+" if present)")
	rootCmd.PersistentFlags().String("env-file", ".env", "Dotenv file with WAYMARK_* variables")
	rootCmd.PersistentFlags().Bool("debug", false, "Log at debug level")
	rootCmd.PersistentFlags().Bool("trace", false, "Print OpenTelemetry spans to stderr")
}

// buildRuntime wires the configured store and tools.
func buildRuntime(ctx context.Context, cmd *cobra.Command) (*cli.Runtime, error) {
	debug, _ := cmd.Flags().GetBool("debug")
	trace, _ := cmd.Flags().GetBool("trace")
	opts := cli.BuildOptions{Debug: debug}
	if trace {
		opts.TraceOutput = os.Stderr
	}
	return cli.Build(ctx, cfg, opts)
}
