package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aretw0/waymark"
	"github.com/aretw0/waymark/internal/cli"
	"github.com/aretw0/waymark/internal/presentation/tui"
	waymarkhttp "github.com/aretw0/waymark/pkg/adapters/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Exposes sessions, tool calls, the stage graph, session event streams and
Prometheus metrics over HTTP. The expiry sweeper runs alongside.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
		}

		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()

		rt, err := buildRuntime(ctx, cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		if tui.IsTerminal(os.Stderr) {
			tui.PrintBanner(os.Stderr)
		}

		srv := waymarkhttp.NewServer(rt.Gate(),
			waymarkhttp.WithLogger(rt.Logger),
			waymarkhttp.WithStreams(rt.Streams),
			waymarkhttp.WithMetrics(rt.Metrics),
			waymarkhttp.WithVersion(waymark.Version),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.Server.Addr)
		})
		if cfg.Expiry.MaxAge > 0 {
			g.Go(func() error {
				return rt.RunExpiry(gctx, cfg.Expiry.MaxAge, cfg.Expiry.Interval)
			})
		}

		err = g.Wait()
		if sig := ctx.Signal(); sig != nil {
			fmt.Fprintf(os.Stderr, "Waymark server stopped gracefully (%v)\n", sig)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("addr", "a", ":8080", "Address to listen on")
}
