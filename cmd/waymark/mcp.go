package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aretw0/waymark"
	"github.com/aretw0/waymark/internal/cli"
	"github.com/aretw0/waymark/pkg/adapters/mcp"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Starts Waymark as an MCP server exposing every workflow tool.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("transport") {
			cfg.Server.Transport, _ = cmd.Flags().GetString("transport")
		}
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
		}
		baseURL, _ := cmd.Flags().GetString("base-url")

		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()

		rt, err := buildRuntime(ctx, cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		srv := mcp.NewServer(rt.Gate(), mcp.WithLogger(rt.Logger), mcp.WithVersion(waymark.Version))

		g, gctx := errgroup.WithContext(ctx)
		if cfg.Expiry.MaxAge > 0 {
			g.Go(func() error {
				return rt.RunExpiry(gctx, cfg.Expiry.MaxAge, cfg.Expiry.Interval)
			})
		}

		switch cfg.Server.Transport {
		case "stdio":
			rt.Logger.Info("Starting Waymark MCP Server (Stdio)")
			g.Go(func() error {
				// ServeStdio returns on EOF or its own signal handling.
				defer ctx.Cancel()
				return srv.ServeStdio()
			})
		case "sse":
			if baseURL == "" {
				baseURL = "http://localhost" + cfg.Server.Addr
			}
			g.Go(func() error {
				defer ctx.Cancel()
				return srv.ServeSSE(gctx, cfg.Server.Addr, baseURL)
			})
		default:
			return fmt.Errorf("unknown transport: %s. Supported: stdio, sse", cfg.Server.Transport)
		}

		err = g.Wait()
		if sig := ctx.Signal(); sig != nil {
			fmt.Fprintf(os.Stderr, "MCP server stopped (%v)\n", sig)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport protocol to use: 'stdio' or 'sse'")
	mcpCmd.Flags().String("addr", ":8080", "Address to listen on (only for SSE)")
	mcpCmd.Flags().String("base-url", "", "Public base URL advertised to SSE clients")
}
