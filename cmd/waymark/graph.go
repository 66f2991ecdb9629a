package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/waymark/internal/presentation/graph"
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Export the stage graph as Mermaid",
	Long: `Outputs a Mermaid diagram (graph TD) of the workflow stages and the tools
available at each. With --session, the session's path is highlighted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		var overlay *graph.GraphOverlay
		if id, _ := cmd.Flags().GetString("session"); id != "" {
			s, err := rt.Engine().GetSession(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("error loading session '%s': %w", id, err)
			}
			overlay = &graph.GraphOverlay{Visited: s.History, Current: s.Stage}
		}

		fmt.Fprint(cmd.OutOrStdout(), graph.GenerateMermaid(rt.Registry().ByStage(), overlay))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().StringP("session", "s", "", "Highlight this session's path")
}
