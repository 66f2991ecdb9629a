package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/waymark/internal/presentation/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show where a session stands in the workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		info, err := rt.Engine().CurrentStageInfo(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("error loading session '%s': %w", args[0], err)
		}
		md := tui.SessionMarkdown(info, rt.Registry().AvailableAt(info.Stage))

		out := cmd.OutOrStdout()
		rendered, err := tui.NewRenderer(out)(md)
		if err != nil {
			rendered = md
		}
		fmt.Fprint(out, rendered)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
