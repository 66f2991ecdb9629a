package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage persistent sessions",
	Long:  `List, inspect, remove, expire and back up the sessions in the configured store.`,
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List all sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		sessions, err := rt.Engine().ListSessions(cmd.Context())
		if err != nil {
			return fmt.Errorf("error listing sessions: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tSTAGE\tPROGRESS\tUPDATED")
		for _, s := range sessions {
			sum := s.Summarize()
			fmt.Fprintf(w, "%s\t%s\t%.0f%%\t%s\n", sum.SessionID, sum.Stage, sum.Progress, sum.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var sessionInspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Print the stored record of a session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		s, err := rt.Engine().GetSession(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("error loading session '%s': %w", args[0], err)
		}
		data, err := sonic.ConfigStd.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("error marshaling session: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm <session-id>...",
	Short: "Remove one or more sessions",
	Args: func(cmd *cobra.Command, args []string) error {
		if all, _ := cmd.Flags().GetBool("all"); all {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.MinimumNArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		if all, _ := cmd.Flags().GetBool("all"); all {
			sessions, err := rt.Engine().ListSessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("error listing sessions: %w", err)
			}
			for _, s := range sessions {
				args = append(args, s.ID)
			}
		}

		out := cmd.OutOrStdout()
		var failed int
		for _, id := range args {
			existed, err := rt.Engine().Delete(cmd.Context(), id)
			switch {
			case err != nil:
				fmt.Fprintf(out, "Error removing '%s': %v\n", id, err)
				failed++
			case !existed:
				fmt.Fprintf(out, "Session '%s' not found\n", id)
			default:
				fmt.Fprintf(out, "Removed session '%s'\n", id)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d session(s) could not be removed", failed)
		}
		return nil
	},
}

var sessionExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Remove sessions idle for longer than --max-age",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge := cfg.Expiry.MaxAge
		if cmd.Flags().Changed("max-age") {
			maxAge, _ = cmd.Flags().GetDuration("max-age")
		}
		if maxAge <= 0 {
			return fmt.Errorf("max age must be positive")
		}

		rt, err := buildRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		n, err := rt.Engine().ExpireOlderThan(cmd.Context(), maxAge)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Expired %d session(s) idle for more than %s\n", n, maxAge)
		return nil
	},
}

var sessionBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot every session",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		loc, err := rt.Engine().BackupAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", loc)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionLsCmd, sessionInspectCmd, sessionRmCmd, sessionExpireCmd, sessionBackupCmd)

	sessionRmCmd.Flags().Bool("all", false, "Remove every session")
	sessionExpireCmd.Flags().Duration("max-age", 0, "Idle time after which a session is removed (default expiry.max_age)")
}
