package main

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/aretw0/waymark/pkg/gate"
)

var callCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Run one tool through the gate",
	Long: `Runs a tool exactly as an agent would, printing the gate's response.
Arguments are given as --arg key=value; values that parse as JSON are decoded.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		callArgs, err := parseArgs(cmd)
		if err != nil {
			return err
		}

		rt, err := buildRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		resp, err := rt.Call(cmd.Context(), args[0], callArgs)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			data, err := sonic.ConfigStd.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}
		fmt.Fprintln(out, resp.Text)
		if resp.IsError {
			return fmt.Errorf("%s did not succeed", args[0])
		}
		return nil
	},
}

func parseArgs(cmd *cobra.Command) (map[string]any, error) {
	pairs, _ := cmd.Flags().GetStringArray("arg")
	sessionID, _ := cmd.Flags().GetString("session")

	out := map[string]any{gate.SessionArg: sessionID}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --arg %q: expected key=value", p)
		}
		var decoded any
		if err := sonic.ConfigStd.UnmarshalFromString(v, &decoded); err == nil {
			if _, isString := decoded.(string); !isString {
				out[k] = decoded
				continue
			}
		}
		out[k] = v
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringP("session", "s", gate.DefaultSessionID, "Session to run in")
	callCmd.Flags().StringArrayP("arg", "a", nil, "Tool argument as key=value (repeatable)")
	callCmd.Flags().Bool("json", false, "Print the structured response")
}
