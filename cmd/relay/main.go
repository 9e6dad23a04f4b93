// Command relay runs the governance core standalone: it supervises a process
// over stdin/stdout, detects prompts, evaluates policy and injects decisions.
// Subcommands manage the kill switch, verify the audit chain and lint policy
// bundles.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Decision and injection guard for interactive CLI agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "relay.yaml", "config file (optional)")

	root.AddCommand(
		newRunCmd(&configPath),
		newPolicyCmd(),
		newAuditCmd(&configPath),
		newSwitchCmd(&configPath, "pause", "Force subsequent prompts to a human"),
		newSwitchCmd(&configPath, "resume", "Resume autopilot decisions"),
		newSwitchCmd(&configPath, "stop", "Stop the relay permanently (terminal)"),
	)
	return root
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
