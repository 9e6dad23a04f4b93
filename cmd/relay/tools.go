package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaycore/relay/pkg/audit"
	"github.com/relaycore/relay/pkg/config"
	"github.com/relaycore/relay/pkg/killswitch"
	"github.com/relaycore/relay/pkg/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Policy bundle tools"}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <bundle.yaml>",
		Short: "Validate a policy bundle and print its content hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			b := pol.Bundle()
			fmt.Fprintf(cmd.OutOrStdout(), "ok\tname=%s\tversion=%s\trules=%d\nhash\t%s\n",
				b.Name, b.Version, len(b.Rules), pol.Hash())
			return nil
		},
	})
	return cmd
}

func newAuditCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Audit trail tools"}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Recompute the audit hash chain and report the first break",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*configPath)
			if err != nil {
				return err
			}
			db, err := sql.Open("sqlite", cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			db.SetMaxOpenConns(1)

			chain, err := audit.NewChain(db)
			if err != nil {
				return err
			}
			entries, err := chain.Entries(cmd.Context())
			if err != nil {
				return err
			}
			res := audit.Verify(entries)
			if !res.OK {
				return fmt.Errorf("chain broken at index %d of %d entries", res.FirstBreak, len(entries))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok\tentries=%d\thead=%s\n", len(entries), chain.Head())
			return nil
		},
	})
	return cmd
}

// newSwitchCmd builds one of the kill-switch commands. They operate on the
// durable state file; a running relay observes the change on its next
// admission check.
func newSwitchCmd(configPath *string, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*configPath)
			if err != nil {
				return err
			}
			sw := killswitch.Load(cfg.KillSwitchPath)
			switch verb {
			case "pause":
				err = sw.Pause()
			case "resume":
				err = sw.Resume()
			case "stop":
				err = sw.Stop()
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kill switch: %s\n", sw.State())
			return nil
		},
	}
}
