package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atomize-hq/substrate/internal/broker"
	"github.com/atomize-hq/substrate/internal/policy"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and manage the active policy",
	}
	cmd.AddCommand(policyShowCmd())
	cmd.AddCommand(policyLoadCmd())
	cmd.AddCommand(policyReloadCmd())
	return cmd
}

func policyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective policy for the current directory as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			pol, path, err := policy.LoadEffectiveForCwd(cwd)
			if err != nil {
				return err
			}
			out, err := pol.ToYAML()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintln(os.Stderr, "# built-in default policy (no policy.yaml found)")
			} else {
				fmt.Fprintf(os.Stderr, "# %s\n", path)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func policyLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <path>",
		Short: "Load a policy file into the running broker singleton",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := broker.Init(args[0])
			if err != nil {
				return fmt.Errorf("load policy: %w", err)
			}
			fmt.Printf("loaded policy %q from %s\n", b.CurrentPolicy().ID, args[0])
			return nil
		},
	}
}

func policyReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload <path>",
		Short: "Reload the policy file into the running broker singleton",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := broker.Get()
			if b == nil {
				return fmt.Errorf("broker not initialized in this process")
			}
			if err := b.ReloadPolicy(args[0]); err != nil {
				return fmt.Errorf("reload policy: %w", err)
			}
			fmt.Printf("reloaded policy %q from %s\n", b.CurrentPolicy().ID, args[0])
			return nil
		},
	}
}
