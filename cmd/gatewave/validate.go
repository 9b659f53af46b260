package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidahmann/gatewave/core/policy"
)

func newValidateCmd(app *appContext) *cobra.Command {
	var policiesDir string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a policy directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := policiesDir
			if dir == "" {
				dir = app.cfg.PoliciesDir
			}
			if dir == "" {
				return fmt.Errorf("no policy directory given (flag --policies-dir or config policies_dir)")
			}
			policies, err := policy.LoadPolicies(dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d policies OK\n", len(policies))
			return nil
		},
	}
	cmd.Flags().StringVar(&policiesDir, "policies-dir", "", "Policy directory to validate (defaults to the configured one)")
	return cmd
}
