package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/davidahmann/gatewave/core/decision"
	"github.com/davidahmann/gatewave/core/policy"
	"github.com/davidahmann/gatewave/core/subject"
)

// errUnsatisfied makes the command exit non-zero so CI pipelines can gate
// on it, while still letting deferred cleanup run.
var errUnsatisfied = errors.New("policies are not satisfied")

func newDecisionCmd(app *appContext) *cobra.Command {
	var (
		subjectType      string
		subjectID        string
		decisionContexts []string
		productVersion   string
		when             string
		verbose          bool
		ignoreResults    []int64
		onDemandFile     string
	)

	cmd := &cobra.Command{
		Use:   "decision",
		Short: "Compute a one-shot gating decision",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, cleanup, err := buildEngine(cmd.Context(), app)
			if err != nil {
				return err
			}
			defer cleanup()

			req := decision.Request{
				DecisionContexts: decisionContexts,
				ProductVersion:   productVersion,
				Subject:          subject.Subject{Type: subjectType, Identifier: subjectID},
				Verbose:          verbose,
				When:             when,
				IgnoreResults:    ignoreResults,
			}
			if onDemandFile != "" {
				// #nosec G304 -- operator-supplied policy file.
				data, err := os.ReadFile(onDemandFile)
				if err != nil {
					return fmt.Errorf("read on-demand policy: %w", err)
				}
				onDemand, err := policy.ParseOnDemandPolicy(data)
				if err != nil {
					return err
				}
				req.OnDemandPolicy = onDemand
			}

			result, err := engine.Evaluate(cmd.Context(), req)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(result.ToJSON()); err != nil {
				return err
			}
			if !result.PoliciesSatisfied {
				return errUnsatisfied
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&subjectType, "subject-type", "", "Subject type (e.g., koji_build)")
	cmd.Flags().StringVar(&subjectID, "subject-id", "", "Subject identifier (e.g., an NVR)")
	cmd.Flags().StringSliceVar(&decisionContexts, "decision-context", nil, "Decision context(s) to evaluate")
	cmd.Flags().StringVar(&productVersion, "product-version", "", "Product version (e.g., fedora-26)")
	cmd.Flags().StringVar(&when, "when", "", "Compute the decision as of this ISO 8601 timestamp")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Include satisfied requirements and waivers")
	cmd.Flags().Int64SliceVar(&ignoreResults, "ignore-result", nil, "Result ID(s) to exclude from the evaluation")
	cmd.Flags().StringVar(&onDemandFile, "on-demand-policy", "", "JSON file with a one-shot policy replacing the configured ones")
	_ = cmd.MarkFlagRequired("subject-type")
	_ = cmd.MarkFlagRequired("subject-id")
	_ = cmd.MarkFlagRequired("decision-context")
	_ = cmd.MarkFlagRequired("product-version")
	return cmd
}
