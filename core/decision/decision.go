// Package decision computes gating decisions: it selects the applicable
// policies for a request, evaluates their rules against fetched results,
// applies waivers and aggregates the outcome.
package decision

import (
	"github.com/davidahmann/gatewave/core/policy"
	"github.com/davidahmann/gatewave/core/subject"
	"github.com/davidahmann/gatewave/core/waiver"
)

// Request asks whether a subject meets one or more gating points for a
// product version.
type Request struct {
	DecisionContext  string
	DecisionContexts []string
	ProductVersion   string
	Subject          subject.Subject

	// Verbose includes the waivers and satisfied requirements in the
	// decision.
	Verbose bool

	// When restricts the decision to results and waivers submitted
	// strictly before this ISO 8601 timestamp. Empty means now.
	When string

	// IgnoreResults excludes specific result IDs from the evaluation, so a
	// result announcing this very decision cannot feed back into it.
	IgnoreResults []int64

	// OnDemandPolicy, when non-nil, replaces the configured policies for
	// this request.
	OnDemandPolicy *policy.Policy
}

// Contexts returns the union of the singular and plural context fields.
func (r *Request) Contexts() []string {
	if r.DecisionContext != "" {
		return append([]string{r.DecisionContext}, r.DecisionContexts...)
	}
	return r.DecisionContexts
}

// Decision is the outcome of one evaluation.
type Decision struct {
	PoliciesSatisfied  bool
	Summary            string
	ApplicablePolicies []string
	Answers            []policy.Answer
	Waivers            []waiver.Waiver
	Verbose            bool
}

// ToJSON renders the decision in its stable wire shape. Requirement lists
// are split by satisfaction; waivers appear only on verbose decisions.
func (d *Decision) ToJSON() map[string]any {
	satisfied := make([]map[string]any, 0)
	unsatisfied := make([]map[string]any, 0)
	for _, answer := range d.Answers {
		if answer.IsSatisfied() {
			satisfied = append(satisfied, answer.ToJSON())
		} else {
			unsatisfied = append(unsatisfied, answer.ToJSON())
		}
	}
	out := map[string]any{
		"policies_satisfied":       d.PoliciesSatisfied,
		"summary":                  d.Summary,
		"applicable_policies":      d.ApplicablePolicies,
		"unsatisfied_requirements": unsatisfied,
	}
	if d.Verbose {
		out["satisfied_requirements"] = satisfied
		waivers := make([]waiver.Waiver, 0, len(d.Waivers))
		waivers = append(waivers, d.Waivers...)
		out["waivers"] = waivers
	}
	return out
}
