package policy

import (
	"context"

	"github.com/davidahmann/gatewave/core/subject"
)

// Result is one test result as reported by the results service, reduced to
// the fields rule evaluation needs.
type Result struct {
	ID         int64    `json:"id"`
	TestCase   string   `json:"testcase"`
	Outcome    string   `json:"outcome"`
	SubmitTime string   `json:"submit_time"`
	Scenarios  []string `json:"scenarios,omitempty"`
}

// OutcomePassed is the only outcome that satisfies a PassingTestCaseRule.
const OutcomePassed = "PASSED"

// MatchesScenario reports whether the result applies to the given scenario.
// An empty scenario filter matches every result.
func (r *Result) MatchesScenario(scenario string) bool {
	if scenario == "" {
		return true
	}
	for _, s := range r.Scenarios {
		if s == scenario {
			return true
		}
	}
	return false
}

// ResultsSource supplies the latest results for a subject, filtered by test
// case and scenario. Implementations memoize per-subject fetches within one
// decision-evaluation scope.
type ResultsSource interface {
	Retrieve(ctx context.Context, subj subject.Subject, testCase, scenario string) ([]Result, error)
}

// RemoteFragmentSource resolves the policy fragment hosted in a subject's
// source repository. It returns (nil, nil) when the subject genuinely has no
// fragment, a schema-classified error when the fragment exists but fails to
// parse, and a gateway/connection error when upstream cannot be reached.
type RemoteFragmentSource interface {
	FragmentPolicies(ctx context.Context, subj subject.Subject) ([]*Policy, error)
}
