// Package waiver applies recorded waivers to rule evaluation answers.
package waiver

import (
	"github.com/davidahmann/gatewave/core/policy"
	"github.com/davidahmann/gatewave/core/subject"
)

// Waiver is a record that an unsatisfied requirement may be ignored for a
// specific subject and product version.
type Waiver struct {
	ID                int64  `json:"id"`
	SubjectType       string `json:"subject_type"`
	SubjectIdentifier string `json:"subject_identifier"`
	ProductVersion    string `json:"product_version"`
	TestCase          string `json:"testcase"`
	Waived            bool   `json:"waived"`
	Timestamp         string `json:"timestamp"`
	Comment           string `json:"comment,omitempty"`
	Username          string `json:"username,omitempty"`
}

func (w *Waiver) matches(a policy.Answer, productVersion string) bool {
	if !w.Waived {
		return false
	}
	if w.ProductVersion != productVersion {
		return false
	}
	s := a.AnswerSubject()
	if s == nil {
		return false
	}
	if !subject.TypesMatch(w.SubjectType, s.Type) {
		return false
	}
	if w.SubjectIdentifier != s.Identifier {
		return false
	}
	return w.TestCase == a.TestCase()
}

// Apply replaces every waived unsatisfied answer. A waiver only covers the
// product version the decision was requested for. Waived test failures and
// missing results become satisfied answers that carry the waiver id; waived
// gating.yaml errors are dropped entirely, since there is no requirement
// left behind them to report on.
func Apply(answers []policy.Answer, waivers []Waiver, productVersion string) []policy.Answer {
	out := make([]policy.Answer, 0, len(answers))
	for _, answer := range answers {
		if answer.IsSatisfied() {
			out = append(out, answer)
			continue
		}
		waiver := matchingWaiver(answer, waivers, productVersion)
		if waiver == nil {
			out = append(out, answer)
			continue
		}
		if policy.IsRemoteRuleError(answer) {
			continue
		}
		out = append(out, &policy.RuleSatisfied{
			Subject:      answer.AnswerSubject(),
			TestCaseName: answer.TestCase(),
			WaiverID:     waiver.ID,
		})
	}
	return out
}

func matchingWaiver(a policy.Answer, waivers []Waiver, productVersion string) *Waiver {
	for i := range waivers {
		if waivers[i].matches(a, productVersion) {
			return &waivers[i]
		}
	}
	return nil
}
