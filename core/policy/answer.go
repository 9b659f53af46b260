package policy

import "github.com/davidahmann/gatewave/core/subject"

// Waivable testcase names for answers produced by remote-rule failures.
// Waivers filed against these names let submitters override a broken or
// absent gating fragment the same way they override a test failure.
const (
	TestCaseInvalidGatingYaml = "invalid-gating-yaml"
	TestCaseMissingGatingYaml = "missing-gating-yaml"
)

// Answer is the typed outcome of evaluating one rule for one subject.
// Unsatisfied answers block the decision unless waived.
type Answer interface {
	IsSatisfied() bool
	// TestCase names the requirement the answer speaks about, used for
	// waiver matching.
	TestCase() string
	// AnswerSubject is the subject the answer applies to; nil only for a
	// bare RuleSatisfied that was never tied to a retrieval.
	AnswerSubject() *subject.Subject
	ToJSON() map[string]any
}

// RuleSatisfied marks a requirement as met, either inherently or because a
// waiver replaced an unsatisfied answer (WaiverID non-zero).
type RuleSatisfied struct {
	Subject      *subject.Subject
	TestCaseName string
	WaiverID     int64
}

func (a *RuleSatisfied) IsSatisfied() bool               { return true }
func (a *RuleSatisfied) TestCase() string                { return a.TestCaseName }
func (a *RuleSatisfied) AnswerSubject() *subject.Subject { return a.Subject }

func (a *RuleSatisfied) ToJSON() map[string]any {
	out := map[string]any{
		"type":     "rule-satisfied",
		"testcase": a.TestCaseName,
	}
	addSubject(out, a.Subject)
	if a.WaiverID != 0 {
		out["waiver_id"] = a.WaiverID
	}
	return out
}

// TestResultPassed carries the passing result that satisfied a
// PassingTestCaseRule.
type TestResultPassed struct {
	Subject      *subject.Subject
	TestCaseName string
	ResultID     int64
}

func (a *TestResultPassed) IsSatisfied() bool               { return true }
func (a *TestResultPassed) TestCase() string                { return a.TestCaseName }
func (a *TestResultPassed) AnswerSubject() *subject.Subject { return a.Subject }

func (a *TestResultPassed) ToJSON() map[string]any {
	out := map[string]any{
		"type":      "test-result-passed",
		"testcase":  a.TestCaseName,
		"result_id": a.ResultID,
	}
	addSubject(out, a.Subject)
	return out
}

// TestResultFailed blocks the decision: the latest matching result has a
// non-passing outcome.
type TestResultFailed struct {
	Subject      *subject.Subject
	TestCaseName string
	Scenario     string
	ResultID     int64
}

func (a *TestResultFailed) IsSatisfied() bool               { return false }
func (a *TestResultFailed) TestCase() string                { return a.TestCaseName }
func (a *TestResultFailed) AnswerSubject() *subject.Subject { return a.Subject }

func (a *TestResultFailed) ToJSON() map[string]any {
	out := map[string]any{
		"type":      "test-result-failed",
		"testcase":  a.TestCaseName,
		"result_id": a.ResultID,
		"scenario":  emptyAsNil(a.Scenario),
	}
	addSubject(out, a.Subject)
	return out
}

// TestResultMissing blocks the decision: no matching result exists at all.
type TestResultMissing struct {
	Subject      *subject.Subject
	TestCaseName string
	Scenario     string
}

func (a *TestResultMissing) IsSatisfied() bool               { return false }
func (a *TestResultMissing) TestCase() string                { return a.TestCaseName }
func (a *TestResultMissing) AnswerSubject() *subject.Subject { return a.Subject }

func (a *TestResultMissing) ToJSON() map[string]any {
	out := map[string]any{
		"type":     "test-result-missing",
		"testcase": a.TestCaseName,
		"scenario": emptyAsNil(a.Scenario),
	}
	addSubject(out, a.Subject)
	return out
}

// InvalidRemoteRuleYaml blocks the decision: a gating fragment was fetched
// but failed to parse. Waivable under TestCaseInvalidGatingYaml.
type InvalidRemoteRuleYaml struct {
	Subject *subject.Subject
	Details string
}

func (a *InvalidRemoteRuleYaml) IsSatisfied() bool               { return false }
func (a *InvalidRemoteRuleYaml) TestCase() string                { return TestCaseInvalidGatingYaml }
func (a *InvalidRemoteRuleYaml) AnswerSubject() *subject.Subject { return a.Subject }

func (a *InvalidRemoteRuleYaml) ToJSON() map[string]any {
	out := map[string]any{
		"type":     "invalid-gating-yaml",
		"testcase": TestCaseInvalidGatingYaml,
		"details":  a.Details,
	}
	addSubject(out, a.Subject)
	return out
}

// MissingRemoteRuleYaml records that no gating fragment was found. It is
// informational (satisfied) unless the RemoteRule was marked required.
// Waivable under TestCaseMissingGatingYaml.
type MissingRemoteRuleYaml struct {
	Subject  *subject.Subject
	Required bool
}

func (a *MissingRemoteRuleYaml) IsSatisfied() bool               { return !a.Required }
func (a *MissingRemoteRuleYaml) TestCase() string                { return TestCaseMissingGatingYaml }
func (a *MissingRemoteRuleYaml) AnswerSubject() *subject.Subject { return a.Subject }

func (a *MissingRemoteRuleYaml) ToJSON() map[string]any {
	out := map[string]any{
		"type":     "missing-gating-yaml",
		"testcase": TestCaseMissingGatingYaml,
	}
	addSubject(out, a.Subject)
	return out
}

func addSubject(out map[string]any, s *subject.Subject) {
	if s == nil {
		return
	}
	out["subject_type"] = s.Type
	out["subject_identifier"] = s.Identifier
}

// IsRemoteRuleError reports whether the answer stems from a broken or
// absent gating fragment. Waiving such an answer removes it from the
// decision instead of converting it to satisfied.
func IsRemoteRuleError(a Answer) bool {
	switch a.(type) {
	case *InvalidRemoteRuleYaml, *MissingRemoteRuleYaml:
		return true
	}
	return false
}
