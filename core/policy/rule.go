package policy

// Rule is one gating requirement within a policy. The variant set is closed:
// evaluation dispatches on the concrete type and adding a kind is an
// explicit change in Check.
type Rule interface {
	isRule()
	// ToJSON returns the wire representation used by Policy.ToJSON.
	ToJSON() map[string]any
}

// PassingTestCaseRule requires a passing result for a test case, optionally
// restricted to a scenario.
type PassingTestCaseRule struct {
	TestCaseName string
	Scenario     string
}

func (*PassingTestCaseRule) isRule() {}

func (r *PassingTestCaseRule) ToJSON() map[string]any {
	return map[string]any{
		"rule":           "PassingTestCaseRule",
		"test_case_name": r.TestCaseName,
		"scenario":       emptyAsNil(r.Scenario),
	}
}

// RemoteRule defers to a policy fragment stored in the artifact's own source
// repository. When no fragment exists the rule is informational unless
// Required is set.
type RemoteRule struct {
	Required bool
}

func (*RemoteRule) isRule() {}

func (r *RemoteRule) ToJSON() map[string]any {
	return map[string]any{
		"rule":     "RemoteRule",
		"required": r.Required,
	}
}

func emptyAsNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
