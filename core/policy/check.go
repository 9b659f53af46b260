package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	gwerrors "github.com/davidahmann/gatewave/core/errors"
	"github.com/davidahmann/gatewave/core/subject"
)

// Check evaluates every rule of the policy against the latest test results
// for subj and returns one answer per distinct (test case, scenario)
// requirement. Results and remote policy fragments are fetched through the
// supplied sources.
func (p *Policy) Check(
	ctx context.Context,
	productVersion string,
	subj subject.Subject,
	results ResultsSource,
	remote RemoteFragmentSource,
) ([]Answer, error) {
	var answers []Answer
	seen := make(map[requirementKey]bool)
	for _, rule := range p.Rules {
		ruleAnswers, err := p.checkRule(ctx, rule, productVersion, subj, results, remote, seen)
		if err != nil {
			return nil, err
		}
		answers = append(answers, ruleAnswers...)
	}
	return answers, nil
}

// requirementKey dedupes test requirements across server rules and remote
// fragments: the same (test case, scenario) pair is only answered once.
type requirementKey struct {
	testCase string
	scenario string
}

func (p *Policy) checkRule(
	ctx context.Context,
	rule Rule,
	productVersion string,
	subj subject.Subject,
	results ResultsSource,
	remote RemoteFragmentSource,
	seen map[requirementKey]bool,
) ([]Answer, error) {
	switch r := rule.(type) {
	case *PassingTestCaseRule:
		if !p.AppliesToPackage(subj.PackageName()) {
			return nil, nil
		}
		key := requirementKey{testCase: r.TestCaseName, scenario: r.Scenario}
		if seen[key] {
			return nil, nil
		}
		seen[key] = true
		answer, err := checkTestCase(ctx, r, subj, results)
		if err != nil {
			return nil, err
		}
		return []Answer{answer}, nil

	case *RemoteRule:
		return p.checkRemoteRule(ctx, r, productVersion, subj, results, remote, seen)

	default:
		return nil, fmt.Errorf("unhandled rule type %T", rule)
	}
}

func checkTestCase(
	ctx context.Context,
	rule *PassingTestCaseRule,
	subj subject.Subject,
	results ResultsSource,
) (Answer, error) {
	matching, err := results.Retrieve(ctx, subj, rule.TestCaseName, rule.Scenario)
	if err != nil {
		return nil, err
	}
	if len(matching) == 0 {
		return &TestResultMissing{
			Subject:      &subj,
			TestCaseName: rule.TestCaseName,
			Scenario:     rule.Scenario,
		}, nil
	}
	latest := latestResult(matching)
	if latest.Outcome == OutcomePassed {
		return &TestResultPassed{
			Subject:      &subj,
			TestCaseName: rule.TestCaseName,
			ResultID:     latest.ID,
		}, nil
	}
	return &TestResultFailed{
		Subject:      &subj,
		TestCaseName: rule.TestCaseName,
		Scenario:     rule.Scenario,
		ResultID:     latest.ID,
	}, nil
}

// latestResult picks the most recently submitted result. Submit times are
// ISO 8601 strings, so lexicographic order is chronological order.
func latestResult(results []Result) Result {
	latest := results[0]
	for _, r := range results[1:] {
		if r.SubmitTime > latest.SubmitTime {
			latest = r
		}
	}
	return latest
}

func (p *Policy) checkRemoteRule(
	ctx context.Context,
	rule *RemoteRule,
	productVersion string,
	subj subject.Subject,
	results ResultsSource,
	remote RemoteFragmentSource,
	seen map[requirementKey]bool,
) ([]Answer, error) {
	if !subj.SupportsRemoteRule() {
		return nil, nil
	}
	if remote == nil {
		return nil, nil
	}
	fragments, err := remote.FragmentPolicies(ctx, subj)
	if err != nil {
		if gwerrors.IsSchema(err) {
			return []Answer{&InvalidRemoteRuleYaml{
				Subject: &subj,
				Details: err.Error(),
			}}, nil
		}
		// A build without source provenance has no fragment to fetch.
		if gwerrors.IsNoSource(err) || gwerrors.IsNotFound(err) {
			fragments, err = nil, nil
		} else {
			return nil, err
		}
	}
	if fragments == nil {
		return []Answer{&MissingRemoteRuleYaml{
			Subject:  &subj,
			Required: rule.Required,
		}}, nil
	}

	var answers []Answer
	for _, fragment := range fragments {
		if len(fragment.ProductVersions) > 0 && !fragment.MatchesProductVersion(productVersion) {
			continue
		}
		for _, fragmentRule := range fragment.Rules {
			tc, ok := fragmentRule.(*PassingTestCaseRule)
			if !ok {
				continue
			}
			if !fragment.AppliesToPackage(subj.PackageName()) {
				continue
			}
			key := requirementKey{testCase: tc.TestCaseName, scenario: tc.Scenario}
			if seen[key] {
				continue
			}
			seen[key] = true
			answer, err := checkTestCase(ctx, tc, subj, results)
			if err != nil {
				return nil, err
			}
			answers = append(answers, answer)
		}
	}
	return answers, nil
}

// SummarizeAnswers renders a one-line human summary of an answer set.
func SummarizeAnswers(answers []Answer) string {
	if len(answers) == 0 {
		return "no tests are required"
	}

	var failed, missing, invalid int
	total := 0
	for _, answer := range answers {
		switch answer.(type) {
		case *TestResultFailed:
			failed++
			total++
		case *TestResultMissing:
			missing++
			total++
		case *InvalidRemoteRuleYaml:
			invalid++
		case *MissingRemoteRuleYaml:
			if !answer.IsSatisfied() {
				missing++
				total++
			}
		default:
			total++
		}
	}

	var parts []string
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d of %d required tests failed", failed, total))
		if missing > 0 {
			parts = append(parts, fmt.Sprintf("%d %s missing", missing, pluralize("result", missing)))
		}
	} else if missing > 0 {
		parts = append(parts, fmt.Sprintf("%d of %d required test results missing", missing, total))
	}
	if invalid > 0 {
		parts = append(parts, "1 or more errors while inspecting gating.yaml file")
	}
	if len(parts) == 0 {
		return "All required tests passed"
	}
	return strings.Join(parts, ", ")
}

func pluralize(word string, n int) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// SortAnswers orders answers deterministically for stable decision output.
func SortAnswers(answers []Answer) {
	sort.SliceStable(answers, func(i, j int) bool {
		if answers[i].TestCase() != answers[j].TestCase() {
			return answers[i].TestCase() < answers[j].TestCase()
		}
		si, sj := answers[i].AnswerSubject(), answers[j].AnswerSubject()
		if si != nil && sj != nil && si.Identifier != sj.Identifier {
			return si.Identifier < sj.Identifier
		}
		return false
	})
}
