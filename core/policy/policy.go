// Package policy implements the gating policy model: the safe loader for
// type-tagged policy documents, the rule variants, policy matching, rule
// evaluation into typed answers, and the human-readable answer summary.
package policy

import (
	"path"
	"sort"

	"github.com/davidahmann/gatewave/core/subject"
)

// Policy is a named bundle of rules applicable to certain product versions,
// decision contexts and subject types. Policies are immutable after load and
// safely shared across concurrent evaluations.
type Policy struct {
	ID               string
	ProductVersions  []string
	DecisionContext  string
	DecisionContexts []string
	SubjectType      string
	Rules            []Rule
	Blacklist        []string
	ExcludedPackages []string
	Packages         []string
	RelevanceKey     string
	RelevanceValue   string

	// remote marks fragments fetched from an artifact's repository; their
	// id and subject_type are optional and RemoteRule is forbidden inside.
	remote bool
}

// AllDecisionContexts returns the contexts this policy participates in,
// whichever of the two document fields declared them.
func (p *Policy) AllDecisionContexts() []string {
	if len(p.DecisionContexts) > 0 {
		return p.DecisionContexts
	}
	if p.DecisionContext != "" {
		return []string{p.DecisionContext}
	}
	return nil
}

// Match gives the coordinates a policy is selected by. Zero-valued fields
// are not checked, so callers can match on any subset.
type Match struct {
	DecisionContext string
	ProductVersion  string
	SubjectType     string
	PackageName     string
}

// Matches reports whether the policy applies to the given coordinates.
// Decision context and subject type are exact matches; product version is
// glob-matched against the policy's patterns.
func (p *Policy) Matches(m Match) bool {
	if m.DecisionContext != "" && !containsString(p.AllDecisionContexts(), m.DecisionContext) {
		return false
	}
	if m.ProductVersion != "" && !p.MatchesProductVersion(m.ProductVersion) {
		return false
	}
	if m.SubjectType != "" && !subject.TypesMatch(p.SubjectType, m.SubjectType) {
		return false
	}
	if m.PackageName != "" && !p.AppliesToPackage(m.PackageName) {
		return false
	}
	return true
}

// MatchesProductVersion reports whether any of the policy's glob-style
// product version patterns matches the given version. Case-sensitive.
func (p *Policy) MatchesProductVersion(productVersion string) bool {
	for _, pattern := range p.ProductVersions {
		if ok, err := path.Match(pattern, productVersion); err == nil && ok {
			return true
		}
	}
	return false
}

// AppliesToPackage evaluates the allow-list (packages), the glob deny-list
// (excluded_packages) and the exact-name deny-list (blacklist).
func (p *Policy) AppliesToPackage(pkg string) bool {
	for _, pattern := range p.ExcludedPackages {
		if ok, err := path.Match(pattern, pkg); err == nil && ok {
			return false
		}
	}
	if containsString(p.Blacklist, pkg) {
		return false
	}
	if len(p.Packages) == 0 {
		return true
	}
	for _, pattern := range p.Packages {
		if ok, err := path.Match(pattern, pkg); err == nil && ok {
			return true
		}
	}
	return false
}

// ToJSON returns the stable wire representation exposed through the API
// layer. The field set is fixed; absent optional fields are null or empty.
func (p *Policy) ToJSON() map[string]any {
	return map[string]any{
		"id":                emptyAsNil(p.ID),
		"product_versions":  emptyListAsList(p.ProductVersions),
		"decision_context":  emptyAsNil(p.DecisionContext),
		"decision_contexts": emptyListAsList(p.DecisionContexts),
		"subject_type":      p.SubjectType,
		"blacklist":         emptyListAsList(p.Blacklist),
		"excluded_packages": emptyListAsList(p.ExcludedPackages),
		"packages":          emptyListAsList(p.Packages),
		"rules":             rulesToJSON(p.Rules),
		"relevance_key":     emptyAsNil(p.RelevanceKey),
		"relevance_value":   emptyAsNil(p.RelevanceValue),
	}
}

func rulesToJSON(rules []Rule) []map[string]any {
	out := make([]map[string]any, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.ToJSON())
	}
	return out
}

// referencesTestCase reports whether the policy could produce an answer for
// the test case, either through a server-side rule naming it or through a
// remote rule (whose fragment contents are unknown at this point).
func (p *Policy) referencesTestCase(testCase string) bool {
	for _, rule := range p.Rules {
		switch r := rule.(type) {
		case *PassingTestCaseRule:
			if r.TestCaseName == testCase {
				return true
			}
		case *RemoteRule:
			return true
		}
	}
	return false
}

// ContextProductVersionPair is one (decision context, product version)
// combination a waiver may affect.
type ContextProductVersionPair struct {
	DecisionContext string
	ProductVersion  string
}

// ApplicableContextProductVersionPairs returns the deterministic, sorted set
// of (decision context, product version) pairs whose decisions may change
// when a waiver for the given coordinates arrives.
func ApplicableContextProductVersionPairs(
	policies []*Policy,
	subj *subject.Subject,
	testCase string,
	productVersion string,
) []ContextProductVersionPair {
	seen := make(map[ContextProductVersionPair]struct{})
	var pairs []ContextProductVersionPair
	for _, p := range policies {
		if !p.Matches(Match{SubjectType: subj.Type, ProductVersion: productVersion, PackageName: ""}) {
			continue
		}
		if testCase != "" && !p.referencesTestCase(testCase) {
			continue
		}
		for _, dc := range p.AllDecisionContexts() {
			pair := ContextProductVersionPair{DecisionContext: dc, ProductVersion: productVersion}
			if _, dup := seen[pair]; dup {
				continue
			}
			seen[pair] = struct{}{}
			pairs = append(pairs, pair)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].DecisionContext != pairs[j].DecisionContext {
			return pairs[i].DecisionContext < pairs[j].DecisionContext
		}
		return pairs[i].ProductVersion < pairs[j].ProductVersion
	})
	return pairs
}

func containsString(values []string, wanted string) bool {
	for _, v := range values {
		if v == wanted {
			return true
		}
	}
	return false
}

func emptyListAsList(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
