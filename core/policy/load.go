package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-yaml"
	"github.com/goccy/go-yaml/ast"
	"github.com/goccy/go-yaml/parser"

	gwerrors "github.com/davidahmann/gatewave/core/errors"
)

// SchemaError describes a malformed policy or rule document. It names the
// offending policy ("untitled" when the document has no id) and attribute.
type SchemaError struct {
	Message string
}

func (e *SchemaError) Error() string { return e.Message }

func schemaErrorf(format string, args ...any) error {
	return gwerrors.Wrap(
		&SchemaError{Message: fmt.Sprintf(format, args...)},
		gwerrors.CategorySchema, "invalid_policy_document", false,
	)
}

const untitledPolicy = "untitled"

// LoadPolicies parses every *.yaml file in dir into policies. Any schema
// error aborts loading of the whole set: a service must not start with a
// partially loaded policy configuration.
func LoadPolicies(dir string) ([]*Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read policies dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var policies []*Policy
	for _, name := range names {
		// #nosec G304 -- policy dir is explicit operator configuration.
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read policy file %s: %w", name, err)
		}
		parsed, err := ParsePolicies(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		policies = append(policies, parsed...)
	}
	return policies, nil
}

// ParsePolicies parses server-side policy documents. Each document must
// carry the !Policy tag, an id, product versions and a subject type;
// RemoteRule rules are allowed.
func ParsePolicies(data []byte) ([]*Policy, error) {
	return parseAll(data, false)
}

// ParseRemotePolicies parses a policy fragment fetched from an artifact's
// own repository. The id and subject type are optional (subject type
// defaults to koji_build) and RemoteRule is forbidden: recursion depth is
// exactly one.
func ParseRemotePolicies(data []byte) ([]*Policy, error) {
	return parseAll(data, true)
}

func parseAll(data []byte, remote bool) ([]*Policy, error) {
	file, err := parser.ParseBytes(data, 0)
	if err != nil {
		return nil, schemaErrorf("failed to parse policy document: %v", err)
	}
	var policies []*Policy
	for _, doc := range file.Docs {
		p, err := parsePolicyDocument(doc.Body, remote)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	if len(policies) == 0 {
		return nil, schemaErrorf("Missing !Policy tag")
	}
	return policies, nil
}

func parsePolicyDocument(body ast.Node, remote bool) (*Policy, error) {
	tag, ok := body.(*ast.TagNode)
	if !ok || tag.Start.Value != "!Policy" {
		return nil, schemaErrorf("Missing !Policy tag")
	}
	pairs, err := mappingPairs(tag.Value)
	if err != nil {
		return nil, err
	}

	// The id is located up front so every subsequent error can name the
	// offending policy.
	name := untitledPolicy
	for _, pair := range pairs {
		key, ok := stringKey(pair.Key)
		if ok && key == "id" {
			if id, err := decodeString(pair.Value); err == nil && id != "" {
				name = id
			}
		}
	}

	p := &Policy{remote: remote}
	if remote {
		p.SubjectType = "koji_build"
	}
	for _, pair := range pairs {
		key, ok := stringKey(pair.Key)
		if !ok {
			return nil, schemaErrorf("Policy '%s': mapping keys must be plain strings", name)
		}
		switch key {
		case "id":
			if p.ID, err = decodeString(pair.Value); err != nil {
				return nil, attributeError(name, key, err)
			}
		case "product_versions":
			if p.ProductVersions, err = decodeStringList(pair.Value); err != nil {
				return nil, attributeError(name, key, err)
			}
		case "decision_context":
			if p.DecisionContext, err = decodeString(pair.Value); err != nil {
				return nil, attributeError(name, key, err)
			}
		case "decision_contexts":
			if p.DecisionContexts, err = decodeStringList(pair.Value); err != nil {
				return nil, attributeError(name, key, err)
			}
		case "subject_type":
			if p.SubjectType, err = decodeString(pair.Value); err != nil {
				return nil, attributeError(name, key, err)
			}
		case "rules":
			if p.Rules, err = parseRules(pair.Value, name, remote); err != nil {
				return nil, err
			}
		case "blacklist":
			if p.Blacklist, err = decodeStringList(pair.Value); err != nil {
				return nil, attributeError(name, key, err)
			}
		case "excluded_packages":
			if p.ExcludedPackages, err = decodeStringList(pair.Value); err != nil {
				return nil, attributeError(name, key, err)
			}
		case "packages":
			if p.Packages, err = decodeStringList(pair.Value); err != nil {
				return nil, attributeError(name, key, err)
			}
		case "relevance_key":
			if p.RelevanceKey, err = decodeString(pair.Value); err != nil {
				return nil, attributeError(name, key, err)
			}
		case "relevance_value":
			if p.RelevanceValue, err = decodeString(pair.Value); err != nil {
				return nil, attributeError(name, key, err)
			}
		default:
			return nil, schemaErrorf("Policy '%s': Attribute '%s' is unexpected", name, key)
		}
	}

	if err := validatePolicy(p, name, remote); err != nil {
		return nil, err
	}
	return p, nil
}

func validatePolicy(p *Policy, name string, remote bool) error {
	if !remote {
		if p.ID == "" {
			return schemaErrorf("Policy '%s': Attribute 'id' is required", name)
		}
		if len(p.ProductVersions) == 0 {
			return schemaErrorf("Policy '%s': Attribute 'product_versions' is required", name)
		}
		if p.SubjectType == "" {
			return schemaErrorf("Policy '%s': Attribute 'subject_type' is required", name)
		}
	}
	if p.DecisionContext != "" && len(p.DecisionContexts) > 0 {
		return schemaErrorf(
			"Policy '%s': Both properties \"decision_contexts\" and \"decision_context\" were set", name)
	}
	if p.DecisionContext == "" && len(p.DecisionContexts) == 0 {
		return schemaErrorf("Policy '%s': No decision contexts provided", name)
	}
	return nil
}

func parseRules(node ast.Node, policyName string, remote bool) ([]Rule, error) {
	if _, isNull := node.(*ast.NullNode); isNull || node == nil {
		return nil, nil
	}
	seq, ok := node.(*ast.SequenceNode)
	if !ok {
		return nil, rulesError(policyName)
	}
	rules := make([]Rule, 0, len(seq.Values))
	for _, item := range seq.Values {
		tag, ok := item.(*ast.TagNode)
		if !ok {
			return nil, rulesError(policyName)
		}
		switch tag.Start.Value {
		case "!PassingTestCaseRule":
			rule, err := parsePassingTestCaseRule(tag.Value, policyName)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		case "!RemoteRule":
			if remote {
				return nil, schemaErrorf(
					"Policy '%s': RemoteRule is not allowed in remote policies", policyName)
			}
			rule, err := parseRemoteRule(tag.Value, policyName)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		default:
			return nil, schemaErrorf(
				"Policy '%s': Attribute 'rules': Unknown rule tag %s", policyName, tag.Start.Value)
		}
	}
	return rules, nil
}

func parsePassingTestCaseRule(node ast.Node, policyName string) (*PassingTestCaseRule, error) {
	pairs, err := mappingPairs(node)
	if err != nil {
		return nil, ruleObjectError(policyName, "!PassingTestCaseRule", "expected mapping")
	}
	rule := &PassingTestCaseRule{}
	for _, pair := range pairs {
		key, ok := stringKey(pair.Key)
		if !ok {
			return nil, ruleObjectError(policyName, "!PassingTestCaseRule", "mapping keys must be plain strings")
		}
		switch key {
		case "test_case_name":
			if rule.TestCaseName, err = decodeString(pair.Value); err != nil {
				return nil, ruleObjectError(policyName, "!PassingTestCaseRule", err.Error())
			}
		case "scenario":
			if rule.Scenario, err = decodeString(pair.Value); err != nil {
				return nil, ruleObjectError(policyName, "!PassingTestCaseRule", err.Error())
			}
		default:
			return nil, ruleObjectError(policyName, "!PassingTestCaseRule",
				fmt.Sprintf("Attribute '%s' is unexpected", key))
		}
	}
	if rule.TestCaseName == "" {
		return nil, ruleObjectError(policyName, "!PassingTestCaseRule",
			"Attribute 'test_case_name' is required")
	}
	return rule, nil
}

func parseRemoteRule(node ast.Node, policyName string) (*RemoteRule, error) {
	pairs, err := mappingPairs(node)
	if err != nil {
		return nil, ruleObjectError(policyName, "!RemoteRule", "expected mapping")
	}
	rule := &RemoteRule{}
	for _, pair := range pairs {
		key, ok := stringKey(pair.Key)
		if !ok {
			return nil, ruleObjectError(policyName, "!RemoteRule", "mapping keys must be plain strings")
		}
		switch key {
		case "required":
			if rule.Required, err = decodeBool(pair.Value); err != nil {
				return nil, ruleObjectError(policyName, "!RemoteRule", err.Error())
			}
		default:
			return nil, ruleObjectError(policyName, "!RemoteRule",
				fmt.Sprintf("Attribute '%s' is unexpected", key))
		}
	}
	return rule, nil
}

func rulesError(policyName string) error {
	return schemaErrorf("Policy '%s': Attribute 'rules': Expected list of Rule objects", policyName)
}

func ruleObjectError(policyName, tag, detail string) error {
	return schemaErrorf("Policy '%s': Attribute 'rules': YAML object %s: %s", policyName, tag, detail)
}

func attributeError(policyName, attribute string, err error) error {
	return schemaErrorf("Policy '%s': Attribute '%s': %v", policyName, attribute, err)
}

func mappingPairs(node ast.Node) ([]*ast.MappingValueNode, error) {
	switch n := node.(type) {
	case *ast.MappingNode:
		return n.Values, nil
	case *ast.MappingValueNode:
		return []*ast.MappingValueNode{n}, nil
	case *ast.NullNode, nil:
		return nil, nil
	default:
		return nil, schemaErrorf("Expected mapping for !Policy tagged object")
	}
}

func stringKey(node ast.Node) (string, bool) {
	if s, ok := node.(*ast.StringNode); ok {
		return s.Value, true
	}
	return "", false
}

func decodeString(node ast.Node) (string, error) {
	var s string
	if err := yaml.NodeToValue(node, &s); err != nil {
		return "", fmt.Errorf("expected string value")
	}
	return s, nil
}

func decodeStringList(node ast.Node) ([]string, error) {
	if _, isNull := node.(*ast.NullNode); isNull {
		return []string{}, nil
	}
	var values []string
	if err := yaml.NodeToValue(node, &values); err != nil {
		return nil, fmt.Errorf("expected list of strings")
	}
	return values, nil
}

func decodeBool(node ast.Node) (bool, error) {
	var b bool
	if err := yaml.NodeToValue(node, &b); err != nil {
		return false, fmt.Errorf("expected boolean value")
	}
	return b, nil
}
