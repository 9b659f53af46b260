package policy

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// onDemandSchema constrains caller-supplied policies. They carry no id,
// product versions or decision context: those come from the decision
// request itself.
const onDemandSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "subject_type": {"type": "string", "minLength": 1},
    "blacklist": {"type": "array", "items": {"type": "string"}},
    "excluded_packages": {"type": "array", "items": {"type": "string"}},
    "packages": {"type": "array", "items": {"type": "string"}},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "type": {"enum": ["PassingTestCaseRule", "RemoteRule"]},
          "test_case_name": {"type": "string", "minLength": 1},
          "scenario": {"type": "string"},
          "required": {"type": "boolean"}
        },
        "required": ["type"],
        "additionalProperties": false
      }
    }
  },
  "required": ["subject_type", "rules"],
  "additionalProperties": false
}`

var compileOnDemandSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(onDemandSchema))
	if err != nil {
		return nil, fmt.Errorf("compile on-demand policy schema: %w", err)
	}
	return schema, nil
})

type onDemandRule struct {
	Type         string `json:"type"`
	TestCaseName string `json:"test_case_name"`
	Scenario     string `json:"scenario"`
	Required     bool   `json:"required"`
}

type onDemandDocument struct {
	SubjectType      string         `json:"subject_type"`
	Blacklist        []string       `json:"blacklist"`
	ExcludedPackages []string       `json:"excluded_packages"`
	Packages         []string       `json:"packages"`
	Rules            []onDemandRule `json:"rules"`
}

// ParseOnDemandPolicy builds a single-use policy from a JSON document
// embedded in a decision request. The result inherits its decision context
// and product version from the request, so Matches checks against it skip
// those fields.
func ParseOnDemandPolicy(data []byte) (*Policy, error) {
	schema, err := compileOnDemandSchema()
	if err != nil {
		return nil, err
	}
	if result := schema.ValidateJSON(data); !result.IsValid() {
		return nil, schemaErrorf("on-demand policy: schema validation failed: %v", result.Errors)
	}

	var doc onDemandDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, schemaErrorf("on-demand policy: %v", err)
	}

	p := &Policy{
		ID:               "on-demand-policy",
		SubjectType:      doc.SubjectType,
		Blacklist:        doc.Blacklist,
		ExcludedPackages: doc.ExcludedPackages,
		Packages:         doc.Packages,
	}
	for _, r := range doc.Rules {
		switch r.Type {
		case "PassingTestCaseRule":
			if r.TestCaseName == "" {
				return nil, schemaErrorf(
					"on-demand policy: PassingTestCaseRule: Attribute 'test_case_name' is required")
			}
			p.Rules = append(p.Rules, &PassingTestCaseRule{
				TestCaseName: r.TestCaseName,
				Scenario:     r.Scenario,
			})
		case "RemoteRule":
			p.Rules = append(p.Rules, &RemoteRule{Required: r.Required})
		}
	}
	return p, nil
}
