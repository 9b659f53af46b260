// Package subject models the artifact identity a gating decision is made
// about: a (type, identifier) pair plus the knowledge of how results and
// waivers for that artifact are filed upstream.
package subject

import (
	"fmt"
	"strings"
)

// ResultQuery is one query shape issued against the results service for a
// subject. Key names the identifier parameter ("item" or "nvr") and Type is
// the value of the "type" parameter (possibly a comma-joined alias list).
type ResultQuery struct {
	Key  string
	Type string
}

// Subject identifies the artifact under evaluation. Subjects are immutable
// value objects created per request and never persisted.
type Subject struct {
	Type       string
	Identifier string
}

func New(subjectType, identifier string) *Subject {
	return &Subject{Type: subjectType, Identifier: identifier}
}

func (s *Subject) String() string {
	return fmt.Sprintf("subject %s=%s", s.Type, s.Identifier)
}

// ResultQueries returns the queries to issue against the results service,
// most specific first. Builds historically reported results under several
// type names, so a single subject can map to up to three shapes.
func (s *Subject) ResultQueries() []ResultQuery {
	switch s.Type {
	case "koji_build", "brew-build":
		return []ResultQuery{
			{Key: "item", Type: "koji_build,brew-build"},
			{Key: "original_spec_nvr", Type: ""},
		}
	case "redhat-container-image":
		return []ResultQuery{
			{Key: "nvr", Type: "redhat-container-image"},
			{Key: "item", Type: "koji_build"},
		}
	default:
		return []ResultQuery{{Key: "item", Type: s.Type}}
	}
}

// TypeAliases returns all subject type names equivalent to this subject's
// type. Waivers filed under any alias apply to results filed under another.
func (s *Subject) TypeAliases() []string {
	return typeAliases(s.Type)
}

func typeAliases(subjectType string) []string {
	switch subjectType {
	case "koji_build", "brew-build":
		return []string{"koji_build", "brew-build"}
	default:
		return []string{subjectType}
	}
}

// TypesMatch reports whether two subject type names identify the same kind
// of artifact, accounting for legacy aliases.
func TypesMatch(a, b string) bool {
	if a == b {
		return true
	}
	for _, alias := range typeAliases(a) {
		if alias == b {
			return true
		}
	}
	return false
}

// SupportsRemoteRule reports whether the subject can carry a policy fragment
// in its own source repository. Only build-like subjects resolve to a
// source-control location via build provenance.
func (s *Subject) SupportsRemoteRule() bool {
	switch s.Type {
	case "koji_build", "brew-build", "redhat-module", "redhat-container-image", "brew-build-group":
		return true
	}
	return false
}

// PackageName derives the package (component) name from an NVR-style
// identifier by stripping the trailing version and release segments.
// Returns "" when the identifier has no NVR shape.
func (s *Subject) PackageName() string {
	parts := strings.Split(s.Identifier, "-")
	if len(parts) < 3 {
		return ""
	}
	return strings.Join(parts[:len(parts)-2], "-")
}

// ToJSON returns the wire representation used in decision payloads.
func (s *Subject) ToJSON() map[string]string {
	return map[string]string{"type": s.Type, "item": s.Identifier}
}
