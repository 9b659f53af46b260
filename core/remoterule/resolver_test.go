package remoterule

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gwerrors "github.com/davidahmann/gatewave/core/errors"
	"github.com/davidahmann/gatewave/core/koji"
	"github.com/davidahmann/gatewave/core/retrieval"
	"github.com/davidahmann/gatewave/core/subject"
)

const fragmentYAML = `
--- !Policy
decision_context: bodhi_update_push_stable
rules:
  - !PassingTestCaseRule {test_case_name: dist.upgradepath}
`

type fakeBuilds struct {
	build *koji.Build
	err   error
}

func (f *fakeBuilds) GetBuild(string) (*koji.Build, error) { return f.build, f.err }

func nethackBuilds() *fakeBuilds {
	return &fakeBuilds{build: &koji.Build{
		Source: "git+https://src.fedoraproject.org/rpms/nethack.git#0123abcd",
	}}
}

func nethack() subject.Subject {
	return subject.Subject{Type: "koji_build", Identifier: "nethack-1.2.3-1.el9000"}
}

func newResolver(serverURL string, builds koji.BuildSource) *Resolver {
	return NewResolver(retrieval.NewSession(5*time.Second), builds, URLTemplates{
		"*": serverURL + "/{pkg_namespace}/{pkg_name}/raw/{rev}/f/gating.yaml",
	})
}

func TestFragmentPolicies(t *testing.T) {
	var path atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		_, _ = w.Write([]byte(fragmentYAML))
	}))
	defer server.Close()

	r := newResolver(server.URL, nethackBuilds())
	policies, err := r.FragmentPolicies(context.Background(), nethack())
	if err != nil {
		t.Fatalf("fragment policies: %v", err)
	}
	if len(policies) != 1 || len(policies[0].Rules) != 1 {
		t.Fatalf("unexpected policies %#v", policies)
	}
	if got := path.Load().(string); got != "/rpms/nethack/raw/0123abcd/f/gating.yaml" {
		t.Fatalf("unexpected fragment path %q", got)
	}
}

func TestFragmentPoliciesMissing(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	r := newResolver(server.URL, nethackBuilds())
	policies, err := r.FragmentPolicies(context.Background(), nethack())
	if err != nil {
		t.Fatalf("fragment policies: %v", err)
	}
	if policies != nil {
		t.Fatalf("expected nil policies for a 404, got %#v", policies)
	}
}

func TestFragmentPoliciesInvalidYaml(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("--- !Policy\nrules:\n  - !RemoteRule {}\n"))
	}))
	defer server.Close()

	r := newResolver(server.URL, nethackBuilds())
	_, err := r.FragmentPolicies(context.Background(), nethack())
	if err == nil || !gwerrors.IsSchema(err) {
		t.Fatalf("expected schema error for nested RemoteRule, got %v", err)
	}
}

func TestFragmentPoliciesMemoized(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(fragmentYAML))
	}))
	defer server.Close()

	r := newResolver(server.URL, nethackBuilds())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.FragmentPolicies(ctx, nethack()); err != nil {
			t.Fatalf("fragment policies: %v", err)
		}
	}
	// One HEAD plus one GET on the first resolution, memoized afterwards.
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 upstream requests, got %d", got)
	}
}

func TestFragmentPoliciesNoTemplate(t *testing.T) {
	r := NewResolver(retrieval.NewSession(time.Second), nethackBuilds(), URLTemplates{})
	policies, err := r.FragmentPolicies(context.Background(), nethack())
	if err != nil || policies != nil {
		t.Fatalf("expected no fragment without a template, got %#v, %v", policies, err)
	}
}

func TestFragmentPoliciesPropagatesBuildErrors(t *testing.T) {
	noSource := &fakeBuilds{build: &koji.Build{}}
	r := newResolver("http://unused.invalid", noSource)
	_, err := r.FragmentPolicies(context.Background(), nethack())
	if err == nil || !gwerrors.IsNoSource(err) {
		t.Fatalf("expected no-source error, got %v", err)
	}
}

func TestFragmentPoliciesSubjectIDTemplate(t *testing.T) {
	var path atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		_, _ = w.Write([]byte(fragmentYAML))
	}))
	defer server.Close()

	// Subject-id templates must not trigger a build lookup.
	r := NewResolver(retrieval.NewSession(5*time.Second),
		&fakeBuilds{err: errors.New("hub must not be called")},
		URLTemplates{"brew-build-group": server.URL + "/groups/{subject_id}.yaml"})
	policies, err := r.FragmentPolicies(context.Background(),
		subject.Subject{Type: "brew-build-group", Identifier: "group-1"})
	if err != nil {
		t.Fatalf("fragment policies: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("unexpected policies %#v", policies)
	}
	if got := path.Load().(string); got != "/groups/group-1.yaml" {
		t.Fatalf("unexpected path %q", got)
	}
}
