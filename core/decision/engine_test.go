package decision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gwerrors "github.com/davidahmann/gatewave/core/errors"
	"github.com/davidahmann/gatewave/core/policy"
	"github.com/davidahmann/gatewave/core/retrieval"
	"github.com/davidahmann/gatewave/core/subject"
)

// fakeUpstreams serves both the results and waivers APIs. Results and
// waivers can be swapped mid-test to simulate events arriving.
type fakeUpstreams struct {
	mu      sync.Mutex
	results []map[string]any
	waivers []map[string]any
	server  *httptest.Server
}

func newFakeUpstreams(t *testing.T) *fakeUpstreams {
	t.Helper()
	f := &fakeUpstreams{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case strings.HasPrefix(r.URL.Path, "/results/latest"):
			var data []map[string]any
			// The "since" parameter simulates historical queries: only
			// entries with submit_time before the bound are returned.
			bound := ""
			if since := r.URL.Query().Get("since"); since != "" {
				parts := strings.SplitN(since, ",", 2)
				bound = parts[len(parts)-1]
			}
			if r.URL.Query().Get("item") != "" {
				for _, entry := range f.results {
					if bound != "" && entry["submit_time"].(string) >= bound {
						continue
					}
					data = append(data, entry)
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
		case strings.HasPrefix(r.URL.Path, "/waivers/+filtered"):
			var body struct {
				Filters []struct {
					Since string `json:"since"`
				} `json:"filters"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			bound := ""
			if len(body.Filters) > 0 && body.Filters[0].Since != "" {
				parts := strings.SplitN(body.Filters[0].Since, ",", 2)
				bound = parts[len(parts)-1]
			}
			var data []map[string]any
			for _, entry := range f.waivers {
				if bound != "" && entry["timestamp"].(string) >= bound {
					continue
				}
				data = append(data, entry)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstreams) setResults(results []map[string]any) {
	f.mu.Lock()
	f.results = results
	f.mu.Unlock()
}

func (f *fakeUpstreams) setWaivers(waivers []map[string]any) {
	f.mu.Lock()
	f.waivers = waivers
	f.mu.Unlock()
}

func testPolicies(t *testing.T) []*policy.Policy {
	t.Helper()
	policies, err := policy.ParsePolicies([]byte(`
--- !Policy
id: taskotron_release_critical_tasks
product_versions: [fedora-26]
decision_context: bodhi_update_push_stable
subject_type: koji_build
rules:
  - !PassingTestCaseRule {test_case_name: dist.abicheck}
`))
	if err != nil {
		t.Fatalf("parse policies: %v", err)
	}
	return policies
}

func testEngine(t *testing.T, upstreams *fakeUpstreams) *Engine {
	t.Helper()
	return &Engine{
		Policies:   testPolicies(t),
		Session:    retrieval.NewSession(5 * time.Second),
		ResultsURL: upstreams.server.URL,
		WaiversURL: upstreams.server.URL,
	}
}

func stableRequest() Request {
	return Request{
		DecisionContext: "bodhi_update_push_stable",
		ProductVersion:  "fedora-26",
		Subject:         subject.Subject{Type: "koji_build", Identifier: "nethack-1.2.3-1.el9000"},
	}
}

func passingResult() map[string]any {
	return map[string]any{
		"id": 1, "outcome": "PASSED",
		"testcase": map[string]any{"name": "dist.abicheck"}, "submit_time": "2026-01-01T00:00:00",
	}
}

func failingResult() map[string]any {
	return map[string]any{
		"id": 2, "outcome": "FAILED",
		"testcase": map[string]any{"name": "dist.abicheck"}, "submit_time": "2026-01-01T00:00:00",
	}
}

func TestEvaluateSatisfied(t *testing.T) {
	upstreams := newFakeUpstreams(t)
	upstreams.setResults([]map[string]any{passingResult()})

	decision, err := testEngine(t, upstreams).Evaluate(context.Background(), stableRequest())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.PoliciesSatisfied {
		t.Fatalf("expected satisfied decision, summary: %s", decision.Summary)
	}
	if decision.Summary != "All required tests passed" {
		t.Fatalf("unexpected summary %q", decision.Summary)
	}
	if len(decision.ApplicablePolicies) != 1 || decision.ApplicablePolicies[0] != "taskotron_release_critical_tasks" {
		t.Fatalf("unexpected applicable policies %v", decision.ApplicablePolicies)
	}
}

func TestEvaluateUnsatisfied(t *testing.T) {
	upstreams := newFakeUpstreams(t)
	upstreams.setResults([]map[string]any{failingResult()})

	decision, err := testEngine(t, upstreams).Evaluate(context.Background(), stableRequest())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.PoliciesSatisfied {
		t.Fatal("expected unsatisfied decision")
	}
	out := decision.ToJSON()
	unsatisfied := out["unsatisfied_requirements"].([]map[string]any)
	if len(unsatisfied) != 1 || unsatisfied[0]["type"] != "test-result-failed" {
		t.Fatalf("unexpected unsatisfied requirements %v", unsatisfied)
	}
}

func TestEvaluateWaivedFailure(t *testing.T) {
	upstreams := newFakeUpstreams(t)
	upstreams.setResults([]map[string]any{failingResult()})
	upstreams.setWaivers([]map[string]any{{
		"id": 9, "subject_type": "koji_build", "subject_identifier": "nethack-1.2.3-1.el9000",
		"product_version": "fedora-26", "testcase": "dist.abicheck", "waived": true, "timestamp": "2026-01-02T00:00:00",
	}})

	decision, err := testEngine(t, upstreams).Evaluate(context.Background(), stableRequest())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.PoliciesSatisfied {
		t.Fatalf("waived failure must satisfy, summary: %s", decision.Summary)
	}
}

func TestEvaluateNoApplicablePolicies(t *testing.T) {
	upstreams := newFakeUpstreams(t)
	req := stableRequest()
	req.DecisionContext = "no_such_context"

	_, err := testEngine(t, upstreams).Evaluate(context.Background(), req)
	if err == nil || !gwerrors.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestEvaluateOnDemandPolicy(t *testing.T) {
	upstreams := newFakeUpstreams(t)
	upstreams.setResults([]map[string]any{passingResult()})

	onDemand, err := policy.ParseOnDemandPolicy([]byte(`{
		"subject_type": "koji_build",
		"rules": [{"type": "PassingTestCaseRule", "test_case_name": "dist.abicheck"}]
	}`))
	if err != nil {
		t.Fatalf("parse on-demand policy: %v", err)
	}

	engine := testEngine(t, upstreams)
	engine.Policies = nil
	req := stableRequest()
	req.OnDemandPolicy = onDemand
	decision, err := engine.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.PoliciesSatisfied {
		t.Fatalf("expected satisfied decision, summary: %s", decision.Summary)
	}
}

func TestEvaluateVerboseIncludesWaivers(t *testing.T) {
	upstreams := newFakeUpstreams(t)
	upstreams.setResults([]map[string]any{passingResult()})
	upstreams.setWaivers([]map[string]any{{
		"id": 9, "subject_type": "koji_build", "subject_identifier": "nethack-1.2.3-1.el9000",
		"product_version": "fedora-26", "testcase": "dist.rpmdeplint", "waived": true, "timestamp": "2026-01-02T00:00:00",
	}})

	req := stableRequest()
	req.Verbose = true
	decision, err := testEngine(t, upstreams).Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	out := decision.ToJSON()
	if _, ok := out["waivers"]; !ok {
		t.Fatal("verbose decision must include waivers")
	}
	if _, ok := out["satisfied_requirements"]; !ok {
		t.Fatal("verbose decision must include satisfied requirements")
	}
}

func TestChangedDecisionsDetectsWaiverEffect(t *testing.T) {
	upstreams := newFakeUpstreams(t)
	upstreams.setResults([]map[string]any{failingResult()})
	upstreams.setWaivers([]map[string]any{{
		"id": 9, "subject_type": "koji_build", "subject_identifier": "nethack-1.2.3-1.el9000",
		"product_version": "fedora-26", "testcase": "dist.abicheck", "waived": true, "timestamp": "2026-02-01T00:00:00",
	}})

	engine := testEngine(t, upstreams)
	changes, err := engine.ChangedDecisions(context.Background(),
		subject.Subject{Type: "koji_build", Identifier: "nethack-1.2.3-1.el9000"},
		"dist.abicheck", "fedora-26", "2026-02-01T00:00:00")
	if err != nil {
		t.Fatalf("changed decisions: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	change := changes[0]
	if change.Previous.PoliciesSatisfied || !change.Current.PoliciesSatisfied {
		t.Fatalf("expected unsatisfied -> satisfied, got %v -> %v",
			change.Previous.PoliciesSatisfied, change.Current.PoliciesSatisfied)
	}
	if change.DecisionContext != "bodhi_update_push_stable" || change.ProductVersion != "fedora-26" {
		t.Fatalf("unexpected change coordinates %#v", change)
	}
}

func TestChangedDecisionsIgnoresNoOpWaiver(t *testing.T) {
	upstreams := newFakeUpstreams(t)
	upstreams.setResults([]map[string]any{passingResult()})
	// A waiver for an already-passing test changes nothing.
	upstreams.setWaivers([]map[string]any{{
		"id": 9, "subject_type": "koji_build", "subject_identifier": "nethack-1.2.3-1.el9000",
		"product_version": "fedora-26", "testcase": "dist.abicheck", "waived": true, "timestamp": "2026-02-01T00:00:00",
	}})

	engine := testEngine(t, upstreams)
	changes, err := engine.ChangedDecisions(context.Background(),
		subject.Subject{Type: "koji_build", Identifier: "nethack-1.2.3-1.el9000"},
		"dist.abicheck", "fedora-26", "2026-02-01T00:00:00")
	if err != nil {
		t.Fatalf("changed decisions: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %d", len(changes))
	}
}

func TestChangedDecisionsUnrelatedTestCase(t *testing.T) {
	upstreams := newFakeUpstreams(t)
	engine := testEngine(t, upstreams)
	changes, err := engine.ChangedDecisions(context.Background(),
		subject.Subject{Type: "koji_build", Identifier: "nethack-1.2.3-1.el9000"},
		"dist.unrelated", "fedora-26", "2026-02-01T00:00:00")
	if err != nil {
		t.Fatalf("changed decisions: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("no policy references the test case, got %d changes", len(changes))
	}
}
