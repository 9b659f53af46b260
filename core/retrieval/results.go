package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/davidahmann/gatewave/core/cache"
	gwerrors "github.com/davidahmann/gatewave/core/errors"
	"github.com/davidahmann/gatewave/core/policy"
	"github.com/davidahmann/gatewave/core/subject"
)

// ResultsRetriever fetches the latest test results for a subject. Results
// are fetched once per subject and evaluation, then filtered client-side
// per test case, so a policy with many rules costs one upstream round trip
// per query shape rather than one per rule.
//
// Passing result sets are also written to the external cache: a test case
// that has passed once stays visible even after the result store
// garbage-collects the raw results.
type ResultsRetriever struct {
	session *Session
	baseURL string
	cache   cache.Cache

	// When restricts the query to results submitted strictly before this
	// ISO 8601 timestamp. Used to recompute historical decisions; the
	// sticky cache is bypassed while set.
	When string

	// IgnoreIDs excludes specific result IDs, typically the result that
	// triggered the evaluation now in progress. The sticky cache is
	// bypassed while set, since cached passes may include an ignored id.
	IgnoreIDs []int64

	mu   sync.Mutex
	memo map[subject.Subject][]policy.Result
}

// NewResultsRetriever builds a retriever for one evaluation. The memoized
// subject fetches assume results do not change mid-evaluation, so do not
// share a retriever across decision requests.
func NewResultsRetriever(session *Session, baseURL string, c cache.Cache) *ResultsRetriever {
	return &ResultsRetriever{
		session: session,
		baseURL: baseURL,
		cache:   c,
		memo:    make(map[subject.Subject][]policy.Result),
	}
}

// Retrieve implements policy.ResultsSource.
func (r *ResultsRetriever) Retrieve(
	ctx context.Context, subj subject.Subject, testCase, scenario string,
) ([]policy.Result, error) {
	if cached, ok := r.cachedPasses(ctx, subj, testCase, scenario); ok {
		return filterResults(cached, testCase, scenario), nil
	}

	all, err := r.resultsForSubject(ctx, subj)
	if err != nil {
		return nil, err
	}
	matching := filterResults(r.dropIgnored(all), testCase, scenario)
	r.stickPasses(ctx, subj, testCase, scenario, matching)
	return matching, nil
}

func (r *ResultsRetriever) dropIgnored(results []policy.Result) []policy.Result {
	if len(r.IgnoreIDs) == 0 {
		return results
	}
	ignored := make(map[int64]struct{}, len(r.IgnoreIDs))
	for _, id := range r.IgnoreIDs {
		ignored[id] = struct{}{}
	}
	out := make([]policy.Result, 0, len(results))
	for _, result := range results {
		if _, skip := ignored[result.ID]; skip {
			continue
		}
		out = append(out, result)
	}
	return out
}

func (r *ResultsRetriever) resultsForSubject(ctx context.Context, subj subject.Subject) ([]policy.Result, error) {
	r.mu.Lock()
	memoized, ok := r.memo[subj]
	r.mu.Unlock()
	if ok {
		return memoized, nil
	}

	// Fire one request per query shape, then join in declaration order.
	queries := subj.ResultQueries()
	futures := make([]*Future, len(queries))
	for i, query := range queries {
		futures[i] = r.session.GetAsync(ctx, r.queryURL(subj, query))
	}

	var all []policy.Result
	for _, future := range futures {
		resp, err := future.Join()
		if err != nil {
			return nil, err
		}
		results, err := decodeResults(resp)
		if err != nil {
			return nil, err
		}
		all = append(all, results...)
	}

	r.mu.Lock()
	r.memo[subj] = all
	r.mu.Unlock()
	return all, nil
}

// wire shape of a resultsdb result entry.
type resultEntry struct {
	ID       int64  `json:"id"`
	Outcome  string `json:"outcome"`
	TestCase struct {
		Name string `json:"name"`
	} `json:"testcase"`
	SubmitTime string `json:"submit_time"`
	Data       struct {
		Scenario []string `json:"scenario"`
	} `json:"data"`
}

func (r *ResultsRetriever) queryURL(subj subject.Subject, query subject.ResultQuery) string {
	params := url.Values{}
	params.Set(query.Key, subj.Identifier)
	if query.Type != "" {
		params.Set("type", query.Type)
	}
	params.Set("_distinct_on", "scenario,system_architecture,system_variant")
	if r.When != "" {
		params.Set("since", "1900-01-01T00:00:00.000000,"+r.When)
	}
	return fmt.Sprintf("%s/results/latest?%s", r.baseURL, params.Encode())
}

func decodeResults(resp *Response) ([]policy.Result, error) {
	observeUpstream("resultsdb", resp)
	if !resp.OK() {
		return nil, gwerrors.WrapGateway(
			fmt.Errorf("fetching results: %s", resp.Error()), resp.StatusCode)
	}

	var page struct {
		Data []resultEntry `json:"data"`
	}
	if err := resp.JSON(&page); err != nil {
		return nil, fmt.Errorf("decode results response: %w", err)
	}
	results := make([]policy.Result, 0, len(page.Data))
	for _, entry := range page.Data {
		results = append(results, policy.Result{
			ID:         entry.ID,
			TestCase:   entry.TestCase.Name,
			Outcome:    entry.Outcome,
			SubmitTime: entry.SubmitTime,
			Scenarios:  entry.Data.Scenario,
		})
	}
	return results, nil
}

func filterResults(results []policy.Result, testCase, scenario string) []policy.Result {
	var out []policy.Result
	for _, result := range results {
		if result.TestCase != testCase {
			continue
		}
		if !result.MatchesScenario(scenario) {
			continue
		}
		out = append(out, result)
	}
	return out
}

// stickyKey includes the scenario so a pass cached under one scenario can
// never shadow an uncached (test case, scenario) pair.
func stickyKey(subj subject.Subject, testCase, scenario string) string {
	return fmt.Sprintf("gatewave:results:%s:%s:%s:%s", subj.Type, subj.Identifier, testCase, scenario)
}

func (r *ResultsRetriever) cachedPasses(ctx context.Context, subj subject.Subject, testCase, scenario string) ([]policy.Result, bool) {
	if r.cache == nil || r.When != "" || len(r.IgnoreIDs) > 0 {
		return nil, false
	}
	data, err := r.cache.Get(ctx, stickyKey(subj, testCase, scenario))
	if err != nil || data == nil {
		return nil, false
	}
	var results []policy.Result
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, false
	}
	stickyCacheHits.Inc()
	return results, true
}

// stickPasses caches the matching results when every one of them passed.
// Failures are never written: a failure must always be recomputed from the
// result store so a later passing run can clear it.
func (r *ResultsRetriever) stickPasses(ctx context.Context, subj subject.Subject, testCase, scenario string, matching []policy.Result) {
	if r.cache == nil || r.When != "" || len(r.IgnoreIDs) > 0 || len(matching) == 0 {
		return
	}
	for _, result := range matching {
		if result.Outcome != policy.OutcomePassed {
			return
		}
	}
	data, err := json.Marshal(matching)
	if err != nil {
		return
	}
	// A failed write only costs a future cache miss.
	_ = r.cache.Set(ctx, stickyKey(subj, testCase, scenario), data)
}
