package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/davidahmann/gatewave/core/cache"
	gwerrors "github.com/davidahmann/gatewave/core/errors"
	"github.com/davidahmann/gatewave/core/koji"
	"github.com/davidahmann/gatewave/core/policy"
	"github.com/davidahmann/gatewave/core/remoterule"
	"github.com/davidahmann/gatewave/core/retrieval"
	"github.com/davidahmann/gatewave/core/subject"
	"github.com/davidahmann/gatewave/core/waiver"
)

// Engine evaluates decision requests against a loaded policy set. It is
// safe for concurrent use; per-evaluation state (memoized fetches) is
// created inside Evaluate.
type Engine struct {
	Policies []*policy.Policy

	Session    *retrieval.Session
	ResultsURL string
	WaiversURL string
	Cache      cache.Cache

	// Builds may be nil when no remote rule templates are configured.
	Builds    koji.BuildSource
	Templates remoterule.URLTemplates

	Logger *zap.Logger
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// Evaluate computes the decision for one request.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	contexts := req.Contexts()
	if len(contexts) == 0 {
		return nil, gwerrors.Wrap(
			fmt.Errorf("no decision context provided"),
			gwerrors.CategorySchema, "invalid_request", false)
	}
	if req.ProductVersion == "" {
		return nil, gwerrors.Wrap(
			fmt.Errorf("no product version provided"),
			gwerrors.CategorySchema, "invalid_request", false)
	}

	applicable, err := e.applicablePolicies(req, contexts)
	if err != nil {
		return nil, err
	}

	results := retrieval.NewResultsRetriever(e.Session, e.ResultsURL, e.Cache)
	results.When = req.When
	results.IgnoreIDs = req.IgnoreResults
	var fragments policy.RemoteFragmentSource
	if e.Builds != nil && len(e.Templates) > 0 {
		fragments = remoterule.NewResolver(e.Session, koji.NewMemoizingSource(e.Builds), e.Templates)
	}

	// Waivers are fetched concurrently with rule evaluation and joined
	// once all answers are in.
	type waiversOutcome struct {
		waivers []waiver.Waiver
		err     error
	}
	waiversCh := make(chan waiversOutcome, 1)
	go func() {
		w, err := retrieval.NewWaiversRetriever(e.Session, e.WaiversURL).
			Retrieve(ctx, req.Subject, req.ProductVersion, req.When)
		waiversCh <- waiversOutcome{waivers: w, err: err}
	}()

	var answers []policy.Answer
	for _, p := range applicable {
		policyAnswers, err := p.Check(ctx, req.ProductVersion, req.Subject, results, fragments)
		if err != nil {
			<-waiversCh
			return nil, err
		}
		answers = append(answers, policyAnswers...)
	}

	fetched := <-waiversCh
	if fetched.err != nil {
		return nil, fetched.err
	}
	waivers := fetched.waivers
	answers = waiver.Apply(answers, waivers, req.ProductVersion)
	policy.SortAnswers(answers)

	satisfied := true
	for _, answer := range answers {
		if !answer.IsSatisfied() {
			satisfied = false
			break
		}
	}

	policyIDs := make([]string, 0, len(applicable))
	for _, p := range applicable {
		policyIDs = append(policyIDs, p.ID)
	}
	sort.Strings(policyIDs)

	decision := &Decision{
		PoliciesSatisfied:  satisfied,
		Summary:            policy.SummarizeAnswers(answers),
		ApplicablePolicies: policyIDs,
		Answers:            answers,
		Waivers:            waivers,
		Verbose:            req.Verbose,
	}
	e.logger().Info("decision computed",
		zap.String("subject_type", req.Subject.Type),
		zap.String("subject_identifier", req.Subject.Identifier),
		zap.String("product_version", req.ProductVersion),
		zap.Strings("decision_contexts", contexts),
		zap.Bool("policies_satisfied", satisfied))
	return decision, nil
}

func (e *Engine) applicablePolicies(req Request, contexts []string) ([]*policy.Policy, error) {
	if req.OnDemandPolicy != nil {
		if !subject.TypesMatch(req.OnDemandPolicy.SubjectType, req.Subject.Type) {
			return nil, noApplicablePolicies(req, contexts)
		}
		return []*policy.Policy{req.OnDemandPolicy}, nil
	}

	var applicable []*policy.Policy
	for _, p := range e.Policies {
		for _, dc := range contexts {
			if p.Matches(policy.Match{
				DecisionContext: dc,
				ProductVersion:  req.ProductVersion,
				SubjectType:     req.Subject.Type,
			}) {
				applicable = append(applicable, p)
				break
			}
		}
	}
	if len(applicable) == 0 {
		return nil, noApplicablePolicies(req, contexts)
	}
	return applicable, nil
}

func noApplicablePolicies(req Request, contexts []string) error {
	return gwerrors.Wrap(
		fmt.Errorf("cannot find any applicable policies for %s subjects at gating point(s) %s in %s",
			req.Subject.Type, strings.Join(contexts, ", "), req.ProductVersion),
		gwerrors.CategoryNotFound, "no_applicable_policies", false)
}
