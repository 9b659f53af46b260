package decision

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	gwerrors "github.com/davidahmann/gatewave/core/errors"
	"github.com/davidahmann/gatewave/core/jcs"
	"github.com/davidahmann/gatewave/core/policy"
	"github.com/davidahmann/gatewave/core/subject"
)

// Change pairs the decision right before an event with the decision after
// it, for one (decision context, product version) combination.
type Change struct {
	DecisionContext string
	ProductVersion  string
	Previous        *Decision
	Current         *Decision
}

// ChangedDecisions recomputes every decision a new waiver or result for
// (subj, testCase) can affect and returns the ones that actually changed.
// timestamp is the event's submission time; the previous decision is
// computed as of right before it.
func (e *Engine) ChangedDecisions(
	ctx context.Context,
	subj subject.Subject,
	testCase string,
	productVersion string,
	timestamp string,
) ([]Change, error) {
	before, err := rightBefore(timestamp)
	if err != nil {
		return nil, fmt.Errorf("event timestamp %q: %w", timestamp, err)
	}

	pairs := policy.ApplicableContextProductVersionPairs(e.Policies, &subj, testCase, productVersion)
	var changes []Change
	for _, pair := range pairs {
		base := Request{
			DecisionContext: pair.DecisionContext,
			ProductVersion:  pair.ProductVersion,
			Subject:         subj,
		}

		previousReq := base
		previousReq.When = before
		previous, err := e.Evaluate(ctx, previousReq)
		if err != nil {
			if gwerrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		current, err := e.Evaluate(ctx, base)
		if err != nil {
			if gwerrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}

		same, err := decisionsEqual(previous, current)
		if err != nil {
			return nil, err
		}
		if same {
			e.logger().Debug("decision unchanged",
				zap.String("decision_context", pair.DecisionContext),
				zap.String("product_version", pair.ProductVersion),
				zap.String("subject_identifier", subj.Identifier))
			continue
		}
		changes = append(changes, Change{
			DecisionContext: pair.DecisionContext,
			ProductVersion:  pair.ProductVersion,
			Previous:        previous,
			Current:         current,
		})
	}
	return changes, nil
}

// decisionsEqual compares decisions by canonical JSON digest, so map
// ordering and equivalent encodings cannot produce phantom changes.
func decisionsEqual(a, b *Decision) (bool, error) {
	digestA, err := jcs.DigestValue(a.ToJSON())
	if err != nil {
		return false, err
	}
	digestB, err := jcs.DigestValue(b.ToJSON())
	if err != nil {
		return false, err
	}
	return digestA == digestB, nil
}

const waiverTimestampLayout = "2006-01-02T15:04:05.000000"

// rightBefore returns the instant one microsecond before the given event
// timestamp, in the submission-time format the upstream services filter on.
func rightBefore(timestamp string) (string, error) {
	parsed, err := parseEventTime(timestamp)
	if err != nil {
		return "", err
	}
	return parsed.Add(-time.Microsecond).UTC().Format(waiverTimestampLayout), nil
}

func parseEventTime(timestamp string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		waiverTimestampLayout,
		"2006-01-02T15:04:05",
	} {
		if parsed, err := time.Parse(layout, timestamp); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}
