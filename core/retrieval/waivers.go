package retrieval

import (
	"context"
	"fmt"

	gwerrors "github.com/davidahmann/gatewave/core/errors"
	"github.com/davidahmann/gatewave/core/subject"
	"github.com/davidahmann/gatewave/core/waiver"
)

// WaiversRetriever fetches active waivers from the waiver service.
type WaiversRetriever struct {
	session *Session
	baseURL string
}

func NewWaiversRetriever(session *Session, baseURL string) *WaiversRetriever {
	return &WaiversRetriever{session: session, baseURL: baseURL}
}

type waiverFilter struct {
	SubjectType       string `json:"subject_type"`
	SubjectIdentifier string `json:"subject_identifier"`
	ProductVersion    string `json:"product_version,omitempty"`
	TestCase          string `json:"testcase,omitempty"`
	Since             string `json:"since,omitempty"`
}

// Retrieve returns the active waivers for a subject and product version.
// One filter is posted per subject type alias so that waivers filed under
// brew-build cover koji_build subjects and vice versa. When is an optional
// ISO 8601 timestamp restricting the query to waivers created strictly
// before it.
func (r *WaiversRetriever) Retrieve(
	ctx context.Context, subj subject.Subject, productVersion, when string,
) ([]waiver.Waiver, error) {
	var since string
	if when != "" {
		since = "1900-01-01T00:00:00.000000," + when
	}
	filters := make([]waiverFilter, 0, 2)
	for _, alias := range subj.TypeAliases() {
		filters = append(filters, waiverFilter{
			SubjectType:       alias,
			SubjectIdentifier: subj.Identifier,
			ProductVersion:    productVersion,
			Since:             since,
		})
	}
	body := map[string]any{"filters": filters}

	resp, err := r.session.Post(ctx, r.baseURL+"/waivers/+filtered", body)
	if err != nil {
		return nil, err
	}
	observeUpstream("waiverdb", resp)
	if !resp.OK() {
		return nil, gwerrors.WrapGateway(
			fmt.Errorf("fetching waivers: %s", resp.Error()), resp.StatusCode)
	}

	var page struct {
		Data []waiver.Waiver `json:"data"`
	}
	if err := resp.JSON(&page); err != nil {
		return nil, fmt.Errorf("decode waivers response: %w", err)
	}
	active := page.Data[:0]
	for _, w := range page.Data {
		if w.Waived {
			active = append(active, w)
		}
	}
	return active, nil
}
