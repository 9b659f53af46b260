package listener

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"go.uber.org/zap"

	"github.com/davidahmann/gatewave/core/decision"
	"github.com/davidahmann/gatewave/core/policy"
	"github.com/davidahmann/gatewave/core/retrieval"
)

// upstreams serving a failing result and a waiver that arrives with the
// event under test, so the decision flips from unsatisfied to satisfied.
func flipUpstreams(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/results/latest"):
			var data []map[string]any
			if r.URL.Query().Get("item") != "" {
				data = append(data, map[string]any{
					"id": 1, "outcome": "FAILED",
					"testcase": map[string]any{"name": "dist.abicheck"}, "submit_time": "2026-01-01T00:00:00",
				})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
		case strings.HasPrefix(r.URL.Path, "/waivers/+filtered"):
			var body struct {
				Filters []struct {
					Since string `json:"since"`
				} `json:"filters"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			data := []map[string]any{}
			if len(body.Filters) == 0 || body.Filters[0].Since == "" {
				data = append(data, map[string]any{
					"id": 9, "subject_type": "koji_build", "subject_identifier": "nethack-1.2.3-1.el9000",
					"product_version": "fedora-26",
					"testcase":        "dist.abicheck", "waived": true, "timestamp": "2026-02-01T00:00:00",
				})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testListener(t *testing.T, producer sarama.SyncProducer) *Listener {
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
	upstreams := flipUpstreams(t)
	engine := &decision.Engine{
		Policies:   policies,
		Session:    retrieval.NewSession(5 * time.Second),
		ResultsURL: upstreams.URL,
		WaiversURL: upstreams.URL,
	}
	return &Listener{
		engine:        engine,
		logger:        zap.NewNop(),
		producer:      producer,
		waiverTopic:   "waiver.new",
		decisionTopic: "decision.update",
	}
}

func waiverPayload() []byte {
	payload, _ := json.Marshal(map[string]any{
		"id": 9, "subject_type": "koji_build", "subject_identifier": "nethack-1.2.3-1.el9000",
		"product_version": "fedora-26", "testcase": "dist.abicheck",
		"timestamp": "2026-02-01T00:00:00",
	})
	return payload
}

func TestHandleMessagePublishesUpdate(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(payload []byte) error {
		var update decisionUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			return err
		}
		if !update.PoliciesSatisfied {
			t.Errorf("expected satisfied current decision, got %+v", update)
		}
		if update.DecisionContext != "bodhi_update_push_stable" {
			t.Errorf("unexpected decision context %q", update.DecisionContext)
		}
		if update.MessageID == "" {
			t.Error("missing message id")
		}
		return nil
	})

	l := testListener(t, producer)
	l.handleMessage(context.Background(), waiverPayload())
	if err := producer.Close(); err != nil {
		t.Fatalf("producer expectations: %v", err)
	}
}

func TestHandleMessageMalformed(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	l := testListener(t, producer)
	l.handleMessage(context.Background(), []byte("not json"))
	if err := producer.Close(); err != nil {
		t.Fatalf("no message must be published for malformed events: %v", err)
	}
}

func TestHandleMessageIncompleteEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	l := testListener(t, producer)
	l.handleMessage(context.Background(), []byte(`{"id": 9}`))
	if err := producer.Close(); err != nil {
		t.Fatalf("no message must be published for incomplete events: %v", err)
	}
}
