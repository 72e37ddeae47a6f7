package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowguard/internal/engine"
	"github.com/roach88/flowguard/internal/links"
	"github.com/roach88/flowguard/internal/logging"
	"github.com/roach88/flowguard/internal/policy"
	"github.com/roach88/flowguard/internal/store"
	"github.com/roach88/flowguard/internal/telemetry"
	"github.com/roach88/flowguard/internal/testutil"
)

type testServer struct {
	handler http.Handler
	engine  *engine.Engine
	gov     *links.Governance
	staking *links.Staking
}

func newTestServer(t *testing.T, extra ...links.Link) *testServer {
	t.Helper()
	gov := links.NewGovernance()
	staking := links.NewStaking()
	metrics := telemetry.NewMetrics()

	e := engine.New(store.NewMemory(),
		engine.WithLogger(logging.NewNop()),
		engine.WithCorrelation(testutil.NewFixedCorrelation("c-http")),
		engine.WithLinks(append([]links.Link{gov, staking}, extra...)...),
		engine.WithMetrics(metrics),
		engine.WithGateway(testutil.NewStaticGateway(nil)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(cancel)

	return &testServer{
		handler: NewHandler(&Server{
			Engine:     e,
			Metrics:    metrics,
			Governance: gov,
			Staking:    staking,
			Logger:     logging.NewNop(),
		}),
		engine:  e,
		gov:     gov,
		staking: staking,
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

const mintJSON = `{"owner":"0xA11CE","coverage_type":"car","coverage_amount":10000,"underwriter_ref":"AIA","required_flow_rate":69}`

func TestMintAndGet(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/policies", mintJSON)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decode[policy.Record](t, w)
	assert.Equal(t, policy.ID(1), rec.ID)
	assert.Equal(t, policy.Account("0xa11ce"), rec.Owner)
	assert.Equal(t, "CAR", rec.Coverage.Type)
	assert.Equal(t, policy.Inactive, rec.State)

	w = ts.do(t, http.MethodGet, "/v1/policies/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"activation_state":"INACTIVE"`)

	w = ts.do(t, http.MethodGet, "/v1/policies/1/active", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["active"])

	w = ts.do(t, http.MethodGet, "/v1/accounts/0xA11CE/policies", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]policy.Record](t, w), 1)
}

func TestMint_Errors(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/policies", `{"owner":"0xa","coverage_type":"CAR","coverage_amount":1,"underwriter_ref":"AIA","required_flow_rate":0}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_COVERAGE_PARAMETERS")

	w = ts.do(t, http.MethodPost, "/v1/policies", `{"owner":"0xa","premium":5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/policies/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/policies/9", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLedgerNotifications(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/policies", mintJSON).Code)

	w := ts.do(t, http.MethodPost, "/v1/ledger/notifications", `{"kind":"created","payer":"0xa11ce","flow_rate":70}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[notifyResponse](t, w)
	require.NotNil(t, resp.Outcome)
	require.Len(t, resp.Outcome.Evaluations, 1)
	assert.Equal(t, policy.Active, resp.Outcome.Evaluations[0].Next)
	assert.Equal(t, "c-http", resp.Outcome.Correlation)

	assert.True(t, ts.gov.IsHolder("0xa11ce"))
	assert.True(t, ts.staking.Eligible(1))

	w = ts.do(t, http.MethodGet, "/v1/governance/holders", "")
	assert.Contains(t, w.Body.String(), `"count":1`)
	w = ts.do(t, http.MethodGet, "/v1/staking/eligible", "")
	assert.Contains(t, w.Body.String(), `"policies":[1]`)

	w = ts.do(t, http.MethodPost, "/v1/ledger/notifications", `{"kind":"updated","payer":"0xa11ce","flow_rate":10}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, ts.gov.IsHolder("0xa11ce"))

	w = ts.do(t, http.MethodPost, "/v1/ledger/notifications", `{"kind":"terminated","payer":"0xa11ce"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/policies/1/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]policy.Event](t, w), 3)
}

func TestLedgerNotifications_Failures(t *testing.T) {
	ts := newTestServer(t, &testutil.FailingLink{LinkName: "webhook"})
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/policies", mintJSON).Code)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"unknown payer", `{"kind":"created","payer":"0xnobody","flow_rate":70}`, http.StatusNotFound, "UNKNOWN_POLICY"},
		{"downstream failure", `{"kind":"created","payer":"0xa11ce","flow_rate":70}`, http.StatusBadGateway, "DOWNSTREAM_NOTIFICATION_FAILURE"},
		{"bad kind", `{"kind":"paused","payer":"0xa11ce"}`, http.StatusBadRequest, "INVALID_NOTIFICATION"},
		{"unknown field", `{"kind":"created","payer":"0xa11ce","flow_rate":70,"extra":1}`, http.StatusBadRequest, "INVALID_NOTIFICATION"},
		{"terminated unknown payer", `{"kind":"terminated","payer":"0xnobody"}`, http.StatusOK, ""},
		{"terminated garbage", `{"kind":"TERMINATED","payer":""}`, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/v1/ledger/notifications", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.code != "" {
				assert.Contains(t, w.Body.String(), tt.code)
			}
		})
	}

	active, err := ts.engine.IsActive(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestTransfer(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/policies", mintJSON).Code)

	w := ts.do(t, http.MethodPost, "/v1/policies/1/transfer", `{"from":"0xb0b","to":"0xc0c"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/policies/1/transfer", `{"from":"0xa11ce","to":"0xa11ce"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/policies/1/transfer", `{"from":"0xa11ce","to":"0xB0B"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, policy.Account("0xb0b"), decode[policy.Record](t, w).Owner)

	w = ts.do(t, http.MethodPost, "/v1/policies/7/transfer", `{"from":"0xa11ce","to":"0xb0b"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReconcileEndpoint(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/policies", mintJSON).Code)

	w := ts.do(t, http.MethodPost, "/v1/reconcile", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[reconcileResponse](t, w)
	assert.Len(t, resp.Outcomes, 1)
	assert.Empty(t, resp.Failures)
}

func TestMetricsAndHealth(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/policies", mintJSON).Code)

	w := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"schema_version":"1"`)

	w = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "flowguard_policies_minted_total 1")
}

func TestStatusOf(t *testing.T) {
	status, code := statusOf(engine.ErrStopped)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "STOPPED", code)

	status, _ = statusOf(engine.ErrNoGateway)
	assert.Equal(t, http.StatusNotImplemented, status)

	status, _ = statusOf(&engine.Error{Code: engine.ErrCodeConcurrentMutation})
	assert.Equal(t, http.StatusConflict, status)
}
