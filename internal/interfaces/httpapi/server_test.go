package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"txrelay/internal/application"
	"txrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRelay struct {
	submitted []domain.RequestSpec
	submitErr error
	views     map[string]domain.StatusView
}

func (r *stubRelay) Submit(_ context.Context, spec domain.RequestSpec) (string, error) {
	if r.submitErr != nil {
		return "", r.submitErr
	}
	r.submitted = append(r.submitted, spec)
	return "6f1c2b7e-4c61-4a57-9a3c-2b5f0f3b9e11", nil
}

func (r *stubRelay) GetStatus(_ context.Context, id string) (domain.StatusView, error) {
	view, ok := r.views[id]
	if !ok {
		return domain.StatusView{}, domain.ErrNotFound
	}
	return view, nil
}

func newTestServer(t *testing.T, relay Relay, checks map[string]Pinger) *httptest.Server {
	t.Helper()
	server, err := NewServer(relay, checks, NewMetrics(), BuildInfo{Version: "test"})
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestSubmit_Accepted(t *testing.T) {
	relay := &stubRelay{}
	ts := newTestServer(t, relay, nil)

	body := `{"client_id":"acme","kind":"transfer","to":"0x00000000000000000000000000000000000000aa","amount":"10"}`
	resp, err := http.Post(ts.URL+"/v1/transactions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "6f1c2b7e-4c61-4a57-9a3c-2b5f0f3b9e11", out["uuid"])
	require.Len(t, relay.submitted, 1)
	assert.Equal(t, "acme", relay.submitted[0].ClientID)
}

func TestSubmit_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"malformed", `{"client_id":`, nil, http.StatusBadRequest},
		{"unknown field", `{"client":"acme"}`, nil, http.StatusBadRequest},
		{"invalid", `{"client_id":"acme"}`, fmt.Errorf("%w: amount", application.ErrInvalidRequest), http.StatusBadRequest},
		{"store down", `{"client_id":"acme"}`, errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, &stubRelay{submitErr: tc.err}, nil)
			resp, err := http.Post(ts.URL+"/v1/transactions", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestStatus(t *testing.T) {
	nonce := uint64(4)
	relay := &stubRelay{views: map[string]domain.StatusView{
		"abc": {UUID: "abc", Status: domain.StatusSubmitted, Hash: "0xfeed", Nonce: &nonce, UpdatedAt: time.Unix(100, 0).UTC()},
	}}
	ts := newTestServer(t, relay, nil)

	resp, err := http.Get(ts.URL + "/v1/transactions/abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view domain.StatusView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, domain.StatusSubmitted, view.Status)
	assert.Equal(t, "0xfeed", view.Hash)
	require.NotNil(t, view.Nonce)
	assert.Equal(t, uint64(4), *view.Nonce)

	missing, err := http.Get(ts.URL + "/v1/transactions/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestReady(t *testing.T) {
	healthy := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("dial tcp: refused") })

	ts := newTestServer(t, &stubRelay{}, map[string]Pinger{"db": healthy, "redis": healthy})
	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ts = newTestServer(t, &stubRelay{}, map[string]Pinger{"db": healthy, "rpc": down})
	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "rpc not ready")
}

func TestMetricsEndpoint(t *testing.T) {
	server, err := NewServer(&stubRelay{}, nil, nil, BuildInfo{})
	require.NoError(t, err)
	metrics := server.MetricsObserver()
	metrics.SubmitAccepted()
	metrics.TransactionFailed(domain.FailureNonceTooLow)
	metrics.BlockReconciled(42, 3, 150*time.Millisecond)
	metrics.MessageConsumed("txrelay-submit-1", 20*time.Millisecond)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	text := string(body)
	assert.Contains(t, text, "txrelay_submit_accepted_total 1")
	assert.Contains(t, text, `txrelay_transactions_failed_total{kind="nonce_too_low"} 1`)
	assert.Contains(t, text, "txrelay_last_reconciled_block 42")
	assert.Contains(t, text, `txrelay_kafka_messages_total{topic="txrelay-submit-1"} 1`)
}

func TestNoRelay_OmitsTransactionRoutes(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/v1/transactions/abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	health, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
