package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowguard/internal/policy"
)

func TestHTTPGatewayNetFlowRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/0xabc/net-flow", r.URL.Path)
		assert.Equal(t, "0xengine", r.URL.Query().Get("receiver"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"net_flow_rate": 70}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "0xengine", WithHTTPClient(srv.Client()))
	rate, err := g.NetFlowRate(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, policy.Rate(70), rate)
}

func TestHTTPGatewayRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"net_flow_rate": -5}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "0xengine", WithRetries(3, time.Millisecond))
	rate, err := g.NetFlowRate(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, policy.Rate(-5), rate)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPGatewayDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "0xengine", WithRetries(3, time.Millisecond))
	_, err := g.NetFlowRate(context.Background(), "0xabc")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPGatewayGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "0xengine", WithRetries(2, time.Millisecond))
	_, err := g.NetFlowRate(context.Background(), "0xabc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPGatewayMissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "0xengine")
	_, err := g.NetFlowRate(context.Background(), "0xabc")
	assert.ErrorContains(t, err, "missing net_flow_rate")
}

func TestBackoffGrows(t *testing.T) {
	base := 10 * time.Millisecond
	assert.GreaterOrEqual(t, backoff(base, 0), base)
	assert.GreaterOrEqual(t, backoff(base, 3), 8*base)
	assert.Less(t, backoff(base, 0), base+50*time.Millisecond)
}
