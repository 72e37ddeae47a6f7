package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.Notification("created", "ok", time.Millisecond)
	m.Transition("ACTIVE")
	m.DownstreamFailure("staking", "terminated")
	m.Minted()
	assert.Nil(t, m.Registry())
}

func TestMetricsCount(t *testing.T) {
	m := NewMetrics()
	m.Notification("created", "ok", time.Millisecond)
	m.Notification("created", "ok", time.Millisecond)
	m.Notification("terminated", "absorbed", time.Millisecond)
	m.Transition("ACTIVE")
	m.DownstreamFailure("staking", "terminated")

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				key := mf.GetName()
				// labels come back sorted by name
				for _, lp := range metric.GetLabel() {
					key += "/" + lp.GetValue()
				}
				got[key] = c.GetValue()
			}
		}
	}

	assert.Equal(t, 2.0, got["flowguard_notifications_total/created/ok"])
	assert.Equal(t, 1.0, got["flowguard_notifications_total/terminated/absorbed"])
	assert.Equal(t, 1.0, got["flowguard_transitions_total/ACTIVE"])
	assert.Equal(t, 1.0, got["flowguard_downstream_failures_total/terminated/staking"])
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.Minted()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "flowguard_policies_minted_total 1"))
}

func TestSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, InitTracingWithExporter("flowguard-test", "0.0.0", exporter))

	_, span := StartSpan(context.Background(), "engine.notification", trace.SpanKindInternal)
	span.SetAttributes(map[string]string{"kind": "created"}).SetInt("policies", 2)
	span.End(errors.New("boom"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "engine.notification", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)

	var nilSpan *Span
	nilSpan.SetAttributes(map[string]string{"a": "b"})
	nilSpan.End(nil)
}
