package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveVerification("accepted")
	m.ObserveVerification("accepted")
	m.ObserveVerification("face_mismatch")
	m.ObserveExtraction("fallback", "ok")
	m.ObserveLiveness("landmark", false)
	m.ObserveAuditError("kafka")
	m.ObserveBackendError("pgvector")
	m.ObserveQuery("scan", 15*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.verifications.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verifications.WithLabelValues("face_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.extractions.WithLabelValues("fallback", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.liveness.WithLabelValues("landmark", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditErrors.WithLabelValues("kafka")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendErrors.WithLabelValues("pgvector")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "facegate_index_query_seconds")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveVerification("accepted")
		m.ObserveExtraction("model", "ok")
		m.ObserveLiveness("landmark", true)
		m.ObserveQuery("scan", time.Second)
		m.ObserveBackendError("scan")
		m.ObserveAuditError("log")
	})
}
