package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prom.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func TestRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveBuild("full", 150*time.Millisecond)
	r.ObserveBuild("incremental", 20*time.Millisecond)
	r.ObserveBuild("incremental", 30*time.Millisecond)
	r.IncRebuilds()
	r.IncRebuilds()
	r.IncRoutesRendered()
	r.IncRenderErrors()
	r.SetClients(3)

	mfs := gather(t, reg)

	outcomes := mfs["buildwatch_build_outcomes_total"]
	require.NotNil(t, outcomes)
	counts := make(map[string]float64)
	for _, m := range outcomes.GetMetric() {
		counts[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"full": 1, "incremental": 2}, counts)

	assert.Equal(t, 2.0, mfs["buildwatch_rebuilds_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, mfs["buildwatch_routes_rendered_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, mfs["buildwatch_render_errors_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 3.0, mfs["buildwatch_livereload_clients"].GetMetric()[0].GetGauge().GetValue())

	histogram := mfs["buildwatch_build_duration_seconds"]
	require.NotNil(t, histogram)
	assert.Len(t, histogram.GetMetric(), 2)
}

func TestRecorderNilSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveBuild("full", time.Second)
		r.IncRebuilds()
		r.IncRoutesRendered()
		r.IncRenderErrors()
		r.SetClients(1)
	})
}

func TestRecorderHandler(t *testing.T) {
	r := NewRecorder(nil)
	r.IncRebuilds()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "buildwatch_rebuilds_total 1")
}
