package frontdoor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	status Status
	stats  Stats
}

func (f *fakeSource) Status() Status { return f.status }
func (f *fakeSource) Stats() Stats   { return f.stats }

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	src := &fakeSource{
		status: Status{Healthy: true, Handle: &Handle{State: StateRunning}},
		stats:  Stats{Spawns: 4, Restarts: 3, Crashes: 2, LaunchFailures: 1},
	}
	require.NoError(t, registerMetrics(reg, src))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		m := mf.GetMetric()[0]
		switch {
		case m.GetGauge() != nil:
			values[mf.GetName()] = m.GetGauge().GetValue()
		case m.GetCounter() != nil:
			values[mf.GetName()] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{
		"frontdoor_backend_up":                    1,
		"frontdoor_backend_spawns_total":          4,
		"frontdoor_backend_restarts_total":        3,
		"frontdoor_backend_crashes_total":         2,
		"frontdoor_backend_launch_failures_total": 1,
	}, values)

	src.status = Status{}
	n, err := testutil.GatherAndCount(reg, "frontdoor_backend_up")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegisterMetricsTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	src := &fakeSource{}
	require.NoError(t, registerMetrics(reg, src))
	assert.NoError(t, registerMetrics(reg, src))
	assert.NoError(t, registerMetrics(nil, src))
}
