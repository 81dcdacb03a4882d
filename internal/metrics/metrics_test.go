package metrics

import (
	"testing"

	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunningAgents_SetAndGather(t *testing.T) {
	r := New()
	r.RunningAgents.Set(3)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	var found *io_prometheus_client.MetricFamily
	for _, f := range families {
		if f.GetName() == "swarmd_running_agents" {
			found = f
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, float64(3), found.Metric[0].GetGauge().GetValue())
}

func TestRateLimitHeuristicHit_LabeledByPattern(t *testing.T) {
	r := New()
	r.RateLimitHeuristicHit.WithLabelValues("rate limit").Inc()
	r.RateLimitHeuristicHit.WithLabelValues("429").Inc()
	r.RateLimitHeuristicHit.WithLabelValues("429").Inc()

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	var total float64
	for _, f := range families {
		if f.GetName() == "swarmd_rate_limit_heuristic_hits_total" {
			for _, m := range f.Metric {
				total += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(3), total)
}

func TestPRRecoveryPath_Labels(t *testing.T) {
	r := New()
	r.PRRecoveryPath.WithLabelValues(PathRegexFallback).Inc()

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	var matched bool
	for _, f := range families {
		if f.GetName() == "swarmd_pr_recovery_path_total" {
			for _, m := range f.Metric {
				for _, lbl := range m.Label {
					if lbl.GetName() == "path" && lbl.GetValue() == PathRegexFallback {
						matched = true
					}
				}
			}
		}
	}
	assert.True(t, matched)
}
