// Package metrics exposes the orchestrator's in-process Prometheus gauges
// and counters. The registration idiom (promauto + promhttp.Handler at
// /metrics) mirrors the control-plane pattern in the example pack; the
// metric set itself is specific to the two counters the spec's Design
// Notes explicitly call out as observability requirements: the rate-limit
// heuristic's false-positive drift, and the PR-recovery fallback path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the orchestrator emits. A single instance
// is constructed at startup and threaded through the control loops and
// supervisor; nothing here reaches for the global default registry
// directly so tests can construct an isolated Registry per test.
type Registry struct {
	reg *prometheus.Registry

	RunningAgents         prometheus.Gauge
	RateLimitedAgents     prometheus.Gauge
	RateLimitHeuristicHit *prometheus.CounterVec
	AgentTimeouts         prometheus.Counter
	PRRecoveryPath        *prometheus.CounterVec
	LoopBackoffSeconds    *prometheus.GaugeVec
	WorkItemsByStatus     *prometheus.GaugeVec
	RateLimitProbeFailures prometheus.Counter
}

// New constructs a Registry with all metrics registered against a fresh
// prometheus.Registry (not the global default, to keep tests isolated).
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		RunningAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarmd",
			Name:      "running_agents",
			Help:      "Number of agent runs currently in status=running.",
		}),
		RateLimitedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarmd",
			Name:      "rate_limited_agents",
			Help:      "Number of agent runs currently in status=rate_limited.",
		}),
		// Per spec §9 Open Question: the stderr rate-limit pattern list is
		// a best-effort heuristic; this counter makes false-positive drift
		// observable by pattern, rather than silently preserving worktrees.
		RateLimitHeuristicHit: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarmd",
			Name:      "rate_limit_heuristic_hits_total",
			Help:      "Count of stderr/error-event lines matching the rate-limit heuristic, by matched pattern.",
		}, []string{"pattern"}),
		AgentTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmd",
			Name:      "agent_timeouts_total",
			Help:      "Count of agent runs that hit AGENT_TIMEOUT_SECONDS.",
		}),
		// Per spec §9 Open Question: PR-number extraction falls back to a
		// regex when the structured result field is absent; this counter
		// tracks how often each recovery path (structured/regex/branch
		// lookup/pushed-commits) actually fires.
		PRRecoveryPath: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarmd",
			Name:      "pr_recovery_path_total",
			Help:      "Count of PR-number resolutions, by path taken.",
		}, []string{"path"}),
		LoopBackoffSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "swarmd",
			Name:      "loop_backoff_seconds",
			Help:      "Current consecutive-error backoff duration for a control loop.",
		}, []string{"loop"}),
		WorkItemsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "swarmd",
			Name:      "work_items",
			Help:      "Number of work items per status.",
		}, []string{"status"}),
		RateLimitProbeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmd",
			Name:      "rate_limit_probe_failures_total",
			Help:      "Count of rate-limit availability probes that failed, deferring all eligible resumes.",
		}),
	}
}

// Gatherer exposes the underlying registry for wiring into promhttp.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// PR recovery path labels, used consistently by internal/supervisor.
const (
	PathStructuredField = "structured_field"
	PathRegexFallback   = "regex_fallback"
	PathExistingBranch  = "existing_branch"
	PathPushedCommits   = "pushed_commits"
	PathNone            = "none"
)
