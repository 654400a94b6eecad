// Package monitoring exposes the core's Prometheus metrics. Everything is
// registered on the default registry and served by promhttp from the API
// server.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyscallsTotal counts sandbox system calls by plugin, method, and
	// outcome (ok, denied, rate_limited, error).
	SyscallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frontclaw_syscalls_total",
		Help: "System calls issued by plugin sandboxes.",
	}, []string{"plugin", "method", "outcome"})

	// HookDuration observes hook round-trip latency per hook name.
	HookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "frontclaw_hook_duration_seconds",
		Help:    "Plugin hook call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"hook"})

	// PipelineFailures counts pipeline phases that ended in a failure.
	PipelineFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frontclaw_pipeline_failures_total",
		Help: "Pipeline phases aborted by a plugin failure.",
	}, []string{"pipeline", "plugin"})

	// ChatRequests counts chat requests by terminal outcome
	// (completed, intercepted, blocked, error).
	ChatRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frontclaw_chat_requests_total",
		Help: "Chat requests by outcome.",
	}, []string{"outcome"})

	// ToolInvocations counts executor runs by source (tool or skill) and
	// outcome (ok, error, end_request).
	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frontclaw_tool_invocations_total",
		Help: "Tool executor invocations.",
	}, []string{"source", "outcome"})
)
