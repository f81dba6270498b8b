package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labfleet_agents_online",
		Help: "Number of agents currently connected.",
	})
	UserSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labfleet_user_sessions",
		Help: "Number of open user websocket sessions.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labfleet_auth_failures_total",
		Help: "Total number of failed authentication attempts by flow.",
	}, []string{"flow"})
	TokenRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labfleet_token_rotations_total",
		Help: "Total number of successful refresh token rotations.",
	})
	TokenReuseDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labfleet_token_reuse_detected_total",
		Help: "Total number of refresh token reuse detections.",
	})
	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labfleet_commands_dispatched_total",
		Help: "Total number of commands dispatched to agents by outcome.",
	}, []string{"outcome"})
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "labfleet_command_duration_seconds",
		Help:    "Round-trip duration of completed commands.",
		Buckets: prometheus.DefBuckets,
	})
	AgentRegistrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labfleet_agent_registrations_total",
		Help: "Total number of agent identify registrations completed.",
	})
	VersionDownloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labfleet_version_downloads_total",
		Help: "Total number of agent version artifact downloads.",
	})
)
