package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "morrigan_sessions_active",
		Help: "Number of agent sessions currently open on this instance.",
	})
	SessionMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "morrigan_session_messages_total",
		Help: "Total number of agent session messages by message type.",
	}, []string{"type"})
	HeartbeatMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "morrigan_heartbeat_misses_total",
		Help: "Total number of heartbeat intervals that passed without a pong.",
	})
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "morrigan_tokens_issued_total",
		Help: "Total number of tokens issued by issuer.",
	}, []string{"issuer"})
	TokenVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "morrigan_token_verifications_total",
		Help: "Total number of token verifications by result.",
	}, []string{"result"})
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "morrigan_http_requests_total",
		Help: "Total number of HTTP requests by status code.",
	}, []string{"code"})
	InstanceCheckIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "morrigan_instance_checkins_total",
		Help: "Total number of instance liveness check-ins written.",
	})
	LifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "morrigan_lifecycle_transitions_total",
		Help: "Total number of server lifecycle transitions by target state.",
	}, []string{"state"})
	MaintenanceRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "morrigan_maintenance_runs_total",
		Help: "Total number of completed maintenance passes.",
	})
)
