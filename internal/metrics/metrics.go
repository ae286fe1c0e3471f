// Package metrics exposes the gateway's Prometheus instrumentation: the
// decision pipeline, broker sessions, the audit log and the admin API.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Broker error categories (bounded set). Label values must stay bounded;
// raw error strings never become labels.
const (
	BrokerErrorTimeout    = "timeout"
	BrokerErrorRateLimit  = "rate_limit"
	BrokerErrorAuth       = "authentication"
	BrokerErrorNetwork    = "network"
	BrokerErrorRejected   = "rejected"
	BrokerErrorMarket     = "market_closed"
	BrokerErrorServer     = "server_error"
	BrokerErrorOther      = "other"
)

// NormalizeBrokerError maps arbitrary broker failures to the bounded set
func NormalizeBrokerError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return BrokerErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return BrokerErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return BrokerErrorAuth
	case strings.Contains(errStr, "market") && strings.Contains(errStr, "closed"):
		return BrokerErrorMarket
	case strings.Contains(errStr, "reject"):
		return BrokerErrorRejected
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection") || strings.Contains(errStr, "unreachable"):
		return BrokerErrorNetwork
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return BrokerErrorServer
	default:
		return BrokerErrorOther
	}
}

// Admission and pipeline metrics
var (
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_gate_decisions_total",
		Help: "Total gate admission decisions by node type",
	}, []string{"decision"})

	PipelineQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradegate_pipeline_queue_depth",
		Help: "Signals waiting in a profile's pipeline queue",
	}, []string{"profile_id"})

	PipelineRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_pipeline_refusals_total",
		Help: "Signals refused at the pipeline high-water mark",
	}, []string{"profile_id"})

	PipelineTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegate_pipeline_timeouts_total",
		Help: "Signals sealed by the per-signal pipeline timeout",
	})

	PipelinePreemptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegate_pipeline_preemptions_total",
		Help: "Queued signals sealed blocked by an emergency posture change",
	})

	RiskVetoes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_risk_vetoes_total",
		Help: "Sizer vetoes by predicate",
	}, []string{"predicate"})
)

// Decision log metrics
var (
	DecisionNodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_decision_nodes_total",
		Help: "Decision nodes written by node type and status",
	}, []string{"node_type", "status"})

	DecisionNodeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradegate_decision_node_latency_ms",
		Help:    "Decision node write latency in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	ChainsSealed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_chains_sealed_total",
		Help: "Decision chains sealed by outcome",
	}, []string{"outcome"})

	PendingChains = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradegate_pending_chains",
		Help: "Decision chains not yet sealed",
	})
)

// Execution and broker metrics
var (
	OrderSubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradegate_order_submit_latency_ms",
		Help:    "Broker order submission latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	})

	OrderSubmitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegate_order_submit_retries_total",
		Help: "Order submissions retried after a transient failure",
	})

	BrokerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_broker_errors_total",
		Help: "Broker call failures by error category",
	}, []string{"error_type"})

	TWAPSlices = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegate_twap_slices_total",
		Help: "Child orders submitted by the TWAP slicer",
	})

	BrokerSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradegate_broker_sessions",
		Help: "Broker sessions by state",
	}, []string{"state"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradegate_open_positions",
		Help: "Open positions across all profiles",
	})

	PositionValueBySymbol = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradegate_position_value_by_symbol",
		Help: "Open position notional by symbol",
	}, []string{"symbol"})
)

// Emergency metrics
var (
	EmergencyState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradegate_emergency_state",
		Help: "Emergency state flags (1 = current state)",
	}, []string{"state"})

	EmergencyTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_emergency_triggers_total",
		Help: "Emergency activations by trigger",
	}, []string{"trigger"})
)

// Profile metrics
var (
	ProfileEquity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradegate_profile_equity",
		Help: "Profile equity in account currency",
	}, []string{"profile_id"})

	ProfileDrawdown = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradegate_profile_drawdown",
		Help: "Profile drawdown from peak equity as a ratio",
	}, []string{"profile_id"})

	ActiveProfiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradegate_active_profiles",
		Help: "Profiles with trading enabled",
	})
)

// System health metrics
var (
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradegate_database_connections_active",
		Help: "Number of active database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradegate_database_connections_idle",
		Help: "Number of idle database connections",
	})

	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradegate_database_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_redis_operations_total",
		Help: "Total number of Redis operations by type",
	}, []string{"operation"})

	NATSMessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegate_nats_messages_published_total",
		Help: "Total number of NATS messages published",
	})

	NATSMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegate_nats_messages_received_total",
		Help: "Total number of NATS messages received",
	})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradegate_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "path", "status_code"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_errors_total",
		Help: "Total number of errors by type",
	}, []string{"type", "component"})
)

// Helper functions to update metrics

// RecordGateDecision records one admission decision
func RecordGateDecision(decision string) {
	GateDecisions.WithLabelValues(decision).Inc()
}

// SetQueueDepth updates a profile's pipeline queue depth
func SetQueueDepth(profileID string, depth int) {
	PipelineQueueDepth.WithLabelValues(profileID).Set(float64(depth))
}

// RecordQueueRefusal records a high-water-mark refusal
func RecordQueueRefusal(profileID string) {
	PipelineRefusals.WithLabelValues(profileID).Inc()
}

// RecordPipelineTimeout records a signal sealed by its processing budget
func RecordPipelineTimeout() {
	PipelineTimeouts.Inc()
}

// RecordPipelinePreemption records a queued signal blocked by the
// emergency posture
func RecordPipelinePreemption() {
	PipelinePreemptions.Inc()
}

// RecordRiskVeto records a sizer veto by predicate
func RecordRiskVeto(predicate string) {
	RiskVetoes.WithLabelValues(predicate).Inc()
}

// RecordDecisionNode records a decision node write
func RecordDecisionNode(nodeType string, success bool, durationMs float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	DecisionNodes.WithLabelValues(nodeType, status).Inc()
	DecisionNodeLatency.Observe(durationMs)
}

// RecordChainSealed records a sealed chain by outcome
func RecordChainSealed(outcome string) {
	ChainsSealed.WithLabelValues(outcome).Inc()
}

// RecordOrderSubmit records a broker submission with its error category
func RecordOrderSubmit(durationMs float64, err error) {
	OrderSubmitLatency.Observe(durationMs)
	if err != nil {
		BrokerErrors.WithLabelValues(NormalizeBrokerError(err)).Inc()
	}
}

// RecordOrderRetry records a retried submission attempt
func RecordOrderRetry() {
	OrderSubmitRetries.Inc()
}

// RecordTWAPSlice records one child order of a sliced intent
func RecordTWAPSlice() {
	TWAPSlices.Inc()
}

// SetBrokerSessions updates the session-state gauge
func SetBrokerSessions(state string, count int) {
	BrokerSessions.WithLabelValues(state).Set(float64(count))
}

// SetEmergencyState flags exactly one emergency state as current
func SetEmergencyState(current string) {
	for _, s := range []string{"normal", "hedged", "halted", "killed"} {
		v := 0.0
		if s == current {
			v = 1.0
		}
		EmergencyState.WithLabelValues(s).Set(v)
	}
}

// RecordEmergencyTrigger records one emergency activation
func RecordEmergencyTrigger(trigger string) {
	EmergencyTriggers.WithLabelValues(trigger).Inc()
}

// UpdateProfile updates a profile's equity and drawdown gauges
func UpdateProfile(profileID string, equity, drawdown float64) {
	ProfileEquity.WithLabelValues(profileID).Set(equity)
	ProfileDrawdown.WithLabelValues(profileID).Set(drawdown)
}

// UpdatePositionValue updates position notional for a symbol
func UpdatePositionValue(symbol string, value float64) {
	PositionValueBySymbol.WithLabelValues(symbol).Set(value)
}

// UpdateDatabaseConnections updates database connection metrics
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(queryType string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// RecordRedisOperation records a Redis operation
func RecordRedisOperation(operation string) {
	RedisOperations.WithLabelValues(operation).Inc()
}

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}
