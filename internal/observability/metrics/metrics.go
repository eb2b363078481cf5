package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "fleet_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	envelopesTotal   *prometheus.CounterVec
	envelopesRejects *prometheus.CounterVec
	ingestLatency    *prometheus.HistogramVec

	sessionsGauge  *prometheus.GaugeVec
	hubDeliveries  prometheus.Counter
	hubDrops       prometheus.Counter
	natsPublishErr prometheus.Counter

	heartbeatTransitions *prometheus.CounterVec

	rollupPassTotal   *prometheus.CounterVec
	rollupPassLatency *prometheus.HistogramVec
	rollupBuckets     *prometheus.CounterVec
	retentionPruned   *prometheus.CounterVec

	alertTransitions     *prometheus.CounterVec
	ruleEvalErrors       *prometheus.CounterVec
	notificationsTotal   *prometheus.CounterVec
	notificationsSkipped *prometheus.CounterVec

	commandsTotal *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers collectors and, when db is non-nil, DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		envelopesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "envelopes_received_total",
				Help: "Envelopes received by channel and role",
			},
			[]string{"channel", "role"},
		)
		envelopesRejects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "envelopes_rejected_total",
				Help: "Envelopes rejected by channel and reason",
			},
			[]string{"channel", "reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Envelope ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		sessionsGauge = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "sessions_connected",
				Help: "Connected transport sessions by role",
			},
			[]string{"role"},
		)
		hubDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "hub_deliveries_total",
			Help: "Envelopes delivered to subscribers",
		})
		hubDrops = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "hub_drops_total",
			Help: "Envelopes dropped for slow subscribers",
		})
		natsPublishErr = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "hub_mirror_errors_total",
			Help: "Failed publishes to the external mirror",
		})

		heartbeatTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "heartbeat_transitions_total",
				Help: "Synthesised heartbeat transitions by type",
			},
			[]string{"type"},
		)

		rollupPassTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rollup_pass_total",
				Help: "Rollup passes by result",
			},
			[]string{"result"},
		)
		rollupPassLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "rollup_pass_latency_seconds",
				Help:    "Rollup pass latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		rollupBuckets = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rollup_buckets_written_total",
				Help: "Rollup buckets recomputed by resolution",
			},
			[]string{"resolution"},
		)
		retentionPruned = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "retention_pruned_rows_total",
				Help: "Rows removed by retention by table",
			},
			[]string{"table"},
		)

		alertTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_transitions_total",
				Help: "Alert lifecycle transitions by type",
			},
			[]string{"event"},
		)
		ruleEvalErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_rule_errors_total",
				Help: "Rule evaluation failures by rule type",
			},
			[]string{"rule_type"},
		)
		notificationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Notification attempts by channel type and result",
			},
			[]string{"channel_type", "result"},
		)
		notificationsSkipped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_suppressed_total",
				Help: "Notifications suppressed by reason",
			},
			[]string{"reason"},
		)

		commandsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_total",
				Help: "Commands by status",
			},
			[]string{"status"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_export_total",
				Help: "Alert history exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "alert_export_latency_seconds",
				Help:    "Alert history export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			envelopesTotal,
			envelopesRejects,
			ingestLatency,
			sessionsGauge,
			hubDeliveries,
			hubDrops,
			natsPublishErr,
			heartbeatTransitions,
			rollupPassTotal,
			rollupPassLatency,
			rollupBuckets,
			retentionPruned,
			alertTransitions,
			ruleEvalErrors,
			notificationsTotal,
			notificationsSkipped,
			commandsTotal,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncEnvelope counts a received envelope.
func IncEnvelope(channel, role string) {
	if envelopesTotal != nil {
		envelopesTotal.WithLabelValues(orUnknown(channel), orUnknown(role)).Inc()
	}
}

// IncEnvelopeRejected counts a dropped envelope.
func IncEnvelopeRejected(channel, reason string) {
	if envelopesRejects != nil {
		envelopesRejects.WithLabelValues(orUnknown(channel), orUnknown(reason)).Inc()
	}
}

// ObserveIngest records ingest duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddSessions moves the connected-session gauge for role by delta.
func AddSessions(role string, delta int) {
	if sessionsGauge != nil {
		sessionsGauge.WithLabelValues(orUnknown(role)).Add(float64(delta))
	}
}

// AddHubDeliveries counts successful subscriber deliveries.
func AddHubDeliveries(n int) {
	if hubDeliveries != nil && n > 0 {
		hubDeliveries.Add(float64(n))
	}
}

// IncHubDrop counts one dropped delivery.
func IncHubDrop() {
	if hubDrops != nil {
		hubDrops.Inc()
	}
}

// IncMirrorError counts one failed mirror publish.
func IncMirrorError() {
	if natsPublishErr != nil {
		natsPublishErr.Inc()
	}
}

// IncHeartbeatTransition counts a synthesised heartbeat event.
func IncHeartbeatTransition(typ string) {
	if heartbeatTransitions != nil {
		heartbeatTransitions.WithLabelValues(orUnknown(typ)).Inc()
	}
}

// ObserveRollupPass records one rollup pass.
func ObserveRollupPass(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if rollupPassTotal != nil {
		rollupPassTotal.WithLabelValues(result).Inc()
	}
	if rollupPassLatency != nil {
		rollupPassLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddRollupBuckets counts recomputed buckets.
func AddRollupBuckets(resolution string, n int) {
	if rollupBuckets != nil && n > 0 {
		rollupBuckets.WithLabelValues(orUnknown(resolution)).Add(float64(n))
	}
}

// AddRetentionPruned counts rows removed from table.
func AddRetentionPruned(table string, n int64) {
	if retentionPruned != nil && n > 0 {
		retentionPruned.WithLabelValues(orUnknown(table)).Add(float64(n))
	}
}

// IncAlertTransition counts alert lifecycle transitions.
func IncAlertTransition(event string) {
	if alertTransitions != nil {
		alertTransitions.WithLabelValues(orUnknown(event)).Inc()
	}
}

// IncRuleError counts a failed rule evaluation.
func IncRuleError(ruleType string) {
	if ruleEvalErrors != nil {
		ruleEvalErrors.WithLabelValues(orUnknown(ruleType)).Inc()
	}
}

// IncNotification counts one delivery attempt.
func IncNotification(channelType string, success bool) {
	result := resultSuccess
	if !success {
		result = resultError
	}
	if notificationsTotal != nil {
		notificationsTotal.WithLabelValues(orUnknown(channelType), result).Inc()
	}
}

// IncNotificationSuppressed counts a notification skipped before delivery.
func IncNotificationSuppressed(reason string) {
	if notificationsSkipped != nil {
		notificationsSkipped.WithLabelValues(orUnknown(reason)).Inc()
	}
}

// IncCommand counts commands by status.
func IncCommand(status string) {
	if commandsTotal != nil {
		commandsTotal.WithLabelValues(orUnknown(status)).Inc()
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(orUnknown(format), result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(orUnknown(format), result).Observe(duration.Seconds())
	}
}

// RegisterGaugeFunc exposes a callback gauge. Safe to call before Init.
func RegisterGaugeFunc(name, help string, fn func() float64) error {
	return prometheus.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: metricPrefix + name, Help: help},
		fn,
	))
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
