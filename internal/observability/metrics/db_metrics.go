package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func registerDBMetrics(db *sql.DB, logger *zap.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "alerts_open",
			Help: "Alerts in ACTIVE, ACKNOWLEDGED or SILENCED state",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM alerts WHERE status IN ('ACTIVE','ACKNOWLEDGED','SILENCED')")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "samples_pending_rollup",
			Help: "Raw samples ingested after the rollup watermark",
		},
		func() float64 {
			return queryCount(db, logger, `
SELECT COUNT(*) FROM metric_samples
WHERE ingested_at > COALESCE((SELECT value FROM rollup_watermarks WHERE name = 'rollup:raw'), 'epoch'::timestamptz)`)
		},
	))
}

func queryCount(db *sql.DB, logger *zap.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", zap.Error(err))
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
