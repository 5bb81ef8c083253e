package model

import (
	"context"
	"database/sql"
	"time"

	"transferlock/internal/obs"
)

// ExpirationMonitor periodically reports the live-lease gauge and clears
// expired lease and request rows. Correctness never depends on the sweep:
// acquire reclaims expired rows lazily and reads treat them as absent. This
// only keeps the tables and the status endpoint tidy.
type ExpirationMonitor struct {
	db       *sql.DB
	logger   *obs.Logger
	metrics  *obs.Metrics
	interval time.Duration
}

func NewExpirationMonitor(db *sql.DB, logger *obs.Logger, metrics *obs.Metrics, interval time.Duration) *ExpirationMonitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &ExpirationMonitor{
		db:       db,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
	}
}

func (m *ExpirationMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	m.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: gauge update plus hygiene deletes.
func (m *ExpirationMonitor) Sweep(ctx context.Context) {
	start := time.Now()
	nowNs := time.Now().UnixNano()

	var heldCount int64
	err := m.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM leases
WHERE expires_at_ns > ?;
`, nowNs).Scan(&heldCount)

	if err == nil && m.metrics != nil {
		m.metrics.LeasesHeld.Set(float64(heldCount))
	}

	var clearedLeases, clearedRequests int64
	res, err2 := m.db.ExecContext(ctx, `DELETE FROM leases WHERE expires_at_ns <= ?;`, nowNs)
	if err2 == nil && res != nil {
		clearedLeases, _ = res.RowsAffected()
		if clearedLeases > 0 && m.metrics != nil {
			m.metrics.ExpiredTotal.Add(float64(clearedLeases))
		}
	}

	res, err3 := m.db.ExecContext(ctx, `DELETE FROM lease_requests WHERE expires_at_ns <= ?;`, nowNs)
	if err3 == nil && res != nil {
		clearedRequests, _ = res.RowsAffected()
	}

	if m.logger != nil {
		fields := map[string]interface{}{
			"op":               "expire_sweep",
			"held":             heldCount,
			"cleared_leases":   clearedLeases,
			"cleared_requests": clearedRequests,
			"latency_ms":       time.Since(start).Milliseconds(),
		}
		if err != nil {
			fields["count_err"] = err.Error()
		}
		if err2 != nil {
			fields["lease_err"] = err2.Error()
		}
		if err3 != nil {
			fields["request_err"] = err3.Error()
		}
		if clearedLeases > 0 || clearedRequests > 0 || err != nil || err2 != nil || err3 != nil {
			m.logger.Info(fields)
		}
	}
}
