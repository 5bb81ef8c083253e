package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"transferlock/internal/model"
	"transferlock/internal/obs"
)

// Guard error codes returned to clients and cross-referenced in forensic
// logs via the correlation id.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeLockRequired    = "LOCK_REQUIRED"
	CodeLockDenied      = "LOCK_DENIED"
	CodeLockCheckFailed = "LOCK_CHECK_FAILED"
)

// Identity headers. Caller identity is always explicit; nothing below this
// layer reads it from ambient state.
const (
	headerActorID  = "X-Actor-ID"
	headerActorTab = "X-Actor-Tab"
)

// Guard verifies that the caller holds the lease for the target resource
// before a mutating handler runs. It is a precondition check and audit
// layer: beyond the lease verdict itself it never blocks, only records.
type Guard struct {
	svc     *model.Service
	logger  *obs.Logger
	metrics *obs.Metrics
	denials *denialTracker
}

func NewGuard(svc *model.Service, logger *obs.Logger, metrics *obs.Metrics) *Guard {
	return &Guard{
		svc:     svc,
		logger:  logger,
		metrics: metrics,
		denials: newDenialTracker(60 * time.Second),
	}
}

// Protect wraps a mutating handler. The resource key is taken from the
// {key} path variable.
func (g *Guard) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)["key"]
		actor := r.Header.Get(headerActorID)
		tab := r.Header.Get(headerActorTab)

		if actor == "" {
			g.deny(w, r, key, actor, http.StatusUnauthorized, CodeUnauthorized, obs.SeverityHigh, nil)
			return
		}

		snap, err := g.svc.Snapshot(r.Context(), key, time.Now())
		if err != nil {
			// Store fault: fail closed for writes. The caller gets a
			// retryable error, never internals.
			g.deny(w, r, key, actor, http.StatusLocked, CodeLockCheckFailed, obs.SeverityHigh, nil)
			return
		}

		if !snap.Held {
			g.deny(w, r, key, actor, http.StatusLocked, CodeLockRequired, obs.SeverityHigh, nil)
			return
		}
		if snap.OwnerID != actor {
			// A write attempt against someone else's lease is the
			// highest-signal integrity violation we see.
			g.deny(w, r, key, actor, http.StatusLocked, CodeLockDenied, obs.SeverityCritical, map[string]interface{}{
				"holder":     snap.OwnerID,
				"holder_tab": snap.TabID,
				"held_since": snap.AcquiredAt.Unix(),
			})
			return
		}

		_ = tab // same-user cross-tab writes are reconciled client-side
		next.ServeHTTP(w, r)
	})
}

func (g *Guard) deny(w http.ResponseWriter, r *http.Request, resource, actor string, status int, code, severity string, extra map[string]interface{}) {
	if g.metrics != nil {
		g.metrics.GuardDenialsTotal.WithLabelValues(code).Inc()
	}

	rec := g.collectForensics(r, resource, actor, code)
	if g.metrics != nil {
		g.metrics.SuspicionScore.Observe(float64(rec.Suspicion))
	}
	fields := rec.fields()
	for k, v := range extra {
		fields[k] = v
	}
	if g.logger != nil {
		g.logger.Security(severity, fields)
	}

	body := map[string]interface{}{
		"ok":             false,
		"error":          code,
		"correlation_id": correlationID(r.Context()),
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}
