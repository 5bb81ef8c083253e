package model

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"transferlock/internal/obs"
)

const (
	DefaultLeaseTTL   = 90 * time.Second
	DefaultRequestTTL = 30 * time.Second
)

type Config struct {
	LeaseTTL   time.Duration
	RequestTTL time.Duration
}

// Service implements the lease coordination protocol. It holds no in-process
// lock state: every mutation is a single conditional SQL statement and the
// PRIMARY KEY on resource_key is the only synchronization primitive.
type Service struct {
	db         *sql.DB
	logger     *obs.Logger
	metrics    *obs.Metrics
	leaseTTL   time.Duration
	requestTTL time.Duration
}

func NewService(db *sql.DB, logger *obs.Logger, metrics *obs.Metrics, cfg Config) *Service {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = DefaultRequestTTL
	}
	return &Service{
		db:         db,
		logger:     logger,
		metrics:    metrics,
		leaseTTL:   cfg.LeaseTTL,
		requestTTL: cfg.RequestTTL,
	}
}

func (s *Service) LeaseTTL() time.Duration   { return s.leaseTTL }
func (s *Service) RequestTTL() time.Duration { return s.requestTTL }

func (s *Service) observeLatency(op string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (s *Service) incResult(op, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.OpTotal.WithLabelValues(op, result).Inc()
}

func (s *Service) incBusy(op string) {
	if s.metrics == nil {
		return
	}
	s.metrics.DBBusyTotal.WithLabelValues(op).Inc()
}

func (s *Service) logOp(op string, fields map[string]interface{}, err error) {
	if s.logger == nil {
		return
	}
	fields["op"] = op
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Error(fields)
		return
	}
	s.logger.Info(fields)
}

func (s *Service) now(reqNow time.Time) time.Time {
	if !reqNow.IsZero() {
		return reqNow
	}
	return time.Now()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

// mintToken returns a fresh opaque capability value: 128 bits from
// crypto/rand, hex-encoded. It is compared only for exact equality and
// never parsed.
func mintToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("lease token entropy unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Acquire claims the resource for (owner, tab). Exactly one of fresh-insert,
// forced-overwrite, expiry-reclaim or denial happens per call; the decision
// is made by the store, not by a read-then-write sequence.
func (s *Service) Acquire(ctx context.Context, req AcquireRequest) (AcquireResult, error) {
	if req.Resource == "" || req.OwnerID == "" || req.TabID == "" {
		return AcquireResult{}, fmt.Errorf("resource, owner and tab required")
	}
	start := time.Now()

	var (
		logAcquired bool
		logPath     string
		logHolder   string
		logErr      error
	)
	defer func() {
		if s.logger == nil {
			return
		}
		fields := map[string]interface{}{
			"op":         "acquire",
			"resource":   req.Resource,
			"owner":      req.OwnerID,
			"tab":        req.TabID,
			"force":      req.Force,
			"acquired":   logAcquired,
			"path":       logPath,
			"holder":     logHolder,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if logErr != nil {
			fields["error"] = logErr.Error()
			s.logger.Error(fields)
		} else {
			s.logger.Info(fields)
		}
	}()

	now := s.now(req.Now)
	nowNs := now.UnixNano()
	expiresAt := now.Add(s.leaseTTL)
	token := mintToken()

	granted := AcquireResult{
		Acquired:  true,
		Resource:  req.Resource,
		Token:     token,
		ExpiresAt: expiresAt,
		TTL:       s.leaseTTL,
	}

	// Optimistic path: the insert wins iff no row exists.
	_, err := s.db.ExecContext(ctx, `
INSERT INTO leases(resource_key, owner_id, tab_id, token, acquired_at_ns, expires_at_ns)
VALUES(?, ?, ?, ?, ?, ?);
`, req.Resource, req.OwnerID, req.TabID, token, nowNs, expiresAt.UnixNano())
	if err == nil {
		logAcquired, logPath = true, "insert"
		s.incResult("acquire", "success")
		s.observeLatency("acquire", start)
		return granted, nil
	}
	if isSQLiteBusy(err) {
		s.incBusy("acquire")
		s.incResult("acquire", "busy")
		s.observeLatency("acquire", start)
		return AcquireResult{Resource: req.Resource, Reason: ReasonBusy, RetryAfter: 50 * time.Millisecond}, nil
	}
	if !isUniqueViolation(err) {
		logErr = err
		return AcquireResult{}, err
	}

	if req.Force {
		// Hard takeover: overwrite whoever is there and drop any pending
		// handover request. Used to recover from crashed or runaway holders.
		if err := s.forceTakeover(ctx, req, token, nowNs, expiresAt); err != nil {
			if isSQLiteBusy(err) {
				s.incBusy("acquire")
				s.incResult("acquire", "busy")
				s.observeLatency("acquire", start)
				return AcquireResult{Resource: req.Resource, Reason: ReasonBusy, RetryAfter: 50 * time.Millisecond}, nil
			}
			logErr = err
			return AcquireResult{}, err
		}
		logAcquired, logPath = true, "force"
		s.incResult("acquire", "forced")
		s.observeLatency("acquire", start)
		return granted, nil
	}

	// Lazy expiry reclaim: conditional update that only matches an already
	// expired row. Two racing reclaimers cannot both match.
	res, err := s.db.ExecContext(ctx, `
UPDATE leases
SET owner_id = ?, tab_id = ?, token = ?, acquired_at_ns = ?, expires_at_ns = ?
WHERE resource_key = ? AND expires_at_ns <= ?;
`, req.OwnerID, req.TabID, token, nowNs, expiresAt.UnixNano(), req.Resource, nowNs)
	if err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("acquire")
			s.incResult("acquire", "busy")
			s.observeLatency("acquire", start)
			return AcquireResult{Resource: req.Resource, Reason: ReasonBusy, RetryAfter: 50 * time.Millisecond}, nil
		}
		logErr = err
		return AcquireResult{}, err
	}
	if aff, _ := res.RowsAffected(); aff == 1 {
		logAcquired, logPath = true, "reclaim"
		s.incResult("acquire", "success")
		s.observeLatency("acquire", start)
		return granted, nil
	}

	// Genuinely held: report the holder so the caller can file a handover
	// request instead of spinning.
	snap, err := s.Snapshot(ctx, req.Resource, now)
	if err != nil {
		logErr = err
		return AcquireResult{}, err
	}
	s.incResult("acquire", "denied")
	s.observeLatency("acquire", start)
	logPath, logHolder = "denied", snap.OwnerID
	if !snap.Held {
		// Holder released between the reclaim attempt and the read; treat as
		// transient and let the caller retry immediately.
		return AcquireResult{Resource: req.Resource, Reason: ReasonBusy, RetryAfter: 25 * time.Millisecond}, nil
	}
	return AcquireResult{
		Resource:     req.Resource,
		HolderID:     snap.OwnerID,
		HolderTab:    snap.TabID,
		HolderExpiry: snap.ExpiresAt,
		RetryAfter:   recommendedRetry(nowNs, snap.ExpiresAt.UnixNano()),
	}, nil
}

// forceTakeover overwrites the current lease row and clears any pending
// handover request in one transaction.
func (s *Service) forceTakeover(ctx context.Context, req AcquireRequest, token string, nowNs int64, expiresAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE leases
SET owner_id = ?, tab_id = ?, token = ?, acquired_at_ns = ?, expires_at_ns = ?
WHERE resource_key = ?;
`, req.OwnerID, req.TabID, token, nowNs, expiresAt.UnixNano(), req.Resource)
	if err != nil {
		return err
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		// Row vanished between insert and update (holder released).
		if _, err := tx.ExecContext(ctx, `
INSERT INTO leases(resource_key, owner_id, tab_id, token, acquired_at_ns, expires_at_ns)
VALUES(?, ?, ?, ?, ?, ?);
`, req.Resource, req.OwnerID, req.TabID, token, nowNs, expiresAt.UnixNano()); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM lease_requests WHERE resource_key = ?;`, req.Resource); err != nil {
		return err
	}
	return tx.Commit()
}

// Heartbeat extends the lease by the standard TTL iff the exact
// (owner, tab, token) triple still owns a live row. A mismatch is a no-op,
// not an error: the caller should treat Extended=false as "re-acquire".
func (s *Service) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResult, error) {
	if req.Resource == "" || req.OwnerID == "" || req.TabID == "" || req.Token == "" {
		return HeartbeatResult{}, fmt.Errorf("resource, owner, tab and token required")
	}
	start := time.Now()

	now := s.now(req.Now)
	expiresAt := now.Add(s.leaseTTL)

	res, err := s.db.ExecContext(ctx, `
UPDATE leases
SET expires_at_ns = ?
WHERE resource_key = ? AND owner_id = ? AND tab_id = ? AND token = ? AND expires_at_ns > ?;
`, expiresAt.UnixNano(), req.Resource, req.OwnerID, req.TabID, req.Token, now.UnixNano())
	if err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("heartbeat")
			s.incResult("heartbeat", "busy")
			return HeartbeatResult{Extended: false}, nil
		}
		s.logOp("heartbeat", map[string]interface{}{"resource": req.Resource, "owner": req.OwnerID}, err)
		return HeartbeatResult{}, err
	}

	aff, _ := res.RowsAffected()
	extended := aff == 1
	if extended {
		s.incResult("heartbeat", "success")
	} else {
		s.incResult("heartbeat", "noop")
	}
	s.observeLatency("heartbeat", start)
	s.logOp("heartbeat", map[string]interface{}{
		"resource": req.Resource,
		"owner":    req.OwnerID,
		"tab":      req.TabID,
		"extended": extended,
	}, nil)

	if !extended {
		return HeartbeatResult{Extended: false}, nil
	}
	return HeartbeatResult{Extended: true, ExpiresAt: expiresAt, TTL: s.leaseTTL}, nil
}

// Release deletes the lease on an exact triple match and always clears any
// pending handover request: a departing holder leaves no stale queue behind.
func (s *Service) Release(ctx context.Context, req ReleaseRequest) (ReleaseResult, error) {
	if req.Resource == "" || req.OwnerID == "" || req.TabID == "" || req.Token == "" {
		return ReleaseResult{}, fmt.Errorf("resource, owner, tab and token required")
	}
	start := time.Now()

	res, err := s.db.ExecContext(ctx, `
DELETE FROM leases
WHERE resource_key = ? AND owner_id = ? AND tab_id = ? AND token = ?;
`, req.Resource, req.OwnerID, req.TabID, req.Token)
	if err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("release")
			s.incResult("release", "busy")
			return ReleaseResult{Released: false}, nil
		}
		s.logOp("release", map[string]interface{}{"resource": req.Resource, "owner": req.OwnerID}, err)
		return ReleaseResult{}, err
	}
	aff, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM lease_requests WHERE resource_key = ?;`, req.Resource); err != nil && !isSQLiteBusy(err) {
		s.logOp("release", map[string]interface{}{"resource": req.Resource, "owner": req.OwnerID}, err)
		return ReleaseResult{}, err
	}

	released := aff == 1
	if released {
		s.incResult("release", "success")
	} else {
		s.incResult("release", "noop")
	}
	s.observeLatency("release", start)
	s.logOp("release", map[string]interface{}{
		"resource": req.Resource,
		"owner":    req.OwnerID,
		"tab":      req.TabID,
		"released": released,
	}, nil)
	return ReleaseResult{Released: released}, nil
}

// Steal moves a live lease between two tabs of the same owner, rotating the
// token so the old tab's heartbeats stop extending. It never crosses user
// identity.
func (s *Service) Steal(ctx context.Context, req StealRequest) (StealResult, error) {
	if req.Resource == "" || req.OwnerID == "" || req.TabID == "" {
		return StealResult{}, fmt.Errorf("resource, owner and tab required")
	}
	start := time.Now()

	now := s.now(req.Now)
	nowNs := now.UnixNano()
	expiresAt := now.Add(s.leaseTTL)
	token := mintToken()

	res, err := s.db.ExecContext(ctx, `
UPDATE leases
SET tab_id = ?, token = ?, acquired_at_ns = ?, expires_at_ns = ?
WHERE resource_key = ? AND owner_id = ? AND tab_id <> ? AND expires_at_ns > ?;
`, req.TabID, token, nowNs, expiresAt.UnixNano(), req.Resource, req.OwnerID, req.TabID, nowNs)
	if err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("steal")
			s.incResult("steal", "busy")
			return StealResult{Reason: ReasonBusy}, nil
		}
		s.logOp("steal", map[string]interface{}{"resource": req.Resource, "owner": req.OwnerID}, err)
		return StealResult{}, err
	}
	if aff, _ := res.RowsAffected(); aff == 1 {
		s.incResult("steal", "success")
		s.observeLatency("steal", start)
		s.logOp("steal", map[string]interface{}{
			"resource": req.Resource,
			"owner":    req.OwnerID,
			"tab":      req.TabID,
			"stolen":   true,
		}, nil)
		return StealResult{Stolen: true, Token: token, ExpiresAt: expiresAt, TTL: s.leaseTTL}, nil
	}

	// Nothing matched: same tab already holds it, another owner holds it,
	// or there is no live lease at all.
	snap, err := s.Snapshot(ctx, req.Resource, now)
	if err != nil {
		s.logOp("steal", map[string]interface{}{"resource": req.Resource, "owner": req.OwnerID}, err)
		return StealResult{}, err
	}
	s.observeLatency("steal", start)
	switch {
	case snap.Held && snap.OwnerID == req.OwnerID && snap.TabID == req.TabID:
		s.incResult("steal", "noop")
		s.logOp("steal", map[string]interface{}{
			"resource": req.Resource,
			"owner":    req.OwnerID,
			"tab":      req.TabID,
			"stolen":   false,
		}, nil)
		return StealResult{Stolen: false, Token: snap.Token, ExpiresAt: snap.ExpiresAt, TTL: snap.Remaining}, nil
	case snap.Held:
		s.incResult("steal", "denied")
		return StealResult{Reason: ReasonNotSameOwner}, nil
	default:
		s.incResult("steal", "denied")
		return StealResult{Reason: ReasonNotLocked}, nil
	}
}

// Request files a handover request. At most one exists per resource; a newer
// request overwrites the old one. Filing against an unlocked resource is
// allowed and simply has no owner to notify.
func (s *Service) Request(ctx context.Context, req HandoverRequest) (HandoverResult, error) {
	if req.Resource == "" || req.RequesterID == "" || req.RequesterTab == "" {
		return HandoverResult{}, fmt.Errorf("resource, requester and requester_tab required")
	}
	start := time.Now()

	now := s.now(req.Now)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO lease_requests(resource_key, requester_id, requester_tab, created_at_ns, expires_at_ns)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(resource_key) DO UPDATE SET
  requester_id = excluded.requester_id,
  requester_tab = excluded.requester_tab,
  created_at_ns = excluded.created_at_ns,
  expires_at_ns = excluded.expires_at_ns;
`, req.Resource, req.RequesterID, req.RequesterTab, now.UnixNano(), now.Add(s.requestTTL).UnixNano())
	if err != nil {
		s.logOp("request", map[string]interface{}{"resource": req.Resource, "requester": req.RequesterID}, err)
		return HandoverResult{}, err
	}
	s.incResult("request", "success")
	s.observeLatency("request", start)
	s.logOp("request", map[string]interface{}{
		"resource":  req.Resource,
		"requester": req.RequesterID,
		"tab":       req.RequesterTab,
	}, nil)
	return HandoverResult{Timeout: s.requestTTL}, nil
}

// Respond is the holder's answer to a pending handover request. Allowing
// releases the lease and leaves the resource unlocked for the requester to
// acquire; it is deliberately not an atomic transfer, since the requester
// may have disappeared or let the request expire. Denying clears only the
// request.
func (s *Service) Respond(ctx context.Context, req RespondRequest) (RespondResult, error) {
	if req.Resource == "" || req.OwnerID == "" || req.TabID == "" {
		return RespondResult{}, fmt.Errorf("resource, owner and tab required")
	}
	start := time.Now()

	now := s.now(req.Now)
	snap, err := s.Snapshot(ctx, req.Resource, now)
	if err != nil {
		s.logOp("respond", map[string]interface{}{"resource": req.Resource, "owner": req.OwnerID}, err)
		return RespondResult{}, err
	}
	if !snap.Held || snap.OwnerID != req.OwnerID || snap.TabID != req.TabID {
		s.incResult("respond", "denied")
		return RespondResult{Responded: false, Reason: ReasonNotOwner}, nil
	}

	released := false
	if req.Allow {
		// Keyed on the full holder identity so a racing takeover's row is
		// never deleted by a stale responder.
		res, err := s.db.ExecContext(ctx, `
DELETE FROM leases
WHERE resource_key = ? AND owner_id = ? AND tab_id = ? AND expires_at_ns > ?;
`, req.Resource, req.OwnerID, req.TabID, now.UnixNano())
		if err != nil {
			s.logOp("respond", map[string]interface{}{"resource": req.Resource, "owner": req.OwnerID}, err)
			return RespondResult{}, err
		}
		aff, _ := res.RowsAffected()
		released = aff == 1
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM lease_requests WHERE resource_key = ?;`, req.Resource); err != nil {
		s.logOp("respond", map[string]interface{}{"resource": req.Resource, "owner": req.OwnerID}, err)
		return RespondResult{}, err
	}

	s.incResult("respond", "success")
	s.observeLatency("respond", start)
	s.logOp("respond", map[string]interface{}{
		"resource": req.Resource,
		"owner":    req.OwnerID,
		"tab":      req.TabID,
		"allow":    req.Allow,
		"released": released,
	}, nil)
	return RespondResult{Responded: true, Released: released}, nil
}

// Snapshot reads the lease row for a resource. An expired row reads as not
// held; it is left in place for the next acquire to reclaim.
func (s *Service) Snapshot(ctx context.Context, resource string, at time.Time) (LeaseSnapshot, error) {
	if resource == "" {
		return LeaseSnapshot{}, fmt.Errorf("resource required")
	}
	at = s.now(at)

	var (
		owner, tab, token    string
		acquiredNs, expireNs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT owner_id, tab_id, token, acquired_at_ns, expires_at_ns
FROM leases WHERE resource_key = ?;
`, resource).Scan(&owner, &tab, &token, &acquiredNs, &expireNs)
	if errors.Is(err, sql.ErrNoRows) {
		return LeaseSnapshot{Resource: resource, Held: false}, nil
	}
	if err != nil {
		return LeaseSnapshot{}, err
	}

	held := expireNs > at.UnixNano()
	if !held {
		return LeaseSnapshot{Resource: resource, Held: false}, nil
	}
	return LeaseSnapshot{
		Resource:   resource,
		Held:       true,
		OwnerID:    owner,
		TabID:      tab,
		Token:      token,
		AcquiredAt: time.Unix(0, acquiredNs),
		ExpiresAt:  time.Unix(0, expireNs),
		Remaining:  time.Duration(expireNs - at.UnixNano()),
	}, nil
}

// PendingRequest reads the handover request for a resource; a request past
// its TTL reads as absent.
func (s *Service) PendingRequest(ctx context.Context, resource string, at time.Time) (RequestSnapshot, error) {
	if resource == "" {
		return RequestSnapshot{}, fmt.Errorf("resource required")
	}
	at = s.now(at)

	var (
		requester, tab      string
		createdNs, expireNs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT requester_id, requester_tab, created_at_ns, expires_at_ns
FROM lease_requests WHERE resource_key = ?;
`, resource).Scan(&requester, &tab, &createdNs, &expireNs)
	if errors.Is(err, sql.ErrNoRows) {
		return RequestSnapshot{}, nil
	}
	if err != nil {
		return RequestSnapshot{}, err
	}

	if expireNs <= at.UnixNano() {
		return RequestSnapshot{}, nil
	}
	return RequestSnapshot{
		Present:      true,
		RequesterID:  requester,
		RequesterTab: tab,
		CreatedAt:    time.Unix(0, createdNs),
		ExpiresAt:    time.Unix(0, expireNs),
		Remaining:    time.Duration(expireNs - at.UnixNano()),
	}, nil
}

// Status is the combined read-only view used by the status endpoint and the
// event stream.
func (s *Service) Status(ctx context.Context, resource string, at time.Time) (StatusResult, error) {
	at = s.now(at)
	lease, err := s.Snapshot(ctx, resource, at)
	if err != nil {
		return StatusResult{}, err
	}
	reqSnap, err := s.PendingRequest(ctx, resource, at)
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{Lease: lease, Request: reqSnap}, nil
}

func recommendedRetry(nowNs, expiryNs int64) time.Duration {
	until := time.Duration(expiryNs-nowNs) * time.Nanosecond
	if until < 0 {
		until = 0
	}
	h := until / 4
	if h < 25*time.Millisecond {
		h = 25 * time.Millisecond
	}
	if h > 1*time.Second {
		h = 1 * time.Second
	}
	// jitter is added client-side
	return h
}
