package model_test

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"transferlock/internal/model"
	"transferlock/internal/storage"
)

const (
	testLeaseTTL   = 90 * time.Second
	testRequestTTL = 30 * time.Second
)

func newTestService(t *testing.T) (*model.Service, *storage.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "transferlock_test.db")

	db, err := storage.Open(context.Background(), storage.Config{
		Path:         dbPath,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	svc := model.NewService(db.DB, nil, nil, model.Config{
		LeaseTTL:   testLeaseTTL,
		RequestTTL: testRequestTTL,
	})
	return svc, db
}

func mustAcquire(t *testing.T, svc *model.Service, resource, owner, tab string, now time.Time) model.AcquireResult {
	t.Helper()
	res, err := svc.Acquire(context.Background(), model.AcquireRequest{
		Resource: resource,
		OwnerID:  owner,
		TabID:    tab,
		Now:      now,
	})
	if err != nil {
		t.Fatalf("acquire err: %v", err)
	}
	if !res.Acquired {
		t.Fatalf("expected acquired=true, got %+v", res)
	}
	return res
}

func TestAcquireDeniedWhileHeld(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	t0 := time.Now()

	a := mustAcquire(t, svc, "r1", "alice", "t1", t0)
	if a.Token == "" {
		t.Fatalf("expected non-empty token")
	}

	res, err := svc.Acquire(ctx, model.AcquireRequest{
		Resource: "r1",
		OwnerID:  "bob",
		TabID:    "t9",
		Now:      t0.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("acquire err: %v", err)
	}
	if res.Acquired {
		t.Fatalf("expected denial while held")
	}
	if res.HolderID != "alice" || res.HolderTab != "t1" {
		t.Fatalf("expected holder alice/t1, got %s/%s", res.HolderID, res.HolderTab)
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("expected a retry hint, got %v", res.RetryAfter)
	}
}

func TestExpiryReclaimMintsNewToken(t *testing.T) {
	svc, _ := newTestService(t)
	t0 := time.Now()

	a := mustAcquire(t, svc, "r1", "alice", "t1", t0)

	// Strictly after expiry, no force required.
	b := mustAcquire(t, svc, "r1", "bob", "t2", t0.Add(testLeaseTTL+time.Millisecond))
	if b.Token == a.Token {
		t.Fatalf("reclaim must mint a new token; both=%s", a.Token)
	}

	snap, err := svc.Snapshot(context.Background(), "r1", t0.Add(testLeaseTTL+2*time.Millisecond))
	if err != nil {
		t.Fatalf("snapshot err: %v", err)
	}
	if !snap.Held || snap.OwnerID != "bob" || snap.TabID != "t2" {
		t.Fatalf("expected bob/t2 to hold, got %+v", snap)
	}
}

func TestHeartbeatExtendsExactly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	t0 := time.Now()

	a := mustAcquire(t, svc, "r1", "alice", "t1", t0)

	t1 := t0.Add(10 * time.Second)
	hb, err := svc.Heartbeat(ctx, model.HeartbeatRequest{
		Resource: "r1",
		OwnerID:  "alice",
		TabID:    "t1",
		Token:    a.Token,
		Now:      t1,
	})
	if err != nil {
		t.Fatalf("heartbeat err: %v", err)
	}
	if !hb.Extended {
		t.Fatalf("expected extension with exact triple")
	}
	if !hb.ExpiresAt.Equal(t1.Add(testLeaseTTL)) {
		t.Fatalf("expected expiry exactly now+ttl: got %v want %v", hb.ExpiresAt, t1.Add(testLeaseTTL))
	}

	snap, err := svc.Snapshot(ctx, "r1", t1)
	if err != nil {
		t.Fatalf("snapshot err: %v", err)
	}
	if !snap.ExpiresAt.Equal(t1.Add(testLeaseTTL)) {
		t.Fatalf("store expiry mismatch: got %v", snap.ExpiresAt)
	}
}

func TestHeartbeatMismatchNeverExtends(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	t0 := time.Now()

	a := mustAcquire(t, svc, "r1", "alice", "t1", t0)

	cases := []struct {
		name  string
		owner string
		tab   string
		token string
	}{
		{"wrong owner", "bob", "t1", a.Token},
		{"wrong tab", "alice", "t2", a.Token},
		{"wrong token", "alice", "t1", "bogus"},
	}
	for _, tc := range cases {
		hb, err := svc.Heartbeat(ctx, model.HeartbeatRequest{
			Resource: "r1",
			OwnerID:  tc.owner,
			TabID:    tc.tab,
			Token:    tc.token,
			Now:      t0.Add(time.Second),
		})
		if err != nil {
			t.Fatalf("%s: heartbeat err: %v", tc.name, err)
		}
		if hb.Extended {
			t.Fatalf("%s: mismatched heartbeat must not extend", tc.name)
		}
	}

	// Expired lease: exact triple but past expiry must not extend either.
	hb, err := svc.Heartbeat(ctx, model.HeartbeatRequest{
		Resource: "r1",
		OwnerID:  "alice",
		TabID:    "t1",
		Token:    a.Token,
		Now:      t0.Add(testLeaseTTL + time.Second),
	})
	if err != nil {
		t.Fatalf("heartbeat err: %v", err)
	}
	if hb.Extended {
		t.Fatalf("heartbeat after expiry must not extend")
	}
}

func TestReleaseClearsPendingRequest(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	t0 := time.Now()

	a := mustAcquire(t, svc, "r1", "alice", "t1", t0)

	if _, err := svc.Request(ctx, model.HandoverRequest{
		Resource:     "r1",
		RequesterID:  "bob",
		RequesterTab: "t9",
		Now:          t0,
	}); err != nil {
		t.Fatalf("request err: %v", err)
	}

	rel, err := svc.Release(ctx, model.ReleaseRequest{
		Resource: "r1",
		OwnerID:  "alice",
		TabID:    "t1",
		Token:    a.Token,
		Now:      t0.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("release err: %v", err)
	}
	if !rel.Released {
		t.Fatalf("expected release with matching token")
	}

	st, err := svc.Status(ctx, "r1", t0.Add(2*time.Second))
	if err != nil {
		t.Fatalf("status err: %v", err)
	}
	if st.Lease.Held {
		t.Fatalf("expected unlocked after release")
	}
	if st.Request.Present {
		t.Fatalf("release must clear the pending request")
	}
}

func TestReleaseWrongTokenKeepsLease(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	t0 := time.Now()

	mustAcquire(t, svc, "r1", "alice", "t1", t0)

	rel, err := svc.Release(ctx, model.ReleaseRequest{
		Resource: "r1",
		OwnerID:  "alice",
		TabID:    "t1",
		Token:    "stale",
		Now:      t0.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("release err: %v", err)
	}
	if rel.Released {
		t.Fatalf("stale release must not succeed")
	}

	snap, err := svc.Snapshot(ctx, "r1", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("snapshot err: %v", err)
	}
	if !snap.Held || snap.OwnerID != "alice" {
		t.Fatalf("lease must survive a stale release, got %+v", snap)
	}
}

func TestStealBoundary(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	t0 := time.Now()

	a := mustAcquire(t, svc, "r1", "alice", "t1", t0)

	// Different owner is rejected outright, regardless of tab.
	res, err := svc.Steal(ctx, model.StealRequest{
		Resource: "r1",
		OwnerID:  "bob",
		TabID:    "t1",
		Now:      t0.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("steal err: %v", err)
	}
	if res.Stolen || res.Reason != model.ReasonNotSameOwner {
		t.Fatalf("expected not_same_owner, got %+v", res)
	}

	// Same owner, same tab: no-op success keeping the current token.
	res, err = svc.Steal(ctx, model.StealRequest{
		Resource: "r1",
		OwnerID:  "alice",
		TabID:    "t1",
		Now:      t0.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("steal err: %v", err)
	}
	if res.Reason != "" || res.Stolen {
		t.Fatalf("same-tab steal should be a no-op success, got %+v", res)
	}
	if res.Token != a.Token {
		t.Fatalf("no-op steal must keep the current token")
	}

	// No live lease at all.
	res, err = svc.Steal(ctx, model.StealRequest{
		Resource: "r2",
		OwnerID:  "alice",
		TabID:    "t1",
		Now:      t0,
	})
	if err != nil {
		t.Fatalf("steal err: %v", err)
	}
	if res.Reason != model.ReasonNotLocked {
		t.Fatalf("expected not_locked for unheld resource, got %+v", res)
	}
}

func TestStealCrossTabRotatesToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	t0 := time.Now()

	a := mustAcquire(t, svc, "r1", "alice", "t1", t0)

	res, err := svc.Steal(ctx, model.StealRequest{
		Resource: "r1",
		OwnerID:  "alice",
		TabID:    "t2",
		Now:      t0.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("steal err: %v", err)
	}
	if !res.Stolen || res.Token == "" || res.Token == a.Token {
		t.Fatalf("expected cross-tab steal with fresh token, got %+v", res)
	}

	snap, err := svc.Snapshot(ctx, "r1", t0.Add(2*time.Second))
	if err != nil {
		t.Fatalf("snapshot err: %v", err)
	}
	if snap.TabID != "t2" {
		t.Fatalf("expected lease moved to t2, got %+v", snap)
	}

	// The old tab's heartbeat carries the stale token and must not extend.
	hb, err := svc.Heartbeat(ctx, model.HeartbeatRequest{
		Resource: "r1",
		OwnerID:  "alice",
		TabID:    "t1",
		Token:    a.Token,
		Now:      t0.Add(3 * time.Second),
	})
	if err != nil {
		t.Fatalf("heartbeat err: %v", err)
	}
	if hb.Extended {
		t.Fatalf("old tab's heartbeat must fail after steal")
	}
}

func TestHandoverNegotiation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	t0 := time.Now()

	// A acquires, B is denied and sees A as holder.
	a := mustAcquire(t, svc, "r1", "alice", "t1", t0)
	denied, err := svc.Acquire(ctx, model.AcquireRequest{
		Resource: "r1", OwnerID: "bob", TabID: "t9", Now: t0.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("acquire err: %v", err)
	}
	if denied.Acquired || denied.HolderID != "alice" {
		t.Fatalf("expected denial naming alice, got %+v", denied)
	}

	// B files a handover request; status shows it pending.
	hr, err := svc.Request(ctx, model.HandoverRequest{
		Resource: "r1", RequesterID: "bob", RequesterTab: "t9", Now: t0.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("request err: %v", err)
	}
	if hr.Timeout != testRequestTTL {
		t.Fatalf("expected request ttl %v, got %v", testRequestTTL, hr.Timeout)
	}
	st, err := svc.Status(ctx, "r1", t0.Add(3*time.Second))
	if err != nil {
		t.Fatalf("status err: %v", err)
	}
	if !st.Request.Present || st.Request.RequesterID != "bob" {
		t.Fatalf("expected pending request by bob, got %+v", st.Request)
	}

	// A allows: lease released, request cleared, resource unlocked.
	resp, err := svc.Respond(ctx, model.RespondRequest{
		Resource: "r1", OwnerID: "alice", TabID: "t1", Allow: true, Now: t0.Add(4 * time.Second),
	})
	if err != nil {
		t.Fatalf("respond err: %v", err)
	}
	if !resp.Responded || !resp.Released {
		t.Fatalf("expected allow to release, got %+v", resp)
	}

	// B acquires and gets a token distinct from A's.
	b := mustAcquire(t, svc, "r1", "bob", "t9", t0.Add(5*time.Second))
	if b.Token == a.Token {
		t.Fatalf("expected a fresh token after handover")
	}
}

func TestRespondDenyKeepsLease(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	t0 := time.Now()

	mustAcquire(t, svc, "r1", "alice", "t1", t0)
	if _, err := svc.Request(ctx, model.HandoverRequest{
		Resource: "r1", RequesterID: "bob", RequesterTab: "t9", Now: t0,
	}); err != nil {
		t.Fatalf("request err: %v", err)
	}

	resp, err := svc.Respond(ctx, model.RespondRequest{
		Resource: "r1", OwnerID: "alice", TabID: "t1", Allow: false, Now: t0.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("respond err: %v", err)
	}
	if !resp.Responded || resp.Released {
		t.Fatalf("deny must not release, got %+v", resp)
	}

	st, err := svc.Status(ctx, "r1", t0.Add(2*time.Second))
	if err != nil {
		t.Fatalf("status err: %v", err)
	}
	if !st.Lease.Held || st.Lease.OwnerID != "alice" {
		t.Fatalf("lease must survive a denial, got %+v", st.Lease)
	}
	if st.Request.Present {
		t.Fatalf("denial must clear the request")
	}
}

func TestRespondByNonHolderRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	t0 := time.Now()

	mustAcquire(t, svc, "r1", "alice", "t1", t0)

	resp, err := svc.Respond(ctx, model.RespondRequest{
		Resource: "r1", OwnerID: "mallory", TabID: "t1", Allow: true, Now: t0.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("respond err: %v", err)
	}
	if resp.Responded || resp.Reason != model.ReasonNotOwner {
		t.Fatalf("expected not_owner rejection, got %+v", resp)
	}

	snap, err := svc.Snapshot(ctx, "r1", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("snapshot err: %v", err)
	}
	if !snap.Held || snap.OwnerID != "alice" {
		t.Fatalf("lease must survive, got %+v", snap)
	}
}

func TestForceAcquireEvictsHolderAndClearsRequest(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	t0 := time.Now()

	a := mustAcquire(t, svc, "r1", "alice", "t1", t0)
	if _, err := svc.Request(ctx, model.HandoverRequest{
		Resource: "r1", RequesterID: "carol", RequesterTab: "t7", Now: t0,
	}); err != nil {
		t.Fatalf("request err: %v", err)
	}

	res, err := svc.Acquire(ctx, model.AcquireRequest{
		Resource: "r1", OwnerID: "bob", TabID: "t9", Force: true, Now: t0.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("force acquire err: %v", err)
	}
	if !res.Acquired || res.Token == a.Token {
		t.Fatalf("force acquire must mint a fresh lease, got %+v", res)
	}

	st, err := svc.Status(ctx, "r1", t0.Add(2*time.Second))
	if err != nil {
		t.Fatalf("status err: %v", err)
	}
	if st.Lease.OwnerID != "bob" || st.Lease.TabID != "t9" {
		t.Fatalf("expected bob/t9 after takeover, got %+v", st.Lease)
	}
	if st.Request.Present {
		t.Fatalf("takeover must clear the pending request")
	}

	// The evicted holder's heartbeat is now a no-op.
	hb, err := svc.Heartbeat(ctx, model.HeartbeatRequest{
		Resource: "r1", OwnerID: "alice", TabID: "t1", Token: a.Token, Now: t0.Add(3 * time.Second),
	})
	if err != nil {
		t.Fatalf("heartbeat err: %v", err)
	}
	if hb.Extended {
		t.Fatalf("evicted holder must not extend")
	}
}

func TestRequestUpsertOverwrites(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	t0 := time.Now()

	if _, err := svc.Request(ctx, model.HandoverRequest{
		Resource: "r1", RequesterID: "bob", RequesterTab: "t1", Now: t0,
	}); err != nil {
		t.Fatalf("request err: %v", err)
	}
	if _, err := svc.Request(ctx, model.HandoverRequest{
		Resource: "r1", RequesterID: "carol", RequesterTab: "t2", Now: t0.Add(time.Second),
	}); err != nil {
		t.Fatalf("request err: %v", err)
	}

	snap, err := svc.PendingRequest(ctx, "r1", t0.Add(2*time.Second))
	if err != nil {
		t.Fatalf("pending err: %v", err)
	}
	if !snap.Present || snap.RequesterID != "carol" || snap.RequesterTab != "t2" {
		t.Fatalf("newer request must overwrite, got %+v", snap)
	}
}

func TestExpiredRequestReadsAsAbsent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	t0 := time.Now()

	if _, err := svc.Request(ctx, model.HandoverRequest{
		Resource: "r1", RequesterID: "bob", RequesterTab: "t1", Now: t0,
	}); err != nil {
		t.Fatalf("request err: %v", err)
	}

	snap, err := svc.PendingRequest(ctx, "r1", t0.Add(testRequestTTL+time.Millisecond))
	if err != nil {
		t.Fatalf("pending err: %v", err)
	}
	if snap.Present {
		t.Fatalf("expired request must read as absent, got %+v", snap)
	}
}

func TestFingerprint(t *testing.T) {
	base := model.LeaseSnapshot{Held: true, OwnerID: "alice", TabID: "t1", Token: "tok"}

	if got := (model.LeaseSnapshot{}).Fingerprint(); got != model.UnlockedFingerprint {
		t.Fatalf("unlocked fingerprint: got %q", got)
	}
	if base.Fingerprint() != base.Fingerprint() {
		t.Fatalf("identical state must produce identical fingerprints")
	}

	variants := []model.LeaseSnapshot{
		{Held: true, OwnerID: "bob", TabID: "t1", Token: "tok"},
		{Held: true, OwnerID: "alice", TabID: "t2", Token: "tok"},
		{Held: true, OwnerID: "alice", TabID: "t1", Token: "tok2"},
		{Held: false},
	}
	for i, v := range variants {
		if v.Fingerprint() == base.Fingerprint() {
			t.Fatalf("variant %d must change the fingerprint", i)
		}
	}
}

func TestTokenCarries128RandomBits(t *testing.T) {
	svc, _ := newTestService(t)
	t0 := time.Now()

	a := mustAcquire(t, svc, "r1", "alice", "t1", t0)
	b := mustAcquire(t, svc, "r2", "alice", "t1", t0)

	for _, tok := range []string{a.Token, b.Token} {
		raw, err := hex.DecodeString(tok)
		if err != nil {
			t.Fatalf("token is not hex: %q", tok)
		}
		if len(raw) != 16 {
			t.Fatalf("token carries %d bytes, want 16", len(raw))
		}
	}
	if a.Token == b.Token {
		t.Fatalf("independent mints must not collide")
	}
}

func TestExpirationSweepClearsRows(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	// Rows minted far enough in the past to be expired on the wall clock.
	past := time.Now().Add(-time.Hour)
	mustAcquire(t, svc, "r1", "alice", "t1", past)
	if _, err := svc.Request(ctx, model.HandoverRequest{
		Resource: "r1", RequesterID: "bob", RequesterTab: "t2", Now: past,
	}); err != nil {
		t.Fatalf("request err: %v", err)
	}

	mon := model.NewExpirationMonitor(db.DB, nil, nil, time.Second)
	mon.Sweep(ctx)

	var leases, requests int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leases;`).Scan(&leases); err != nil {
		t.Fatalf("count leases: %v", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lease_requests;`).Scan(&requests); err != nil {
		t.Fatalf("count requests: %v", err)
	}
	if leases != 0 || requests != 0 {
		t.Fatalf("sweep must clear expired rows, leases=%d requests=%d", leases, requests)
	}
}
