package model

import "time"

// UnlockedFingerprint is the sentinel fingerprint for a resource with no
// live lease.
const UnlockedFingerprint = "unlocked"

// Steal/respond failure reasons, also used on the wire.
const (
	ReasonNotSameOwner = "not_same_owner"
	ReasonNotLocked    = "not_locked"
	ReasonNotOwner     = "not_owner"
	ReasonBusy         = "busy"
)

type AcquireRequest struct {
	Resource string
	OwnerID  string
	TabID    string
	Force    bool
	Now      time.Time // injected for testability; if zero, service uses time.Now()
}

type AcquireResult struct {
	Acquired  bool
	Resource  string
	Token     string
	ExpiresAt time.Time
	TTL       time.Duration

	// Populated on denial.
	HolderID     string
	HolderTab    string
	HolderExpiry time.Time
	RetryAfter   time.Duration
	Reason       string
}

type HeartbeatRequest struct {
	Resource string
	OwnerID  string
	TabID    string
	Token    string
	Now      time.Time
}

type HeartbeatResult struct {
	Extended  bool
	ExpiresAt time.Time
	TTL       time.Duration
}

type ReleaseRequest struct {
	Resource string
	OwnerID  string
	TabID    string
	Token    string
	Now      time.Time
}

type ReleaseResult struct {
	Released bool
}

type StealRequest struct {
	Resource string
	OwnerID  string
	TabID    string
	Now      time.Time
}

type StealResult struct {
	Stolen    bool // false on the same-tab no-op success
	Token     string
	ExpiresAt time.Time
	TTL       time.Duration
	Reason    string // not_same_owner | not_locked on failure
}

type HandoverRequest struct {
	Resource     string
	RequesterID  string
	RequesterTab string
	Now          time.Time
}

type HandoverResult struct {
	Timeout time.Duration // request TTL; the owner has this long to respond
}

type RespondRequest struct {
	Resource string
	OwnerID  string
	TabID    string
	Allow    bool
	Now      time.Time
}

type RespondResult struct {
	Responded bool
	Released  bool   // allow=true and the lease delete matched
	Reason    string // not_owner when the caller does not hold the lease
}

// LeaseSnapshot is a point-in-time read of a resource's lease row. Held is
// the liveness verdict at the requested evaluation time; an expired row
// reads as not held.
type LeaseSnapshot struct {
	Resource   string
	Held       bool
	OwnerID    string
	TabID      string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Remaining  time.Duration
}

// Fingerprint collapses lease state into a compact change-detection value.
// Any change to owner, tab or token changes the fingerprint; identical
// triples always produce identical fingerprints.
func (s LeaseSnapshot) Fingerprint() string {
	if !s.Held {
		return UnlockedFingerprint
	}
	return s.OwnerID + ":" + s.TabID + ":" + s.Token
}

type RequestSnapshot struct {
	Present      bool
	RequesterID  string
	RequesterTab string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Remaining    time.Duration
}

type StatusResult struct {
	Lease   LeaseSnapshot
	Request RequestSnapshot
}
