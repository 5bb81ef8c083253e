package leaseclient

import (
	"encoding/json"
	"time"
)

// Lease is what the SDK returns on a successful acquire or steal. Pass it
// back unchanged to Heartbeat/Release.
type Lease struct {
	Resource   string
	OwnerID    string
	TabID      string
	Token      string
	TTLSeconds int64
}

// Status mirrors the server's read-only status view.
type Status struct {
	Locked     bool
	Owner      string
	Tab        string
	TTLSeconds int64
	Pending    *PendingRequest
}

type PendingRequest struct {
	Requester    string `json:"requester"`
	RequesterTab string `json:"requester_tab"`
	SecondsLeft  int64  `json:"seconds_left"`
}

// AcquireOptions controls retry behavior.
type AcquireOptions struct {
	Force        bool
	MaxRetries   int           // 0 => default
	MaxTotalWait time.Duration // 0 => no cap
	MinRetry     time.Duration // default 25ms
	MaxRetry     time.Duration // default 1s
	JitterFrac   float64       // default 0.2
}

// HeartbeatOptions controls the background extension loop. Interval should
// be well under the server lease TTL, typically TTL/3.
type HeartbeatOptions struct {
	Interval time.Duration
}

// Event is one frame from the server's event stream.
type Event struct {
	ID   int64
	Type string // status | request | closed
	Data json.RawMessage
}
