// Package lease tracks the lifecycle of the single current credential lease:
// proactive renewal before expiry, forced refresh, revocation, and status
// reporting. The tracker is the only writer of lease state; any number of
// concurrent readers may request the current credential.
package lease

import (
	"errors"
	"time"

	"github.com/jkaninda/hazina/internal/broker"
)

// State is the tracker's lifecycle state, exposed via Status.
type State string

const (
	StateUninitialized State = "uninitialized" // No lease ever issued.
	StateActive        State = "active"        // Valid lease held.
	StateRenewing      State = "renewing"      // Valid lease held, renewal in flight.
	StateBlocked       State = "blocked"       // Lease expired, no replacement yet.
	StateRevoked       State = "revoked"       // Lease revoked; next call re-issues.
)

// Record is one issued credential lease. Immutable once created: renewal
// and refresh replace the record, they never mutate it.
type Record struct {
	LeaseID     string
	Credentials broker.Credentials
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Renewable   bool
}

// Valid reports whether the record is usable at the given instant.
func (r *Record) Valid(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// TTL returns the record's total validity window.
func (r *Record) TTL() time.Duration {
	return r.ExpiresAt.Sub(r.IssuedAt)
}

// Snapshot is a read-only view of tracker state. It never carries raw
// credential material and is safe to serialize into tool responses.
type Snapshot struct {
	State        State     `json:"state"`
	Generation   uint64    `json:"generation"`
	LeaseID      string    `json:"lease_id,omitempty"` // Truncated for display.
	IssuedAt     time.Time `json:"issued_at,omitzero"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Renewable    bool      `json:"renewable"`
	RenewalCount int       `json:"renewal_count"` // In-place extensions of the current lease.
	LastError    string    `json:"last_error,omitempty"`
}

// ErrLeaseExpired is returned when no valid lease could be obtained before
// the previous one expired. Fatal to the requesting call, not to the
// tracker: the next call retries from scratch.
var ErrLeaseExpired = errors.New("credential lease expired")

// ErrTrackerClosed is returned after Close.
var ErrTrackerClosed = errors.New("lease tracker closed")
