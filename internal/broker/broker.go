// Package broker defines the secrets-broker client contract for minting and
// revoking short-lived cloud credentials. The only implementation talks to
// the HashiCorp Vault AWS secrets engine, which performs an STS AssumeRole
// exchange and wraps the resulting credentials in a revocable lease.
package broker

import (
	"context"
	"errors"
	"time"
)

// Credentials is the opaque cloud-access payload carried by a lease.
// It MUST NOT be serialized to JSON, logged, or included in tool responses.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string // Empty for static (non-STS) credentials.
}

// Lease is a time-bounded credential grant issued by the broker.
type Lease struct {
	ID          string        // Opaque broker lease ID, used for renewal and revocation.
	Credentials Credentials   // Never logged.
	Duration    time.Duration // TTL actually granted; may be shorter than requested.
	Renewable   bool
}

// Renewal is the broker's response to an in-place lease extension.
type Renewal struct {
	LeaseID   string
	Duration  time.Duration // New TTL, counted from the renewal.
	Renewable bool
}

// Client is the broker contract consumed by the lease tracker.
// Implementations must be safe for concurrent use and stateless beyond
// their own connection/auth handle to the broker.
type Client interface {
	// Issue mints a fresh credential lease. The requested TTL is advisory:
	// callers must honor the Duration in the returned lease.
	Issue(ctx context.Context, ttl time.Duration) (*Lease, error)

	// Renew extends an existing lease in place without changing the
	// credential value. Brokers may refuse (lease not renewable, max TTL
	// reached); callers fall back to Issue.
	Renew(ctx context.Context, leaseID string, increment time.Duration) (*Renewal, error)

	// Revoke invalidates a lease before its natural expiry. Best-effort
	// from the caller's point of view: local state transitions must not
	// depend on it succeeding.
	Revoke(ctx context.Context, leaseID string) error
}

// ErrUnavailable marks transient broker failures: network errors, timeouts,
// server errors, malformed responses. Subject to retry with backoff.
var ErrUnavailable = errors.New("broker unavailable")

// ErrAuthRejected marks non-retriable broker refusals: bad token, missing
// permissions, unknown role or mount. Surfaced immediately until the
// configuration changes.
var ErrAuthRejected = errors.New("broker rejected auth or role")
