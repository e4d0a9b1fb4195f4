package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jkaninda/hazina/internal/broker"
)

// Renewal retry backoff: exponential with full jitter.
const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// Timer is a cancellable deferred callback handle.
type Timer interface {
	Stop() bool
}

// TimerFactory schedules fn to run after d. The default uses time.AfterFunc;
// tests substitute a deterministic implementation so no timers leak across
// test cases.
type TimerFactory func(d time.Duration, fn func()) Timer

// Options configures a Tracker.
type Options struct {
	TTL           time.Duration // Requested TTL, advisory only. Default: 1h.
	RenewFraction float64       // Fraction of the granted TTL before proactive renewal. Default: 0.5.
	AutoRenew     bool          // Enables the proactive renewal timer.
	IssueTimeout  time.Duration // Bound on a single broker exchange. Default: 45s.

	Clock    func() time.Time // Default: time.Now.
	NewTimer TimerFactory     // Default: time.AfterFunc.
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.TTL <= 0 {
		out.TTL = time.Hour
	}
	if out.RenewFraction <= 0 || out.RenewFraction >= 1 {
		out.RenewFraction = 0.5
	}
	if out.IssueTimeout <= 0 {
		out.IssueTimeout = 45 * time.Second
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	if out.NewTimer == nil {
		out.NewTimer = func(d time.Duration, fn func()) Timer {
			return time.AfterFunc(d, fn)
		}
	}
	return out
}

// Tracker owns the current credential lease and its renewal schedule.
//
// State mutations happen under one mutex; broker exchanges happen outside
// it. An exchange is prepared under lock (the in-flight slot is claimed),
// performed unlocked, and committed under lock, so a slow broker never
// blocks readers that only need the still-valid current record.
type Tracker struct {
	broker  broker.Client
	opts    Options
	metrics *Metrics
	logger  *slog.Logger

	mu           sync.Mutex
	current      *Record
	generation   uint64
	deadline     time.Time // Proactive renewal deadline for the current lease.
	renewalCount int       // In-place extensions of the current lease.
	issuedOnce   bool
	revoked      bool
	closed       bool
	lastErr      error
	inflight     chan struct{} // Non-nil while one broker exchange is outstanding; closed on completion.
	attempt      int           // Consecutive failed proactive attempts, drives backoff.
	timer        Timer         // Pending proactive renewal or retry timer.
}

// NewTracker creates a Tracker. No lease is issued until the first call to
// Current or ForceRefresh: the process always starts uninitialized.
func NewTracker(b broker.Client, opts Options, metrics *Metrics, logger *slog.Logger) *Tracker {
	return &Tracker{
		broker:  b,
		opts:    opts.withDefaults(),
		metrics: metrics,
		logger:  logger,
	}
}

// Current returns the current lease record and the generation it belongs to.
//
// A still-valid record is returned without blocking; if its renewal deadline
// has passed, one coalesced asynchronous renewal is kicked off first. With
// no valid record (never issued, expired, or revoked) the call blocks for a
// single synchronous issuance — joining an in-flight exchange rather than
// starting a second one — and returns the fresh record or an error.
func (t *Tracker) Current(ctx context.Context) (*Record, uint64, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, 0, ErrTrackerClosed
		}

		now := t.opts.Clock()
		if rec := t.current; rec != nil && rec.Valid(now) {
			// Expiry check gates every hand-out; past the renewal deadline
			// the old record stays usable while a replacement is fetched.
			if t.opts.AutoRenew && !now.Before(t.deadline) {
				t.startExchangeLocked("deadline")
			}
			gen := t.generation
			t.mu.Unlock()
			return rec, gen, nil
		}

		// No valid record. Join an in-flight exchange if one is running.
		if t.inflight != nil {
			done := t.inflight
			t.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}

		// Synchronous reissue. A revoked tracker reissues with
		// uninitialized semantics: the lease was discarded on purpose,
		// so a failure here is a plain issuance error, not expiry.
		hadLease := t.issuedOnce && !t.revoked
		done := make(chan struct{})
		t.inflight = done
		t.mu.Unlock()

		rec, gen, err := t.issueAndCommit(ctx, done)
		if err != nil {
			if hadLease {
				return nil, 0, fmt.Errorf("%w: %v", ErrLeaseExpired, err)
			}
			return nil, 0, err
		}
		return rec, gen, nil
	}
}

// ForceRefresh discards the current lease and issues a fresh one regardless
// of remaining TTL. The superseded lease is revoked best-effort. On failure
// the current record and its deadline are left untouched so callers keep
// using the old, still-valid credential. A ttl of 0 uses the configured
// default. If an exchange is already in flight the refresh joins it instead
// of issuing a duplicate.
func (t *Tracker) ForceRefresh(ctx context.Context, ttl time.Duration) (*Record, error) {
	if ttl <= 0 {
		ttl = t.opts.TTL
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTrackerClosed
	}
	t.stopTimerLocked()

	// A proactive renewal already in flight produces the same net result as
	// this refresh; wait for it rather than racing it with a second call.
	if t.inflight != nil {
		done := t.inflight
		startGen := t.generation
		t.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		t.mu.Lock()
		if !t.closed && t.generation != startGen && t.current != nil && t.current.Valid(t.opts.Clock()) {
			rec := t.current
			t.mu.Unlock()
			return rec, nil
		}
		// In-flight exchange did not produce a usable lease; fall through
		// and issue ourselves.
		if t.inflight != nil || t.closed {
			t.mu.Unlock()
			return nil, fmt.Errorf("refresh aborted: tracker busy or closed")
		}
	}

	done := make(chan struct{})
	t.inflight = done
	t.mu.Unlock()

	issueCtx, cancel := context.WithTimeout(ctx, t.opts.IssueTimeout)
	defer cancel()

	start := t.opts.Clock()
	fresh, err := t.broker.Issue(issueCtx, ttl)
	t.observeIssue(start, err)

	t.mu.Lock()
	defer func() {
		t.inflight = nil
		close(done)
		t.mu.Unlock()
	}()

	if err != nil {
		t.lastErr = err
		t.logger.Error("credential refresh failed",
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	old := t.current
	rec := t.commitLocked(fresh)
	if old != nil {
		t.revokeAsync(old.LeaseID)
	}
	return rec, nil
}

// RevokeNow revokes the current lease at the broker best-effort, then
// unconditionally clears local state and bumps the generation. A failed
// remote revoke is logged as a warning and never blocks local lockout:
// a broker outage must not keep a compromised credential usable here.
func (t *Tracker) RevokeNow(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTrackerClosed
	}
	t.stopTimerLocked()

	old := t.current
	t.current = nil
	t.deadline = time.Time{}
	t.renewalCount = 0
	t.attempt = 0
	t.revoked = true
	t.generation++ // Stale holders must observe the change.
	if t.metrics != nil {
		t.metrics.Generation.Set(float64(t.generation))
		t.metrics.ExpiryTimestamp.Set(0)
	}
	t.mu.Unlock()

	if old == nil {
		return nil
	}

	if t.metrics != nil {
		t.metrics.Revocations.Inc()
	}
	if err := t.broker.Revoke(ctx, old.LeaseID); err != nil {
		// Local invalidation already happened; partial failure only.
		if t.metrics != nil {
			t.metrics.RevocationFailures.Inc()
		}
		t.logger.Warn("remote revoke failed, local state cleared anyway",
			slog.String("lease_id", broker.TruncateID(old.LeaseID)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	t.logger.Info("credential lease revoked",
		slog.String("lease_id", broker.TruncateID(old.LeaseID)),
	)
	return nil
}

// Status returns a read-only snapshot. Repeated calls without intervening
// mutation return identical snapshots.
func (t *Tracker) Status() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Generation:   t.generation,
		RenewalCount: t.renewalCount,
	}
	if t.lastErr != nil {
		snap.LastError = t.lastErr.Error()
	}

	switch {
	case t.current != nil:
		snap.LeaseID = broker.TruncateID(t.current.LeaseID)
		snap.IssuedAt = t.current.IssuedAt
		snap.ExpiresAt = t.current.ExpiresAt
		snap.Renewable = t.current.Renewable
		switch {
		case !t.current.Valid(t.opts.Clock()):
			snap.State = StateBlocked
		case t.inflight != nil:
			snap.State = StateRenewing
		default:
			snap.State = StateActive
		}
	case t.revoked:
		snap.State = StateRevoked
	default:
		snap.State = StateUninitialized
	}
	return snap
}

// Generation returns the current generation counter.
func (t *Tracker) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// Close stops the renewal schedule and revokes the active lease best-effort.
// The tracker is unusable afterwards.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.stopTimerLocked()
	old := t.current
	t.current = nil
	t.mu.Unlock()

	if old == nil {
		return nil
	}
	if t.metrics != nil {
		t.metrics.Revocations.Inc()
	}
	if err := t.broker.Revoke(ctx, old.LeaseID); err != nil {
		if t.metrics != nil {
			t.metrics.RevocationFailures.Inc()
		}
		t.logger.Warn("revoking lease on shutdown failed",
			slog.String("lease_id", broker.TruncateID(old.LeaseID)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// --- internals ---

// issueAndCommit performs one synchronous issuance for Current. The caller
// has already claimed the in-flight slot (done).
func (t *Tracker) issueAndCommit(ctx context.Context, done chan struct{}) (*Record, uint64, error) {
	issueCtx, cancel := context.WithTimeout(ctx, t.opts.IssueTimeout)
	defer cancel()

	start := t.opts.Clock()
	fresh, err := t.broker.Issue(issueCtx, t.opts.TTL)
	t.observeIssue(start, err)

	t.mu.Lock()
	defer func() {
		t.inflight = nil
		close(done)
		t.mu.Unlock()
	}()

	if err != nil {
		t.lastErr = err
		t.logger.Error("synchronous issuance failed",
			slog.String("error", err.Error()),
		)
		return nil, 0, err
	}

	rec := t.commitLocked(fresh)
	return rec, t.generation, nil
}

// startExchangeLocked claims the in-flight slot and launches an asynchronous
// renewal of the current lease. No-ops when an exchange is already running
// or there is nothing to renew. Caller holds t.mu.
func (t *Tracker) startExchangeLocked(reason string) {
	if t.inflight != nil || t.current == nil || t.closed || t.revoked {
		return
	}
	done := make(chan struct{})
	t.inflight = done
	old := t.current

	t.logger.Debug("starting credential renewal",
		slog.String("reason", reason),
		slog.String("lease_id", broker.TruncateID(old.LeaseID)),
	)
	go t.renewOnce(old, done)
}

// renewOnce performs one proactive renewal attempt: a fresh issuance that
// replaces the credential. When issuance fails but the old lease is still
// valid and renewable, the tracker falls back to extending it in place to
// keep the validity window open while retries continue.
func (t *Tracker) renewOnce(old *Record, done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.IssueTimeout)
	defer cancel()

	start := t.opts.Clock()
	fresh, err := t.broker.Issue(ctx, t.opts.TTL)
	t.observeIssue(start, err)

	var extension *broker.Renewal
	if err != nil && old.Renewable && old.Valid(t.opts.Clock()) {
		// Fail-safe: buy time on the existing credential while issuance is
		// down. Best-effort; the retry loop keeps going either way.
		extension, _ = t.broker.Renew(ctx, old.LeaseID, t.opts.TTL)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	stale := t.closed || t.revoked || t.current == nil || t.current.LeaseID != old.LeaseID
	t.inflight = nil
	close(done)

	if err == nil {
		if stale {
			// The lease this renewal was meant to replace is gone
			// (revoked or already superseded). Nobody may use the fresh
			// credential, so return it to the broker.
			t.revokeAsync(fresh.ID)
			return
		}
		t.commitLocked(fresh)
		t.revokeAsync(old.LeaseID)
		return
	}

	t.lastErr = err
	t.attempt++
	t.logger.Warn("credential renewal failed",
		slog.Int("attempt", t.attempt),
		slog.String("error", err.Error()),
	)

	if stale {
		return
	}

	if extension != nil && extension.Duration > 0 {
		t.extendLocked(extension)
	}

	if errors.Is(err, broker.ErrAuthRejected) {
		// Non-retriable until configuration changes; callers keep the old
		// record while it lasts, then surface the error on reissue.
		return
	}

	now := t.opts.Clock()
	remaining := t.current.ExpiresAt.Sub(now)
	if remaining <= 0 {
		// Expiry reached with no successful renewal: stop the proactive
		// schedule, callers now drive synchronous reissue.
		return
	}
	t.scheduleLocked(min(t.backoffDelay(), remaining))
}

// commitLocked installs a freshly issued lease as current. Caller holds t.mu.
func (t *Tracker) commitLocked(fresh *broker.Lease) *Record {
	now := t.opts.Clock()
	rec := &Record{
		LeaseID:     fresh.ID,
		Credentials: fresh.Credentials,
		IssuedAt:    now,
		ExpiresAt:   now.Add(fresh.Duration),
		Renewable:   fresh.Renewable,
	}

	t.current = rec
	t.generation++
	t.issuedOnce = true
	t.revoked = false
	t.lastErr = nil
	t.attempt = 0
	t.renewalCount = 0
	// Renew at a fraction of the granted TTL, not at the edge, to absorb
	// broker latency and clock skew.
	t.deadline = now.Add(time.Duration(float64(fresh.Duration) * t.opts.RenewFraction))

	if t.metrics != nil {
		t.metrics.Issued.Inc()
		t.metrics.Generation.Set(float64(t.generation))
		t.metrics.ExpiryTimestamp.Set(float64(rec.ExpiresAt.Unix()))
	}
	t.logger.Info("credential lease active",
		slog.String("lease_id", broker.TruncateID(rec.LeaseID)),
		slog.Uint64("generation", t.generation),
		slog.Time("expires_at", rec.ExpiresAt),
	)

	t.stopTimerLocked()
	if t.opts.AutoRenew && !t.closed {
		t.scheduleLocked(t.deadline.Sub(now))
	}
	return rec
}

// extendLocked applies an in-place broker extension to the current lease.
// The credential value is unchanged, so the generation is not bumped and
// cached session handles stay valid. Caller holds t.mu.
func (t *Tracker) extendLocked(ext *broker.Renewal) {
	now := t.opts.Clock()
	old := t.current
	rec := &Record{
		LeaseID:     old.LeaseID,
		Credentials: old.Credentials,
		IssuedAt:    old.IssuedAt,
		ExpiresAt:   now.Add(ext.Duration),
		Renewable:   ext.Renewable,
	}
	t.current = rec
	t.renewalCount++
	t.deadline = now.Add(time.Duration(float64(ext.Duration) * t.opts.RenewFraction))

	if t.metrics != nil {
		t.metrics.Extensions.Inc()
		t.metrics.ExpiryTimestamp.Set(float64(rec.ExpiresAt.Unix()))
	}
	t.logger.Info("credential lease extended in place",
		slog.String("lease_id", broker.TruncateID(rec.LeaseID)),
		slog.Time("expires_at", rec.ExpiresAt),
		slog.Int("renewal_count", t.renewalCount),
	)
}

// scheduleLocked arms the proactive timer, replacing any pending one.
// Caller holds t.mu.
func (t *Tracker) scheduleLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.stopTimerLocked()
	t.timer = t.opts.NewTimer(d, t.onTimer)
}

func (t *Tracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// onTimer fires the proactive renewal. A manual refresh or revoke that
// raced the timer wins: the in-flight check in startExchangeLocked makes
// this a no-op.
func (t *Tracker) onTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.revoked || t.current == nil {
		return
	}
	now := t.opts.Clock()
	if !t.current.Valid(now) {
		// Already expired; callers drive synchronous reissue from here.
		return
	}
	if now.Before(t.deadline) {
		// Fired early: an in-place extension moved the deadline out after
		// this timer was armed. Re-arm for the new deadline so the
		// proactive chain stays alive without Current traffic.
		t.scheduleLocked(t.deadline.Sub(now))
		return
	}
	t.startExchangeLocked("timer")
}

// backoffDelay returns the next retry delay: exponential from 1s, capped at
// 30s, with full jitter.
func (t *Tracker) backoffDelay() time.Duration {
	d := backoffBase << min(max(t.attempt-1, 0), 10)
	if d > backoffCap {
		d = backoffCap
	}
	return rand.N(d)
}

// revokeAsync returns a superseded or unwanted lease to the broker without
// holding up the caller. Failures are partial by definition.
func (t *Tracker) revokeAsync(leaseID string) {
	if t.metrics != nil {
		t.metrics.Revocations.Inc()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.IssueTimeout)
		defer cancel()
		if err := t.broker.Revoke(ctx, leaseID); err != nil {
			if t.metrics != nil {
				t.metrics.RevocationFailures.Inc()
			}
			t.logger.Warn("revoking superseded lease failed",
				slog.String("lease_id", broker.TruncateID(leaseID)),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (t *Tracker) observeIssue(start time.Time, err error) {
	if t.metrics == nil {
		return
	}
	t.metrics.IssueDuration.Observe(t.opts.Clock().Sub(start).Seconds())
	if err != nil {
		t.metrics.IssueFailures.Inc()
	}
}
