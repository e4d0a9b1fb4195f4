// Package creds implements the credential lifecycle tools exposed over MCP:
// status, refresh, revoke, and identity verification.
//
// Tool results describe leases by truncated ID, expiry, and generation.
// Raw credential material never appears in a result; clients that need
// cloud access get it through the session factory, not through a tool.
package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/hazina/internal/broker"
	"github.com/jkaninda/hazina/internal/lease"
	"github.com/jkaninda/hazina/internal/session"
	"github.com/jkaninda/hazina/internal/tools"
)

// LeaseManager is the tracker surface the tools drive.
type LeaseManager interface {
	Status() lease.Snapshot
	ForceRefresh(ctx context.Context, ttl time.Duration) (*lease.Record, error)
	RevokeNow(ctx context.Context) error
	Generation() uint64
}

// Verifier resolves the current credentials to a caller identity.
type Verifier interface {
	CallerIdentity(ctx context.Context) (*session.Identity, error)
}

// maxRefreshTTL bounds client-requested TTLs; the broker caps further.
const maxRefreshTTL = 12 * time.Hour

func marshal(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("marshal error: %v", err)
	}
	return string(b)
}

// StatusTool reports the lease tracker's current state.
type StatusTool struct {
	manager LeaseManager
	logger  *slog.Logger
}

// NewStatusTool creates the get_credential_status tool.
func NewStatusTool(manager LeaseManager, logger *slog.Logger) *StatusTool {
	return &StatusTool{manager: manager, logger: logger}
}

func (t *StatusTool) Name() string { return "get_credential_status" }
func (t *StatusTool) Description() string {
	return "Report the current credential lease: state, generation, expiry, and last error. Never returns secret values."
}
func (t *StatusTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}
func (t *StatusTool) Validate(_ map[string]any) error { return nil }

func (t *StatusTool) Execute(ctx context.Context, _ map[string]any) (*tools.Result, error) {
	snap := t.manager.Status()
	return &tools.Result{
		Output:  marshal(snap),
		Success: true,
		Metadata: map[string]any{
			"state":      string(snap.State),
			"generation": snap.Generation,
		},
	}, nil
}

// RefreshTool discards the current lease and issues a fresh one.
type RefreshTool struct {
	manager LeaseManager
	logger  *slog.Logger
}

// NewRefreshTool creates the refresh_credentials tool.
func NewRefreshTool(manager LeaseManager, logger *slog.Logger) *RefreshTool {
	return &RefreshTool{manager: manager, logger: logger}
}

func (t *RefreshTool) Name() string { return "refresh_credentials" }
func (t *RefreshTool) Description() string {
	return "Revoke the current credential lease and issue a fresh one, regardless of remaining TTL."
}
func (t *RefreshTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ttl": map[string]any{
				"type":        "string",
				"description": "Requested TTL for the new lease as a duration (e.g. \"30m\", \"1h\"). Defaults to the configured TTL. The broker may grant less.",
			},
		},
	}
}

func (t *RefreshTool) Validate(params map[string]any) error {
	_, err := parseTTL(params)
	return err
}

func (t *RefreshTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	ttl, err := parseTTL(params)
	if err != nil {
		return nil, err
	}

	rec, err := t.manager.ForceRefresh(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("refreshing credentials: %w", err)
	}

	t.logger.Info("credentials refreshed on request",
		slog.String("lease_id", broker.TruncateID(rec.LeaseID)),
	)
	return &tools.Result{
		Output: marshal(map[string]any{
			"lease_id":   broker.TruncateID(rec.LeaseID),
			"expires_at": rec.ExpiresAt,
			"renewable":  rec.Renewable,
			"generation": t.manager.Generation(),
		}),
		Success: true,
	}, nil
}

func parseTTL(params map[string]any) (time.Duration, error) {
	raw, ok := params["ttl"]
	if !ok || raw == nil {
		return 0, nil
	}
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("ttl must be a duration string, got %T", raw)
	}
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("ttl must be positive, got %q", s)
	}
	if d > maxRefreshTTL {
		return 0, fmt.Errorf("ttl %q exceeds the maximum of %s", s, maxRefreshTTL)
	}
	return d, nil
}

// RevokeTool revokes the current lease immediately.
type RevokeTool struct {
	manager LeaseManager
	logger  *slog.Logger
}

// NewRevokeTool creates the revoke_credentials tool.
func NewRevokeTool(manager LeaseManager, logger *slog.Logger) *RevokeTool {
	return &RevokeTool{manager: manager, logger: logger}
}

func (t *RevokeTool) Name() string { return "revoke_credentials" }
func (t *RevokeTool) Description() string {
	return "Revoke the current credential lease immediately. Local state is cleared even if the broker is unreachable; the next operation issues fresh credentials."
}
func (t *RevokeTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}
func (t *RevokeTool) Validate(_ map[string]any) error { return nil }

func (t *RevokeTool) Execute(ctx context.Context, _ map[string]any) (*tools.Result, error) {
	if err := t.manager.RevokeNow(ctx); err != nil {
		return nil, fmt.Errorf("revoking credentials: %w", err)
	}
	snap := t.manager.Status()
	return &tools.Result{
		Output: marshal(map[string]any{
			"state":      snap.State,
			"generation": snap.Generation,
		}),
		Success: true,
	}, nil
}

// VerifyTool checks the current credentials against the cloud provider.
type VerifyTool struct {
	verifier Verifier
	logger   *slog.Logger
}

// NewVerifyTool creates the verify_credentials tool.
func NewVerifyTool(verifier Verifier, logger *slog.Logger) *VerifyTool {
	return &VerifyTool{verifier: verifier, logger: logger}
}

func (t *VerifyTool) Name() string { return "verify_credentials" }
func (t *VerifyTool) Description() string {
	return "Verify the current credentials by resolving the caller identity with the cloud provider."
}
func (t *VerifyTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}
func (t *VerifyTool) Validate(_ map[string]any) error { return nil }

func (t *VerifyTool) Execute(ctx context.Context, _ map[string]any) (*tools.Result, error) {
	id, err := t.verifier.CallerIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("verifying credentials: %w", err)
	}
	return &tools.Result{
		Output:  marshal(id),
		Success: true,
		Metadata: map[string]any{
			"account": id.Account,
		},
	}, nil
}
