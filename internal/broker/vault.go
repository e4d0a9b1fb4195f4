package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBytes caps broker response bodies to prevent OOM on a
// misbehaving server.
const maxResponseBytes = 1 << 20 // 1 MB

// VaultClient talks to the HashiCorp Vault AWS secrets engine over HTTP.
// Issuance hits GET /v1/<mount>/creds/<role>; renewal and revocation go
// through the sys/leases endpoints. Uses token-based authentication.
// Safe for concurrent use.
type VaultClient struct {
	address   string
	token     string
	namespace string
	mount     string
	role      string
	client    *http.Client
	logger    *slog.Logger
}

// VaultOptions configures a VaultClient. Address, Token, MountPath and Role
// are required; the rest default sensibly.
type VaultOptions struct {
	Address       string
	Token         string
	Namespace     string
	MountPath     string
	Role          string
	Timeout       time.Duration // Per-request timeout. Default: 30s.
	TLSSkipVerify bool
}

// NewVaultClient creates a Vault AWS secrets engine client.
func NewVaultClient(opts VaultOptions, logger *slog.Logger) (*VaultClient, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	if opts.MountPath == "" {
		return nil, fmt.Errorf("vault mount path is required")
	}
	if opts.Role == "" {
		return nil, fmt.Errorf("vault role is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VaultClient{
		address:   strings.TrimRight(opts.Address, "/"),
		token:     opts.Token,
		namespace: opts.Namespace,
		mount:     opts.MountPath,
		role:      opts.Role,
		client:    &http.Client{Timeout: timeout, Transport: transport},
		logger:    logger,
	}, nil
}

// Issue requests a fresh credential lease from the AWS secrets engine.
func (c *VaultClient) Issue(ctx context.Context, ttl time.Duration) (*Lease, error) {
	endpoint := fmt.Sprintf("%s/v1/%s/creds/%s", c.address, c.mount, url.PathEscape(c.role))
	if ttl > 0 {
		endpoint += "?ttl=" + url.QueryEscape(ttl.String())
	}

	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	// Issue response envelope:
	// { "lease_id": "...", "lease_duration": 3600, "renewable": true,
	//   "data": { "access_key": "...", "secret_key": "...", "security_token": "..." } }
	var envelope struct {
		LeaseID       string `json:"lease_id"`
		LeaseDuration int    `json:"lease_duration"`
		Renewable     bool   `json:"renewable"`
		Data          struct {
			AccessKey     string `json:"access_key"`
			SecretKey     string `json:"secret_key"`
			SecurityToken string `json:"security_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: parsing issue response: %v", ErrUnavailable, err)
	}
	if envelope.LeaseID == "" || envelope.Data.AccessKey == "" || envelope.Data.SecretKey == "" {
		return nil, fmt.Errorf("%w: issue response missing lease or credential fields", ErrUnavailable)
	}
	if envelope.LeaseDuration <= 0 {
		return nil, fmt.Errorf("%w: issue response has non-positive lease_duration %d",
			ErrUnavailable, envelope.LeaseDuration)
	}

	c.logger.InfoContext(ctx, "issued credential lease",
		slog.String("lease_id", TruncateID(envelope.LeaseID)),
		slog.Int("lease_duration_s", envelope.LeaseDuration),
		slog.Bool("renewable", envelope.Renewable),
	)

	return &Lease{
		ID: envelope.LeaseID,
		Credentials: Credentials{
			AccessKeyID:     envelope.Data.AccessKey,
			SecretAccessKey: envelope.Data.SecretKey,
			SessionToken:    envelope.Data.SecurityToken,
		},
		Duration:  time.Duration(envelope.LeaseDuration) * time.Second,
		Renewable: envelope.Renewable,
	}, nil
}

// Renew extends a lease in place via sys/leases/renew.
func (c *VaultClient) Renew(ctx context.Context, leaseID string, increment time.Duration) (*Renewal, error) {
	payload := map[string]any{"lease_id": leaseID}
	if increment > 0 {
		payload["increment"] = int(increment.Seconds())
	}

	body, err := c.do(ctx, http.MethodPut, c.address+"/v1/sys/leases/renew", payload)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		LeaseID       string `json:"lease_id"`
		LeaseDuration int    `json:"lease_duration"`
		Renewable     bool   `json:"renewable"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: parsing renew response: %v", ErrUnavailable, err)
	}
	if envelope.LeaseDuration <= 0 {
		return nil, fmt.Errorf("%w: renew response has non-positive lease_duration %d",
			ErrUnavailable, envelope.LeaseDuration)
	}

	c.logger.InfoContext(ctx, "renewed credential lease",
		slog.String("lease_id", TruncateID(leaseID)),
		slog.Int("lease_duration_s", envelope.LeaseDuration),
	)

	return &Renewal{
		LeaseID:   envelope.LeaseID,
		Duration:  time.Duration(envelope.LeaseDuration) * time.Second,
		Renewable: envelope.Renewable,
	}, nil
}

// Revoke invalidates a lease via sys/leases/revoke.
func (c *VaultClient) Revoke(ctx context.Context, leaseID string) error {
	_, err := c.do(ctx, http.MethodPut, c.address+"/v1/sys/leases/revoke",
		map[string]any{"lease_id": leaseID})
	if err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "revoked credential lease",
		slog.String("lease_id", TruncateID(leaseID)),
	)
	return nil
}

// Ping verifies broker reachability and token validity via token lookup-self.
// Backs the readiness probe.
func (c *VaultClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, c.address+"/v1/auth/token/lookup-self", nil)
	return err
}

// do performs one authenticated broker request and classifies failures.
func (c *VaultClient) do(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-Vault-Token", c.token)
	if c.namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.namespace)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d: %s", ErrAuthRejected, resp.StatusCode, vaultErrors(body))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Unknown role/mount or malformed path — a config problem, not a
		// transient broker fault.
		return nil, fmt.Errorf("%w: status %d: %s", ErrAuthRejected, resp.StatusCode, vaultErrors(body))
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, vaultErrors(body))
	}
}

// vaultErrors extracts the "errors" list from a Vault error body.
func vaultErrors(body []byte) string {
	var envelope struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Errors) == 0 {
		return "no error detail"
	}
	return strings.Join(envelope.Errors, "; ")
}

// TruncateID shortens a lease ID for logging. Lease IDs are not secret, but
// full IDs are long and the suffix is the only distinguishing part worth
// keeping out of logs.
func TruncateID(id string) string {
	const keep = 16
	if len(id) <= keep {
		return id
	}
	return id[:keep] + "..."
}
