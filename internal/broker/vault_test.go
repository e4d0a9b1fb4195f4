package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// issueResponse builds a Vault AWS secrets engine issue response body.
func issueResponse(leaseID string, duration int, renewable bool) []byte {
	resp := map[string]any{
		"lease_id":       leaseID,
		"lease_duration": duration,
		"renewable":      renewable,
		"data": map[string]any{
			"access_key":     "ASIATESTACCESSKEY",
			"secret_key":     "test-secret-key",
			"security_token": "test-session-token",
		},
	}
	b, _ := json.Marshal(resp)
	return b
}

func newTestVaultClient(t *testing.T, handler http.HandlerFunc) *VaultClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewVaultClient(VaultOptions{
		Address:   srv.URL,
		Token:     "test-token",
		MountPath: "aws",
		Role:      "mcp-agent-role",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewVaultClient: %v", err)
	}
	return c
}

func TestVaultClient_Issue(t *testing.T) {
	var gotTTL, gotToken string
	c := newTestVaultClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/aws/creds/mcp-agent-role" {
			http.NotFound(w, r)
			return
		}
		gotTTL = r.URL.Query().Get("ttl")
		gotToken = r.Header.Get("X-Vault-Token")
		w.Write(issueResponse("aws/creds/mcp-agent-role/AbC123", 3600, true))
	})

	lease, err := c.Issue(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if gotTTL != "1h0m0s" {
		t.Errorf("got ttl param %q, want %q", gotTTL, "1h0m0s")
	}
	if gotToken != "test-token" {
		t.Errorf("got token %q, want %q", gotToken, "test-token")
	}
	if lease.ID != "aws/creds/mcp-agent-role/AbC123" {
		t.Errorf("got lease ID %q", lease.ID)
	}
	if lease.Duration != time.Hour {
		t.Errorf("got duration %v, want 1h", lease.Duration)
	}
	if !lease.Renewable {
		t.Error("lease should be renewable")
	}
	if lease.Credentials.AccessKeyID != "ASIATESTACCESSKEY" {
		t.Errorf("got access key %q", lease.Credentials.AccessKeyID)
	}
	if lease.Credentials.SessionToken != "test-session-token" {
		t.Errorf("got session token %q", lease.Credentials.SessionToken)
	}
}

func TestVaultClient_IssueGrantedShorterTTL(t *testing.T) {
	c := newTestVaultClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Broker grants 15 minutes regardless of the request.
		w.Write(issueResponse("aws/creds/mcp-agent-role/short", 900, true))
	})

	lease, err := c.Issue(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if lease.Duration != 15*time.Minute {
		t.Errorf("got duration %v, want granted 15m, not requested 1h", lease.Duration)
	}
}

func TestVaultClient_IssueAuthRejected(t *testing.T) {
	c := newTestVaultClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errors":["permission denied"]}`))
	})

	_, err := c.Issue(context.Background(), time.Hour)
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("got %v, want ErrAuthRejected", err)
	}
}

func TestVaultClient_IssueUnknownRole(t *testing.T) {
	c := newTestVaultClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":["unknown role: mcp-agent-role"]}`))
	})

	_, err := c.Issue(context.Background(), time.Hour)
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("got %v, want ErrAuthRejected", err)
	}
}

func TestVaultClient_IssueServerError(t *testing.T) {
	c := newTestVaultClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Issue(context.Background(), time.Hour)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestVaultClient_IssueMalformedResponse(t *testing.T) {
	c := newTestVaultClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	_, err := c.Issue(context.Background(), time.Hour)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable for malformed body", err)
	}
}

func TestVaultClient_IssueMissingCredentialFields(t *testing.T) {
	c := newTestVaultClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"lease_id":"x","lease_duration":3600,"renewable":true,"data":{}}`))
	})

	_, err := c.Issue(context.Background(), time.Hour)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable for missing fields", err)
	}
}

func TestVaultClient_Renew(t *testing.T) {
	var gotBody map[string]any
	c := newTestVaultClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sys/leases/renew" || r.Method != http.MethodPut {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"lease_id":"aws/creds/mcp-agent-role/AbC123","lease_duration":1800,"renewable":true}`))
	})

	renewal, err := c.Renew(context.Background(), "aws/creds/mcp-agent-role/AbC123", 30*time.Minute)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if gotBody["lease_id"] != "aws/creds/mcp-agent-role/AbC123" {
		t.Errorf("got lease_id %v", gotBody["lease_id"])
	}
	if gotBody["increment"] != float64(1800) {
		t.Errorf("got increment %v, want 1800", gotBody["increment"])
	}
	if renewal.Duration != 30*time.Minute {
		t.Errorf("got duration %v, want 30m", renewal.Duration)
	}
}

func TestVaultClient_Revoke(t *testing.T) {
	var gotPath string
	c := newTestVaultClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.Revoke(context.Background(), "aws/creds/mcp-agent-role/AbC123"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if gotPath != "/v1/sys/leases/revoke" {
		t.Errorf("got path %q", gotPath)
	}
}

func TestVaultClient_Ping(t *testing.T) {
	c := newTestVaultClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/auth/token/lookup-self" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"data":{"id":"test-token"}}`))
	})

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestTruncateID(t *testing.T) {
	if got := TruncateID("short"); got != "short" {
		t.Errorf("got %q", got)
	}
	long := "aws/creds/mcp-agent-role/h8Kq2nXw4RtYv"
	if got := TruncateID(long); got != "aws/creds/mcp-ag..." {
		t.Errorf("got %q", got)
	}
}
