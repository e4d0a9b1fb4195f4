package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/jkaninda/hazina/internal/broker"
	"github.com/jkaninda/hazina/internal/lease"
)

type fakeLeaseSource struct {
	rec   *lease.Record
	gen   uint64
	err   error
	calls int
}

func (s *fakeLeaseSource) Current(ctx context.Context) (*lease.Record, uint64, error) {
	s.calls++
	if s.err != nil {
		return nil, 0, s.err
	}
	return s.rec, s.gen, nil
}

type fakeSTS struct {
	out   *sts.GetCallerIdentityOutput
	err   error
	calls int
}

func (f *fakeSTS) GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	f.calls++
	return f.out, f.err
}

func record(key string) *lease.Record {
	now := time.Now()
	return &lease.Record{
		LeaseID: "aws/creds/mcp-agent-role/x",
		Credentials: broker.Credentials{
			AccessKeyID:     key,
			SecretAccessKey: "secret",
			SessionToken:    "token",
		},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		Renewable: true,
	}
}

func newTestFactory(src *fakeLeaseSource) (*Factory, *int) {
	f := NewFactory(src, "us-east-1", slog.New(slog.NewTextHandler(io.Discard, nil)))
	builds := 0
	f.load = func(ctx context.Context, region string, provider aws.CredentialsProvider) (aws.Config, error) {
		builds++
		return aws.Config{Region: region, Credentials: provider}, nil
	}
	return f, &builds
}

func TestFactoryBuildsFromLease(t *testing.T) {
	src := &fakeLeaseSource{rec: record("ASIAKEY1"), gen: 1}
	f, _ := newTestFactory(src)

	cfg, gen, err := f.Config(context.Background())
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if gen != 1 {
		t.Errorf("got generation %d, want 1", gen)
	}
	if cfg.Region != "us-east-1" {
		t.Errorf("got region %q", cfg.Region)
	}
	creds, err := cfg.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if creds.AccessKeyID != "ASIAKEY1" {
		t.Errorf("got access key %q, want lease credentials", creds.AccessKeyID)
	}
}

func TestFactoryCachesPerGeneration(t *testing.T) {
	src := &fakeLeaseSource{rec: record("ASIAKEY1"), gen: 1}
	f, builds := newTestFactory(src)

	f.Config(context.Background())
	f.Config(context.Background())
	f.Config(context.Background())
	if *builds != 1 {
		t.Errorf("got %d builds for one generation, want 1", *builds)
	}

	// Generation bump invalidates the cache.
	src.rec = record("ASIAKEY2")
	src.gen = 2
	cfg, gen, err := f.Config(context.Background())
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if gen != 2 || *builds != 2 {
		t.Errorf("got gen %d builds %d, want rebuild at generation 2", gen, *builds)
	}
	creds, _ := cfg.Credentials.Retrieve(context.Background())
	if creds.AccessKeyID != "ASIAKEY2" {
		t.Errorf("got access key %q after rotation", creds.AccessKeyID)
	}
}

func TestFactoryPropagatesLeaseErrors(t *testing.T) {
	src := &fakeLeaseSource{err: lease.ErrLeaseExpired}
	f, builds := newTestFactory(src)

	_, _, err := f.Config(context.Background())
	if !errors.Is(err, lease.ErrLeaseExpired) {
		t.Fatalf("got %v, want ErrLeaseExpired", err)
	}
	if *builds != 0 {
		t.Error("must not build a config without a valid lease")
	}
}

func TestFactoryConstructionFailureDoesNotPoisonCache(t *testing.T) {
	src := &fakeLeaseSource{rec: record("ASIAKEY1"), gen: 1}
	f, _ := newTestFactory(src)

	fail := true
	f.load = func(ctx context.Context, region string, provider aws.CredentialsProvider) (aws.Config, error) {
		if fail {
			return aws.Config{}, fmt.Errorf("endpoint resolution failed")
		}
		return aws.Config{Region: region, Credentials: provider}, nil
	}

	_, _, err := f.Config(context.Background())
	if !errors.Is(err, ErrClientConstruction) {
		t.Fatalf("got %v, want ErrClientConstruction", err)
	}

	// Same lease, next call succeeds.
	fail = false
	_, gen, err := f.Config(context.Background())
	if err != nil {
		t.Fatalf("Config after transient failure: %v", err)
	}
	if gen != 1 {
		t.Errorf("got generation %d, want 1", gen)
	}
}

func TestSTSBoundToGeneration(t *testing.T) {
	src := &fakeLeaseSource{rec: record("ASIAKEY1"), gen: 7}
	f, _ := newTestFactory(src)

	client, gen, err := f.STS(context.Background())
	if err != nil {
		t.Fatalf("STS: %v", err)
	}
	if client == nil {
		t.Fatal("nil STS client")
	}
	if gen != 7 {
		t.Errorf("got generation %d, want 7", gen)
	}
}

func TestCallerIdentity(t *testing.T) {
	src := &fakeLeaseSource{rec: record("ASIAKEY1"), gen: 1}
	f, _ := newTestFactory(src)
	api := &fakeSTS{out: &sts.GetCallerIdentityOutput{
		Account: aws.String("123456789012"),
		Arn:     aws.String("arn:aws:sts::123456789012:assumed-role/mcp-agent-role/vault-aws"),
		UserId:  aws.String("AROATEST:vault-aws"),
	}}
	f.newSTS = func(cfg aws.Config) stsAPI { return api }

	id, err := f.CallerIdentity(context.Background())
	if err != nil {
		t.Fatalf("CallerIdentity: %v", err)
	}
	if id.Account != "123456789012" {
		t.Errorf("got account %q", id.Account)
	}
	if id.ARN != "arn:aws:sts::123456789012:assumed-role/mcp-agent-role/vault-aws" {
		t.Errorf("got arn %q", id.ARN)
	}
	if api.calls != 1 {
		t.Errorf("got %d STS calls, want 1", api.calls)
	}
}

func TestCallerIdentityFailure(t *testing.T) {
	src := &fakeLeaseSource{rec: record("ASIAKEY1"), gen: 1}
	f, _ := newTestFactory(src)
	f.newSTS = func(cfg aws.Config) stsAPI {
		return &fakeSTS{err: fmt.Errorf("InvalidClientTokenId")}
	}

	if _, err := f.CallerIdentity(context.Background()); err == nil {
		t.Fatal("expected verification error")
	}
}
