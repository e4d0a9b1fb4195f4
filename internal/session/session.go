// Package session hands out cloud API configuration and clients bound to
// the current credential lease. Clients are cached per lease generation:
// a renewal or revocation bumps the generation and invalidates the cache,
// an in-place extension does not.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/jkaninda/hazina/internal/lease"
)

// ErrClientConstruction is returned when a client could not be built from a
// valid lease. The lease itself stays usable; the next call retries.
var ErrClientConstruction = errors.New("session client construction failed")

// LeaseSource supplies the current credential record and its generation.
type LeaseSource interface {
	Current(ctx context.Context) (*lease.Record, uint64, error)
}

// Identity is the verified caller identity behind the current credentials.
type Identity struct {
	Account string `json:"account"`
	ARN     string `json:"arn"`
	UserID  string `json:"user_id"`
}

type stsAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Factory builds AWS configuration from the lease tracker's credentials.
type Factory struct {
	source LeaseSource
	region string
	logger *slog.Logger

	// Injection points for tests.
	load   func(ctx context.Context, region string, provider aws.CredentialsProvider) (aws.Config, error)
	newSTS func(cfg aws.Config) stsAPI

	mu         sync.Mutex
	cached     *aws.Config
	generation uint64
}

// NewFactory creates a Factory serving clients for the given region.
func NewFactory(source LeaseSource, region string, logger *slog.Logger) *Factory {
	return &Factory{
		source: source,
		region: region,
		logger: logger,
		load:   loadConfig,
		newSTS: func(cfg aws.Config) stsAPI { return sts.NewFromConfig(cfg) },
	}
}

func loadConfig(ctx context.Context, region string, provider aws.CredentialsProvider) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(provider),
	)
}

// Config returns an aws.Config backed by the current lease, and the
// generation it was built from. The config is rebuilt only when the
// generation changes. A construction failure does not poison the cache:
// the old lease stays current and the next call rebuilds from scratch.
func (f *Factory) Config(ctx context.Context) (aws.Config, uint64, error) {
	rec, gen, err := f.source.Current(ctx)
	if err != nil {
		return aws.Config{}, 0, err
	}

	f.mu.Lock()
	if f.cached != nil && f.generation == gen {
		cfg := *f.cached
		f.mu.Unlock()
		return cfg, gen, nil
	}
	f.mu.Unlock()

	provider := credentials.NewStaticCredentialsProvider(
		rec.Credentials.AccessKeyID,
		rec.Credentials.SecretAccessKey,
		rec.Credentials.SessionToken,
	)
	cfg, err := f.load(ctx, f.region, provider)
	if err != nil {
		return aws.Config{}, 0, fmt.Errorf("%w: %v", ErrClientConstruction, err)
	}

	f.mu.Lock()
	// A concurrent rebuild for a newer generation wins.
	if f.cached == nil || gen >= f.generation {
		f.cached = &cfg
		f.generation = gen
	}
	f.mu.Unlock()

	f.logger.Debug("session configuration built",
		slog.Uint64("generation", gen),
		slog.String("region", f.region),
	)
	return cfg, gen, nil
}

// STS returns an STS client bound to the current lease and the generation
// it was built from.
func (f *Factory) STS(ctx context.Context) (*sts.Client, uint64, error) {
	cfg, gen, err := f.Config(ctx)
	if err != nil {
		return nil, 0, err
	}
	return sts.NewFromConfig(cfg), gen, nil
}

// CallerIdentity verifies the current credentials against STS and returns
// the identity they resolve to.
func (f *Factory) CallerIdentity(ctx context.Context) (*Identity, error) {
	cfg, gen, err := f.Config(ctx)
	if err != nil {
		return nil, err
	}

	out, err := f.newSTS(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("verifying caller identity: %w", err)
	}

	id := &Identity{
		Account: aws.ToString(out.Account),
		ARN:     aws.ToString(out.Arn),
		UserID:  aws.ToString(out.UserId),
	}
	f.logger.Info("caller identity verified",
		slog.Uint64("generation", gen),
		slog.String("account", id.Account),
		slog.String("arn", id.ARN),
	)
	return id, nil
}
