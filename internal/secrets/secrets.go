// Package secrets resolves secret references such as API tokens, DSNs and governance keys.
//
// A reference is "env:NAME", "aws:SECRET_ID" or "file:PATH". Plain values are rejected so that
// secrets never appear verbatim in flags or process listings.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client SecretsManagerAPI
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client SecretsManagerAPI) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}
	if out.SecretString != nil {
		if v := strings.TrimSpace(*out.SecretString); v != "" {
			return v, nil
		}
	}
	if v := strings.TrimSpace(string(out.SecretBinary)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
}

type EnvProvider struct{}

func (EnvProvider) Get(_ context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty env name", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, name)
	}
	return v, nil
}

type FileProvider struct{}

func (FileProvider) Get(_ context.Context, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty file path", ErrInvalidConfig)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: file %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("secrets: read %s: %w", path, err)
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", fmt.Errorf("%w: file %s is empty", ErrNotFound, path)
	}
	return v, nil
}

// Resolver dispatches a reference to the provider for its scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver registers env and file. aws is registered only when non-nil, because
// loading AWS credentials is not free.
func NewResolver(aws Provider) *Resolver {
	r := &Resolver{providers: map[string]Provider{
		"env":  EnvProvider{},
		"file": FileProvider{},
	}}
	if aws != nil {
		r.providers["aws"] = aws
	}
	return r
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, key, ok := strings.Cut(strings.TrimSpace(ref), ":")
	if !ok || key == "" {
		return "", fmt.Errorf("%w: reference must be scheme:key", ErrInvalidConfig)
	}
	p, ok := r.providers[strings.ToLower(scheme)]
	if !ok {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, scheme)
	}
	return p.Get(ctx, key)
}

// NeedsAWS reports whether any of refs uses the aws scheme.
func NeedsAWS(refs ...string) bool {
	for _, ref := range refs {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(ref)), "aws:") {
			return true
		}
	}
	return false
}
