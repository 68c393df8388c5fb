package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeSecretsManager struct {
	values map[string]string
	err    error
}

func (c *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	v := c.values[*in.SecretId]
	return &secretsmanager.GetSecretValueOutput{SecretString: &v}, nil
}

func TestResolver_Env(t *testing.T) {
	t.Setenv("TIMELOCK_TEST_API_TOKEN", "  tok-1  ")

	r := NewResolver(nil)
	got, err := r.Resolve(context.Background(), "env:TIMELOCK_TEST_API_TOKEN")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "tok-1" {
		t.Fatalf("value mismatch: got %q", got)
	}
	if _, err := r.Resolve(context.Background(), "env:TIMELOCK_TEST_MISSING_XYZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolver_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gov.key")
	if err := os.WriteFile(path, []byte("0xabc\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := NewResolver(nil)
	got, err := r.Resolve(context.Background(), "file:"+path)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "0xabc" {
		t.Fatalf("value mismatch: got %q", got)
	}
	if _, err := r.Resolve(context.Background(), "file:"+path+".missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolver_AWS(t *testing.T) {
	t.Parallel()

	p, err := NewAWSWithClient(&fakeSecretsManager{values: map[string]string{
		"timelock/prod/dsn": " postgres://x ",
		"timelock/empty":    "",
	}})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	r := NewResolver(p)

	got, err := r.Resolve(context.Background(), "aws:timelock/prod/dsn")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "postgres://x" {
		t.Fatalf("secret mismatch: got %q", got)
	}
	if _, err := r.Resolve(context.Background(), "aws:timelock/empty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	failing, _ := NewAWSWithClient(&fakeSecretsManager{err: errors.New("throttled")})
	if _, err := NewResolver(failing).Resolve(context.Background(), "aws:x"); err == nil {
		t.Fatalf("expected error from failing client")
	}
}

func TestResolver_RejectsBadReferences(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	for _, ref := range []string{"", "plain-secret", "env:", "aws:timelock/dsn", "vault:x"} {
		if _, err := r.Resolve(context.Background(), ref); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("Resolve(%q): expected ErrInvalidConfig, got %v", ref, err)
		}
	}
	if _, err := NewAWSWithClient(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for nil client, got %v", err)
	}
}

func TestNeedsAWS(t *testing.T) {
	t.Parallel()

	if NeedsAWS("env:A", "file:/x") {
		t.Fatalf("expected false")
	}
	if !NeedsAWS("env:A", " AWS:timelock/dsn") {
		t.Fatalf("expected true")
	}
}
