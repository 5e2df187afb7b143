package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gitpod-io/entitlement/internal/config"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T, clients ...config.APIClient) *Service {
	t.Helper()
	return NewService(config.AuthConfig{
		JWTSecret: testJWTSecret,
		JWTExpiry: config.Duration{Duration: time.Hour},
		Clients:   clients,
	})
}

func testClient(t *testing.T, id, secret, role string) config.APIClient {
	t.Helper()
	hash, err := HashSecret(secret)
	if err != nil {
		t.Fatal(err)
	}
	return config.APIClient{ID: id, SecretHash: hash, Role: role}
}

func TestIssueAndValidateToken(t *testing.T) {
	svc := newTestService(t, testClient(t, "ws-manager", "s3cret", "admin"))
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, "ws-manager", "s3cret")
	if err != nil {
		t.Fatal(err)
	}

	identity, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if identity.ClientID != "ws-manager" || identity.Role != "admin" {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestIssueTokenRejectsBadCredentials(t *testing.T) {
	svc := newTestService(t, testClient(t, "ws-manager", "s3cret", "admin"))
	ctx := context.Background()

	if _, err := svc.IssueToken(ctx, "ws-manager", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong secret: err = %v", err)
	}
	if _, err := svc.IssueToken(ctx, "nobody", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown client: err = %v", err)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("token %q: err = %v, want ErrUnauthorized", token, err)
		}
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := newTestService(t, testClient(t, "ws-manager", "s3cret", "reader"))
	token, err := issuer.IssueToken(context.Background(), "ws-manager", "s3cret")
	if err != nil {
		t.Fatal(err)
	}

	other := NewService(config.AuthConfig{
		JWTSecret: "ffffffffffffffffffffffffffffffff",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})
	if _, err := other.ValidateToken(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("token signed with a different secret accepted: %v", err)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := NewService(config.AuthConfig{
		JWTSecret: testJWTSecret,
		JWTExpiry: config.Duration{Duration: -time.Minute},
		Clients:   []config.APIClient{testClient(t, "ws-manager", "s3cret", "reader")},
	})

	token, err := svc.IssueToken(context.Background(), "ws-manager", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestDefaultRoleIsReader(t *testing.T) {
	svc := newTestService(t, testClient(t, "ws-manager", "s3cret", ""))

	token, err := svc.IssueToken(context.Background(), "ws-manager", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	identity, err := svc.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if identity.Role != "reader" {
		t.Fatalf("role = %q, want reader", identity.Role)
	}
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.AuthConfig{JWTSecret: testJWTSecret})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "builtin" {
		t.Fatalf("default provider = %q, want builtin", p.Name())
	}

	if _, err := NewProvider(config.AuthConfig{Provider: "ldap"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
