// Package auth provides authentication for API callers of the entitlement
// service.
package auth

import (
	"context"
	"errors"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Identity is the unified caller identity for all auth providers.
type Identity struct {
	ClientID string
	Role     string // "admin" or "reader"
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// TokenIssuer is implemented by providers that support client-credential
// token issuance.
type TokenIssuer interface {
	IssueToken(ctx context.Context, clientID, clientSecret string) (string, error)
}
