package auth

import (
	"fmt"

	"github.com/gitpod-io/entitlement/internal/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewService(cfg), nil
	case "jwks":
		return NewJWKSProvider(cfg.Issuer)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
