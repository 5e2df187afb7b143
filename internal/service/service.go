// Package service ties the entitlement components together into one process.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gitpod-io/entitlement/internal/api"
	"github.com/gitpod-io/entitlement/internal/auth"
	"github.com/gitpod-io/entitlement/internal/billing"
	"github.com/gitpod-io/entitlement/internal/config"
	"github.com/gitpod-io/entitlement/internal/entitlement"
	"github.com/gitpod-io/entitlement/internal/store"
	"github.com/gitpod-io/entitlement/internal/usage"
)

// Service is the main entitlement service process.
type Service struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new service from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	usageSvc := usage.NewService(db, logger)
	resolver := billing.NewResolver(cfg.Payment.Enabled, db, usageSvc, logger)
	engine := entitlement.New(db, db, usageSvc, db, logger)

	apiSrv := api.NewServer(db, resolver, engine, authProvider, cfg, logger)

	s := &Service{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		api:          apiSrv,
		logger:       logger.With("component", "service"),
	}

	// Startup validation warnings.
	if authProvider.Name() == "builtin" && len(cfg.Auth.Clients) == 0 {
		logger.Warn("no API clients configured — every request will be rejected; add auth.clients or run 'entitlementd init'")
	}
	if !cfg.Payment.Enabled {
		logger.Info("payment is disabled — all accounts resolve to billing mode \"none\"")
	}

	return s, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("entitlement service listening", "addr", s.cfg.Server.Addr)
		if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			s.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			s.logger.Info("http server stopped gracefully")
		}

		s.logger.Info("closing store")
		_ = s.store.Close()
		s.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = s.store.Close()
		return err
	}
}
