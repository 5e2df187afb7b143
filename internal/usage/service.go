// Package usage implements the usage backend the decision engine consults
// for billing strategies and usage-limit checks.
package usage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gitpod-io/entitlement/internal/billing"
	"github.com/gitpod-io/entitlement/internal/store"
)

// LimitResult is the outcome of a usage-limit check. AttributionID names the
// cost center whose limit was exceeded, which may differ from the requesting
// user's own attribution (e.g. an org the user starts workspaces in).
type LimitResult struct {
	Reached       bool                  `json:"reached"`
	AttributionID billing.AttributionID `json:"attribution_id,omitzero"`
}

// Service answers billing-strategy and usage-limit questions from recorded
// cost centers and usage entries.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a usage Service.
func NewService(s store.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  s,
		logger: logger.With("component", "usage"),
	}
}

// GetCurrentBillingStrategy returns the billing strategy recorded for an
// attribution, or BillingStrategyUnknown when it has no cost center.
func (s *Service) GetCurrentBillingStrategy(ctx context.Context, attr billing.AttributionID) (billing.BillingStrategy, error) {
	cc, err := s.store.GetCostCenter(ctx, attr.String())
	if err != nil {
		return billing.BillingStrategyUnknown, fmt.Errorf("cost center for %s: %w", attr, err)
	}
	if cc == nil {
		return billing.BillingStrategyUnknown, nil
	}
	return billing.BillingStrategy(cc.BillingStrategy), nil
}

// CheckUsageLimitReached reports whether the billable attribution for a
// start request has exhausted its spending limit. Usage is attributed to the
// organization when one is given, to the user otherwise.
func (s *Service) CheckUsageLimitReached(ctx context.Context, user *store.User, organizationID string) (LimitResult, error) {
	attr := billing.UserAttribution(user.ID)
	if organizationID != "" {
		attr = billing.TeamAttribution(organizationID)
	}

	cc, err := s.store.GetCostCenter(ctx, attr.String())
	if err != nil {
		return LimitResult{}, fmt.Errorf("cost center for %s: %w", attr, err)
	}
	if cc == nil || cc.SpendingLimit <= 0 {
		// No cost center or no limit configured: nothing to exhaust.
		return LimitResult{}, nil
	}

	used, err := s.store.SumUsedCredits(ctx, attr.String())
	if err != nil {
		return LimitResult{}, fmt.Errorf("used credits for %s: %w", attr, err)
	}
	if used >= cc.SpendingLimit {
		s.logger.Debug("usage limit reached", "attribution", attr.String(), "used", used, "limit", cc.SpendingLimit)
		return LimitResult{Reached: true, AttributionID: attr}, nil
	}
	return LimitResult{}, nil
}
