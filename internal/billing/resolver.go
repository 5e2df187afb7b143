package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gitpod-io/entitlement/internal/store"
)

var (
	// ErrOrganizationNotFound means the referenced organization does not
	// exist; billing mode cannot be determined without its record.
	ErrOrganizationNotFound = errors.New("organization not found")
	// ErrUnsupportedAttributionKind is returned for non-team attributions
	// passed to Resolve.
	ErrUnsupportedAttributionKind = errors.New("unsupported attribution kind")
)

// OrganizationStore resolves organizations for billing-mode classification.
type OrganizationStore interface {
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
}

// StrategyProvider reports the current billing strategy for an attribution.
type StrategyProvider interface {
	GetCurrentBillingStrategy(ctx context.Context, attr AttributionID) (BillingStrategy, error)
}

// Resolver classifies an account into the billing mode that governs it at a
// given instant. It holds no state between calls; every resolution is a
// fresh combination of the payment-enablement flag and a live strategy
// lookup.
type Resolver struct {
	paymentEnabled bool
	orgs           OrganizationStore
	strategy       StrategyProvider
	logger         *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(paymentEnabled bool, orgs OrganizationStore, strategy StrategyProvider, logger *slog.Logger) *Resolver {
	return &Resolver{
		paymentEnabled: paymentEnabled,
		orgs:           orgs,
		strategy:       strategy,
		logger:         logger.With("component", "billing"),
	}
}

// Resolve returns the billing mode for an attribution. Only team
// attributions are supported through this entry point; user-level
// classification is reachable only through the deprecated ResolveForUser
// path.
func (r *Resolver) Resolve(ctx context.Context, attr AttributionID, now time.Time) (BillingMode, error) {
	switch attr.Kind {
	case AttributionKindTeam:
		org, err := r.orgs.GetOrganization(ctx, attr.ID)
		if err != nil {
			return BillingMode{}, fmt.Errorf("find organization %q: %w", attr.ID, err)
		}
		if org == nil {
			return BillingMode{}, fmt.Errorf("%w: %q", ErrOrganizationNotFound, attr.ID)
		}
		return r.ResolveForOrganization(ctx, org, now)
	default:
		return BillingMode{}, fmt.Errorf("%w: %q", ErrUnsupportedAttributionKind, attr.Kind)
	}
}

// ResolveForUser classifies an individual user.
//
// Deprecated: this path predates the org migration and intentionally never
// distinguishes paid from free for individual users. Callers that need paid
// status use the entitlement engine instead.
func (r *Resolver) ResolveForUser(user *store.User, now time.Time) BillingMode {
	if !r.paymentEnabled {
		return NoneBillingMode()
	}
	return BillingMode{Mode: BillingModeUsageBased}
}

// ResolveForOrganization classifies an organization. When payment is
// enabled, this makes one round-trip to the usage backend; a backend error
// propagates as-is, so callers see "mode unknown" rather than a guessed
// free tier.
func (r *Resolver) ResolveForOrganization(ctx context.Context, org *store.Organization, now time.Time) (BillingMode, error) {
	if !r.paymentEnabled {
		// Payment is not enabled, e.g. self-hosted. No backend call.
		return NoneBillingMode(), nil
	}

	strategy, err := r.strategy.GetCurrentBillingStrategy(ctx, TeamAttribution(org.ID))
	if err != nil {
		return BillingMode{}, fmt.Errorf("billing strategy for organization %q: %w", org.ID, err)
	}
	paid := strategy == BillingStrategyStripe
	r.logger.Debug("resolved billing mode", "organization", org.ID, "strategy", string(strategy), "paid", paid)
	return BillingMode{Mode: BillingModeUsageBased, Paid: &paid}, nil
}
