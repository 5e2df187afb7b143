// Package entitlement implements the decision engine that workspace
// orchestration consults before admitting or configuring a workspace.
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gitpod-io/entitlement/internal/billing"
	"github.com/gitpod-io/entitlement/internal/store"
	"github.com/gitpod-io/entitlement/internal/usage"
)

// Parallel-workspace caps per tier.
const (
	MaxParallelWorkspacesFree = 4
	MaxParallelWorkspacesPaid = 16
)

// Default workspace timeouts and lifetimes per tier.
const (
	WorkspaceTimeoutShort = "30m"
	WorkspaceTimeoutLong  = "60m"

	WorkspaceLifetimeShort = "8h"
	WorkspaceLifetimeLong  = "36h"
)

// PhasePreparing is the instance phase that does not yet count against the
// parallel-workspace cap.
const PhasePreparing = "preparing"

// BillingTier is the coarse paid/free classification of a user.
type BillingTier string

const (
	BillingTierFree BillingTier = "free"
	BillingTierPaid BillingTier = "paid"
)

// AccountStore lists the organizations a user belongs to.
type AccountStore interface {
	ListOrganizationsForUser(ctx context.Context, userID string) ([]store.Organization, error)
}

// SubscriptionLookup finds an active, non-cancelled subscription for an
// attribution. Returns nil when there is none.
type SubscriptionLookup interface {
	FindActiveSubscription(ctx context.Context, attributionID string, at time.Time) (*store.Subscription, error)
}

// UsageService reports billing strategies and usage-limit state.
type UsageService interface {
	GetCurrentBillingStrategy(ctx context.Context, attr billing.AttributionID) (billing.BillingStrategy, error)
	CheckUsageLimitReached(ctx context.Context, user *store.User, organizationID string) (usage.LimitResult, error)
}

// InstanceSource supplies the currently live workspace instances of a user.
type InstanceSource interface {
	ListRunningInstances(ctx context.Context, ownerID string) ([]store.WorkspaceInstance, error)
}

// ParallelWorkspaceLimit describes a hit concurrency cap.
type ParallelWorkspaceLimit struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// MayStartWorkspaceResult carries the two independent admission signals.
// The engine reports facts; the orchestrator decides how to combine them.
type MayStartWorkspaceResult struct {
	UsageLimitReachedOnCostCenter *billing.AttributionID  `json:"usageLimitReachedOnCostCenter,omitempty"`
	HitParallelWorkspaceLimit     *ParallelWorkspaceLimit `json:"hitParallelWorkspaceLimit,omitempty"`
}

// Engine answers the entitlement questions orchestration needs. Every call
// is a pure function of current external state; the engine holds no mutable
// state between calls and is safe for concurrent use.
type Engine struct {
	accounts      AccountStore
	subscriptions SubscriptionLookup
	usage         UsageService
	instances     InstanceSource
	logger        *slog.Logger
}

// New creates an Engine with its collaborator ports.
func New(accounts AccountStore, subscriptions SubscriptionLookup, usageSvc UsageService, instances InstanceSource, logger *slog.Logger) *Engine {
	return &Engine{
		accounts:      accounts,
		subscriptions: subscriptions,
		usage:         usageSvc,
		instances:     instances,
		logger:        logger.With("component", "entitlement"),
	}
}

// hasPaidSubscription reports whether a user is on a paid tier: either an
// active un-cancelled personal subscription, or membership in at least one
// organization billed via stripe. Organization lookups fan out concurrently
// and the first stripe result wins; false requires all lookups to settle.
func (e *Engine) hasPaidSubscription(ctx context.Context, user *store.User, now time.Time) (bool, error) {
	sub, err := e.subscriptions.FindActiveSubscription(ctx, billing.UserAttribution(user.ID).String(), now)
	if err != nil {
		return false, fmt.Errorf("find subscription for user %q: %w", user.ID, err)
	}
	if sub != nil {
		return true, nil
	}

	orgs, err := e.accounts.ListOrganizationsForUser(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("list organizations for user %q: %w", user.ID, err)
	}

	checks := make([]func(context.Context) (bool, error), 0, len(orgs))
	for _, org := range orgs {
		checks = append(checks, func(ctx context.Context) (bool, error) {
			strategy, err := e.usage.GetCurrentBillingStrategy(ctx, billing.TeamAttribution(org.ID))
			if err != nil {
				return false, fmt.Errorf("billing strategy for organization %q: %w", org.ID, err)
			}
			return strategy == billing.BillingStrategyStripe, nil
		})
	}
	paid, err := anyTrue(ctx, checks)
	if err != nil {
		return false, err
	}
	if paid {
		e.logger.Debug("user is paid via organization billing", "user_id", user.ID, "organizations", len(orgs))
	}
	return paid, nil
}

// anyTrue runs all checks concurrently and resolves true as soon as the
// first check reports true; remaining checks are cancelled. It resolves
// false only after every check has settled. A failing check never masks a
// true result from a sibling; the first error surfaces only when no check
// reported true.
func anyTrue(ctx context.Context, checks []func(context.Context) (bool, error)) (bool, error) {
	if len(checks) == 0 {
		return false, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		ok  bool
		err error
	}
	results := make(chan outcome, len(checks))
	for _, check := range checks {
		go func() {
			ok, err := check(ctx)
			results <- outcome{ok: ok, err: err}
		}()
	}

	var firstErr error
	for range checks {
		res := <-results
		if res.ok {
			return true, nil
		}
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
	}
	return false, firstErr
}

// MayStartWorkspace checks the two admission signals for starting another
// workspace: the usage limit on the billable cost center, and the
// parallel-workspace cap. Both checks run concurrently so latency is
// bounded by the slower of the two.
func (e *Engine) MayStartWorkspace(ctx context.Context, user *store.User, organizationID string, now time.Time) (MayStartWorkspaceResult, error) {
	var (
		result           MayStartWorkspaceResult
		wg               sync.WaitGroup
		usageErr, capErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := e.usage.CheckUsageLimitReached(ctx, user, organizationID)
		if err != nil {
			usageErr = err
			return
		}
		if res.Reached {
			attr := res.AttributionID
			result.UsageLimitReachedOnCostCenter = &attr
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		limit, err := e.GetMaxParallelWorkspaces(ctx, user, now)
		if err != nil {
			capErr = err
			return
		}
		instances, err := e.instances.ListRunningInstances(ctx, user.ID)
		if err != nil {
			capErr = fmt.Errorf("list running instances for user %q: %w", user.ID, err)
			return
		}
		current := 0
		for _, inst := range instances {
			// An instance still only preparing does not count against the cap.
			if inst.Phase != PhasePreparing {
				current++
			}
		}
		if current >= limit {
			result.HitParallelWorkspaceLimit = &ParallelWorkspaceLimit{Current: current, Max: limit}
		}
	}()

	wg.Wait()
	if usageErr != nil {
		return MayStartWorkspaceResult{}, fmt.Errorf("usage limit check: %w", usageErr)
	}
	if capErr != nil {
		return MayStartWorkspaceResult{}, fmt.Errorf("parallel workspace check: %w", capErr)
	}
	return result, nil
}

// GetMaxParallelWorkspaces returns how many workspaces the user may run
// concurrently.
func (e *Engine) GetMaxParallelWorkspaces(ctx context.Context, user *store.User, now time.Time) (int, error) {
	paid, err := e.hasPaidSubscription(ctx, user, now)
	if err != nil {
		return 0, err
	}
	if paid {
		return MaxParallelWorkspacesPaid, nil
	}
	return MaxParallelWorkspacesFree, nil
}

// MaySetTimeout reports whether the user may set custom workspace timeouts.
func (e *Engine) MaySetTimeout(ctx context.Context, user *store.User, now time.Time) (bool, error) {
	return e.hasPaidSubscription(ctx, user, now)
}

// GetDefaultWorkspaceTimeout returns the default idle timeout for new
// workspaces of this user.
func (e *Engine) GetDefaultWorkspaceTimeout(ctx context.Context, user *store.User, now time.Time) (string, error) {
	paid, err := e.hasPaidSubscription(ctx, user, now)
	if err != nil {
		return "", err
	}
	if paid {
		return WorkspaceTimeoutLong, nil
	}
	return WorkspaceTimeoutShort, nil
}

// GetDefaultWorkspaceLifetime returns the default absolute lifetime for new
// workspaces of this user.
func (e *Engine) GetDefaultWorkspaceLifetime(ctx context.Context, user *store.User, now time.Time) (string, error) {
	paid, err := e.hasPaidSubscription(ctx, user, now)
	if err != nil {
		return "", err
	}
	if paid {
		return WorkspaceLifetimeLong, nil
	}
	return WorkspaceLifetimeShort, nil
}

// UserGetsMoreResources reports whether the user's workspaces get a larger
// resource class.
//
// Deprecated: the more-resources program is discontinued; this always
// returns false and is retained only so callers keep a stable contract.
func (e *Engine) UserGetsMoreResources(ctx context.Context, user *store.User) (bool, error) {
	return false, nil
}

// LimitNetworkConnections reports whether workspace network egress should
// be restricted. This is a temporary blanket restriction for abuse
// mitigation and deliberately applies to both tiers.
func (e *Engine) LimitNetworkConnections(ctx context.Context, user *store.User) (bool, error) {
	return true, nil
}

// Entitlements bundles every per-user entitlement signal, derived from a
// single paid-tier classification.
type Entitlements struct {
	BillingTier              BillingTier `json:"billing_tier"`
	MaxParallelWorkspaces    int         `json:"max_parallel_workspaces"`
	MaySetTimeout            bool        `json:"may_set_timeout"`
	DefaultWorkspaceTimeout  string      `json:"default_workspace_timeout"`
	DefaultWorkspaceLifetime string      `json:"default_workspace_lifetime"`
	UserGetsMoreResources    bool        `json:"user_gets_more_resources"`
	LimitNetworkConnections  bool        `json:"limit_network_connections"`
}

// GetEntitlements answers all per-user entitlement questions in one call,
// running the paid-subscription fan-out exactly once.
func (e *Engine) GetEntitlements(ctx context.Context, user *store.User, now time.Time) (Entitlements, error) {
	paid, err := e.hasPaidSubscription(ctx, user, now)
	if err != nil {
		return Entitlements{}, err
	}

	ent := Entitlements{
		BillingTier:              BillingTierFree,
		MaxParallelWorkspaces:    MaxParallelWorkspacesFree,
		DefaultWorkspaceTimeout:  WorkspaceTimeoutShort,
		DefaultWorkspaceLifetime: WorkspaceLifetimeShort,
		LimitNetworkConnections:  true,
	}
	if paid {
		ent.BillingTier = BillingTierPaid
		ent.MaxParallelWorkspaces = MaxParallelWorkspacesPaid
		ent.MaySetTimeout = true
		ent.DefaultWorkspaceTimeout = WorkspaceTimeoutLong
		ent.DefaultWorkspaceLifetime = WorkspaceLifetimeLong
	}
	return ent, nil
}

// GetBillingTier returns the coarse paid/free classification of the user as
// of now.
func (e *Engine) GetBillingTier(ctx context.Context, user *store.User) (BillingTier, error) {
	paid, err := e.hasPaidSubscription(ctx, user, time.Now())
	if err != nil {
		return "", err
	}
	if paid {
		return BillingTierPaid, nil
	}
	return BillingTierFree, nil
}
