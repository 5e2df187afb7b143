// Package store defines the storage interface for the entitlement service
// and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface behind the decision engine's ports.
// Get-style methods return (nil, nil) when the record does not exist.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	SetUserBlocked(ctx context.Context, id string, blocked bool) error

	// Organizations
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	ListOrganizationsForUser(ctx context.Context, userID string) ([]Organization, error)

	// Team memberships
	AddTeamMembership(ctx context.Context, m *TeamMembership) error
	RemoveTeamMembership(ctx context.Context, orgID, userID string) error
	ListTeamMembers(ctx context.Context, orgID string) ([]TeamMembership, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	FindActiveSubscription(ctx context.Context, attributionID string, at time.Time) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string, at time.Time) error

	// Cost centers
	UpsertCostCenter(ctx context.Context, cc *CostCenter) error
	GetCostCenter(ctx context.Context, attributionID string) (*CostCenter, error)

	// Usage
	AddUsageEntry(ctx context.Context, entry *UsageEntry) error
	SumUsedCredits(ctx context.Context, attributionID string) (int64, error)

	// Workspace instances
	UpsertWorkspaceInstance(ctx context.Context, inst *WorkspaceInstance) error
	ListRunningInstances(ctx context.Context, ownerID string) ([]WorkspaceInstance, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is an individual account.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Blocked   bool      `json:"blocked,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Organization is a team account that users belong to.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// TeamMembership links a user to an organization.
type TeamMembership struct {
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"` // "owner" or "member"
	CreatedAt time.Time `json:"created_at"`
}

// Subscription is a personal paid subscription, keyed by the rendered
// attribution id of its holder.
type Subscription struct {
	ID            string     `json:"id"`
	AttributionID string     `json:"attribution_id"`
	PlanID        string     `json:"plan_id"`
	StartDate     time.Time  `json:"start_date"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Active reports whether the subscription is in effect at t: started, not
// ended, and not cancelled.
func (s *Subscription) Active(t time.Time) bool {
	if s.StartDate.After(t) {
		return false
	}
	if s.EndDate != nil && !s.EndDate.After(t) {
		return false
	}
	return s.CancelledAt == nil
}

// CostCenter holds the billing strategy and spending limit for an
// attribution, as reported by the payment backend.
type CostCenter struct {
	AttributionID   string    `json:"attribution_id"`
	BillingStrategy string    `json:"billing_strategy"` // "stripe" or "other"
	SpendingLimit   int64     `json:"spending_limit"`   // credits; 0 = unlimited
	CreatedAt       time.Time `json:"created_at"`
}

// UsageEntry records credits drawn against an attribution.
type UsageEntry struct {
	ID            string    `json:"id"`
	AttributionID string    `json:"attribution_id"`
	Credits       int64     `json:"credits"`
	Description   string    `json:"description,omitempty"`
	EffectiveAt   time.Time `json:"effective_at"`
}

// WorkspaceInstance is the engine's view of a live workspace: owner and
// status phase only. The orchestrator reports phase transitions; the engine
// never mutates instances.
type WorkspaceInstance struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	WorkspaceID string    `json:"workspace_id"`
	Phase       string    `json:"phase"` // preparing, building, running, stopping, stopped
	CreatedAt   time.Time `json:"created_at"`
}
