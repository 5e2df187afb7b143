package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			blocked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS team_memberships (
			org_id TEXT NOT NULL REFERENCES organizations(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			role TEXT NOT NULL DEFAULT 'member',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (org_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_team_memberships_user_id ON team_memberships(user_id)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			attribution_id TEXT NOT NULL,
			plan_id TEXT NOT NULL DEFAULT '',
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_attribution_id ON subscriptions(attribution_id)`,
		`CREATE TABLE IF NOT EXISTS cost_centers (
			attribution_id TEXT PRIMARY KEY,
			billing_strategy TEXT NOT NULL DEFAULT 'other',
			spending_limit BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS usage_entries (
			id TEXT PRIMARY KEY,
			attribution_id TEXT NOT NULL,
			credits BIGINT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			effective_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_entries_attribution_id ON usage_entries(attribution_id)`,
		`CREATE TABLE IF NOT EXISTS workspace_instances (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT 'preparing',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workspace_instances_owner_id ON workspace_instances(owner_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, name, blocked, created_at) VALUES ($1, $2, $3, $4)",
		user.ID, user.Name, user.Blocked, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, blocked, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Name, &u.Blocked, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) SetUserBlocked(ctx context.Context, id string, blocked bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET blocked = $1 WHERE id = $2", blocked, id,
	)
	return err
}

// --- Organizations ---

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *Organization) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)",
		org.ID, org.Name, org.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM organizations WHERE id = $1", id,
	).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &org, err
}

func (s *PostgresStore) ListOrganizationsForUser(ctx context.Context, userID string) ([]Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.id, o.name, o.created_at FROM organizations o
		 JOIN team_memberships m ON m.org_id = o.id
		 WHERE m.user_id = $1 ORDER BY o.created_at`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []Organization
	for rows.Next() {
		var o Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// --- Team memberships ---

func (s *PostgresStore) AddTeamMembership(ctx context.Context, m *TeamMembership) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO team_memberships (org_id, user_id, role, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT(org_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		m.OrgID, m.UserID, m.Role, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) RemoveTeamMembership(ctx context.Context, orgID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM team_memberships WHERE org_id = $1 AND user_id = $2", orgID, userID,
	)
	return err
}

func (s *PostgresStore) ListTeamMembers(ctx context.Context, orgID string) ([]TeamMembership, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT org_id, user_id, role, created_at FROM team_memberships WHERE org_id = $1 ORDER BY created_at",
		orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []TeamMembership
	for rows.Next() {
		var m TeamMembership
		if err := rows.Scan(&m.OrgID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// --- Subscriptions ---

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, attribution_id, plan_id, start_date, end_date, cancelled_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.AttributionID, sub.PlanID, sub.StartDate, sub.EndDate, sub.CancelledAt, sub.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx,
		`SELECT id, attribution_id, plan_id, start_date, end_date, cancelled_at, created_at
		 FROM subscriptions WHERE id = $1`, id,
	).Scan(&sub.ID, &sub.AttributionID, &sub.PlanID, &sub.StartDate, &sub.EndDate, &sub.CancelledAt, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sub, err
}

func (s *PostgresStore) FindActiveSubscription(ctx context.Context, attributionID string, at time.Time) (*Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx,
		`SELECT id, attribution_id, plan_id, start_date, end_date, cancelled_at, created_at
		 FROM subscriptions
		 WHERE attribution_id = $1 AND cancelled_at IS NULL
		   AND start_date <= $2 AND (end_date IS NULL OR end_date > $2)
		 ORDER BY start_date DESC LIMIT 1`,
		attributionID, at,
	).Scan(&sub.ID, &sub.AttributionID, &sub.PlanID, &sub.StartDate, &sub.EndDate, &sub.CancelledAt, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sub, err
}

func (s *PostgresStore) CancelSubscription(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET cancelled_at = $1 WHERE id = $2 AND cancelled_at IS NULL", at, id,
	)
	return err
}

// --- Cost centers ---

func (s *PostgresStore) UpsertCostCenter(ctx context.Context, cc *CostCenter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_centers (attribution_id, billing_strategy, spending_limit, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT(attribution_id) DO UPDATE SET billing_strategy = EXCLUDED.billing_strategy, spending_limit = EXCLUDED.spending_limit`,
		cc.AttributionID, cc.BillingStrategy, cc.SpendingLimit, cc.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetCostCenter(ctx context.Context, attributionID string) (*CostCenter, error) {
	var cc CostCenter
	err := s.db.QueryRowContext(ctx,
		"SELECT attribution_id, billing_strategy, spending_limit, created_at FROM cost_centers WHERE attribution_id = $1",
		attributionID,
	).Scan(&cc.AttributionID, &cc.BillingStrategy, &cc.SpendingLimit, &cc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &cc, err
}

// --- Usage ---

func (s *PostgresStore) AddUsageEntry(ctx context.Context, entry *UsageEntry) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO usage_entries (id, attribution_id, credits, description, effective_at) VALUES ($1, $2, $3, $4, $5)",
		entry.ID, entry.AttributionID, entry.Credits, entry.Description, entry.EffectiveAt,
	)
	return err
}

func (s *PostgresStore) SumUsedCredits(ctx context.Context, attributionID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(credits), 0) FROM usage_entries WHERE attribution_id = $1", attributionID,
	).Scan(&sum)
	return sum, err
}

// --- Workspace instances ---

func (s *PostgresStore) UpsertWorkspaceInstance(ctx context.Context, inst *WorkspaceInstance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_instances (id, owner_id, workspace_id, phase, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(id) DO UPDATE SET phase = EXCLUDED.phase`,
		inst.ID, inst.OwnerID, inst.WorkspaceID, inst.Phase, inst.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListRunningInstances(ctx context.Context, ownerID string) ([]WorkspaceInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, workspace_id, phase, created_at FROM workspace_instances
		 WHERE owner_id = $1 AND phase NOT IN ('stopped') ORDER BY created_at`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []WorkspaceInstance
	for rows.Next() {
		var inst WorkspaceInstance
		if err := rows.Scan(&inst.ID, &inst.OwnerID, &inst.WorkspaceID, &inst.Phase, &inst.CreatedAt); err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// --- Health ---

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
