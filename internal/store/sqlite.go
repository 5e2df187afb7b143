package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			blocked INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS team_memberships (
			org_id TEXT NOT NULL REFERENCES organizations(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			role TEXT NOT NULL DEFAULT 'member',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (org_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_team_memberships_user_id ON team_memberships(user_id)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			attribution_id TEXT NOT NULL,
			plan_id TEXT NOT NULL DEFAULT '',
			start_date DATETIME NOT NULL,
			end_date DATETIME,
			cancelled_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_attribution_id ON subscriptions(attribution_id)`,
		`CREATE TABLE IF NOT EXISTS cost_centers (
			attribution_id TEXT PRIMARY KEY,
			billing_strategy TEXT NOT NULL DEFAULT 'other',
			spending_limit INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS usage_entries (
			id TEXT PRIMARY KEY,
			attribution_id TEXT NOT NULL,
			credits INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			effective_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_entries_attribution_id ON usage_entries(attribution_id)`,
		`CREATE TABLE IF NOT EXISTS workspace_instances (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT 'preparing',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, name, blocked, created_at) VALUES (?, ?, ?, ?)",
		user.ID, user.Name, user.Blocked, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, blocked, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Name, &u.Blocked, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) SetUserBlocked(ctx context.Context, id string, blocked bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET blocked = ? WHERE id = ?", blocked, id,
	)
	return err
}

// --- Organizations ---

func (s *SQLiteStore) CreateOrganization(ctx context.Context, org *Organization) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO organizations (id, name, created_at) VALUES (?, ?, ?)",
		org.ID, org.Name, org.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM organizations WHERE id = ?", id,
	).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &org, err
}

func (s *SQLiteStore) ListOrganizationsForUser(ctx context.Context, userID string) ([]Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.id, o.name, o.created_at FROM organizations o
		 JOIN team_memberships m ON m.org_id = o.id
		 WHERE m.user_id = ? ORDER BY o.created_at`,
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

func (s *SQLiteStore) AddTeamMembership(ctx context.Context, m *TeamMembership) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO team_memberships (org_id, user_id, role, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(org_id, user_id) DO UPDATE SET role = excluded.role`,
		m.OrgID, m.UserID, m.Role, m.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) RemoveTeamMembership(ctx context.Context, orgID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM team_memberships WHERE org_id = ? AND user_id = ?", orgID, userID,
	)
	return err
}

func (s *SQLiteStore) ListTeamMembers(ctx context.Context, orgID string) ([]TeamMembership, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT org_id, user_id, role, created_at FROM team_memberships WHERE org_id = ? ORDER BY created_at",
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

func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, attribution_id, plan_id, start_date, end_date, cancelled_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.AttributionID, sub.PlanID, sub.StartDate, sub.EndDate, sub.CancelledAt, sub.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx,
		`SELECT id, attribution_id, plan_id, start_date, end_date, cancelled_at, created_at
		 FROM subscriptions WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.AttributionID, &sub.PlanID, &sub.StartDate, &sub.EndDate, &sub.CancelledAt, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sub, err
}

func (s *SQLiteStore) FindActiveSubscription(ctx context.Context, attributionID string, at time.Time) (*Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx,
		`SELECT id, attribution_id, plan_id, start_date, end_date, cancelled_at, created_at
		 FROM subscriptions
		 WHERE attribution_id = ? AND cancelled_at IS NULL
		   AND start_date <= ? AND (end_date IS NULL OR end_date > ?)
		 ORDER BY start_date DESC LIMIT 1`,
		attributionID, at, at,
	).Scan(&sub.ID, &sub.AttributionID, &sub.PlanID, &sub.StartDate, &sub.EndDate, &sub.CancelledAt, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sub, err
}

func (s *SQLiteStore) CancelSubscription(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET cancelled_at = ? WHERE id = ? AND cancelled_at IS NULL", at, id,
	)
	return err
}

// --- Cost centers ---

func (s *SQLiteStore) UpsertCostCenter(ctx context.Context, cc *CostCenter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_centers (attribution_id, billing_strategy, spending_limit, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(attribution_id) DO UPDATE SET billing_strategy = excluded.billing_strategy, spending_limit = excluded.spending_limit`,
		cc.AttributionID, cc.BillingStrategy, cc.SpendingLimit, cc.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetCostCenter(ctx context.Context, attributionID string) (*CostCenter, error) {
	var cc CostCenter
	err := s.db.QueryRowContext(ctx,
		"SELECT attribution_id, billing_strategy, spending_limit, created_at FROM cost_centers WHERE attribution_id = ?",
		attributionID,
	).Scan(&cc.AttributionID, &cc.BillingStrategy, &cc.SpendingLimit, &cc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &cc, err
}

// --- Usage ---

func (s *SQLiteStore) AddUsageEntry(ctx context.Context, entry *UsageEntry) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO usage_entries (id, attribution_id, credits, description, effective_at) VALUES (?, ?, ?, ?, ?)",
		entry.ID, entry.AttributionID, entry.Credits, entry.Description, entry.EffectiveAt,
	)
	return err
}

func (s *SQLiteStore) SumUsedCredits(ctx context.Context, attributionID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(credits), 0) FROM usage_entries WHERE attribution_id = ?", attributionID,
	).Scan(&sum)
	return sum, err
}

// --- Workspace instances ---

func (s *SQLiteStore) UpsertWorkspaceInstance(ctx context.Context, inst *WorkspaceInstance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_instances (id, owner_id, workspace_id, phase, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET phase = excluded.phase`,
		inst.ID, inst.OwnerID, inst.WorkspaceID, inst.Phase, inst.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListRunningInstances(ctx context.Context, ownerID string) ([]WorkspaceInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, workspace_id, phase, created_at FROM workspace_instances
		 WHERE owner_id = ? AND phase NOT IN ('stopped') ORDER BY created_at`,
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

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
