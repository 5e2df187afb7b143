package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUser is a helper that inserts a user and returns it.
func createTestUser(t *testing.T, s *SQLiteStore, name string) *User {
	t.Helper()
	u := &User{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("createTestUser(%s): %v", name, err)
	}
	return u
}

// createTestOrg is a helper that inserts an organization and returns it.
func createTestOrg(t *testing.T, s *SQLiteStore, name string) *Organization {
	t.Helper()
	o := &Organization{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := s.CreateOrganization(context.Background(), o); err != nil {
		t.Fatalf("createTestOrg(%s): %v", name, err)
	}
	return o
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := createTestUser(t, s, "alice")

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "alice" {
		t.Fatalf("GetUser = %+v", got)
	}
	if got.Blocked {
		t.Fatal("new user must not be blocked")
	}

	if err := s.SetUserBlocked(ctx, u.ID, true); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Blocked {
		t.Fatal("expected user to be blocked")
	}

	missing, err := s.GetUser(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatalf("missing user = %+v, want nil", missing)
	}
}

func TestOrganizationsAndMemberships(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := createTestUser(t, s, "alice")
	orgA := createTestOrg(t, s, "acme")
	orgB := createTestOrg(t, s, "globex")
	createTestOrg(t, s, "unrelated")

	for _, org := range []*Organization{orgA, orgB} {
		err := s.AddTeamMembership(ctx, &TeamMembership{
			OrgID:     org.ID,
			UserID:    u.ID,
			Role:      "member",
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	orgs, err := s.ListOrganizationsForUser(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(orgs) != 2 {
		t.Fatalf("got %d orgs, want 2", len(orgs))
	}

	members, err := s.ListTeamMembers(ctx, orgA.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].UserID != u.ID {
		t.Fatalf("members = %+v", members)
	}

	if err := s.RemoveTeamMembership(ctx, orgA.ID, u.ID); err != nil {
		t.Fatal(err)
	}
	orgs, err = s.ListOrganizationsForUser(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(orgs) != 1 || orgs[0].ID != orgB.ID {
		t.Fatalf("after removal orgs = %+v", orgs)
	}

	missing, err := s.GetOrganization(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatalf("missing org = %+v, want nil", missing)
	}
}

func TestFindActiveSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	attr := "user:u1"

	// No subscription at all.
	sub, err := s.FindActiveSubscription(ctx, attr, now)
	if err != nil {
		t.Fatal(err)
	}
	if sub != nil {
		t.Fatalf("expected nil, got %+v", sub)
	}

	mkSub := func(id string, start time.Time, end *time.Time) *Subscription {
		t.Helper()
		sub := &Subscription{
			ID:            id,
			AttributionID: attr,
			PlanID:        "professional",
			StartDate:     start,
			EndDate:       end,
			CreatedAt:     now,
		}
		if err := s.CreateSubscription(ctx, sub); err != nil {
			t.Fatal(err)
		}
		return sub
	}

	// Expired subscription does not count.
	past := now.Add(-time.Hour)
	mkSub("expired", now.Add(-48*time.Hour), &past)
	// Future subscription does not count yet.
	mkSub("future", now.Add(24*time.Hour), nil)

	sub, err = s.FindActiveSubscription(ctx, attr, now)
	if err != nil {
		t.Fatal(err)
	}
	if sub != nil {
		t.Fatalf("expected nil with only expired/future subs, got %q", sub.ID)
	}

	// A live one.
	mkSub("live", now.Add(-time.Hour), nil)
	sub, err = s.FindActiveSubscription(ctx, attr, now)
	if err != nil {
		t.Fatal(err)
	}
	if sub == nil || sub.ID != "live" {
		t.Fatalf("got %+v, want the live subscription", sub)
	}
	if !sub.Active(now) {
		t.Fatal("Active() disagrees with the query")
	}

	// Cancellation takes it out of consideration.
	if err := s.CancelSubscription(ctx, "live", now); err != nil {
		t.Fatal(err)
	}
	sub, err = s.FindActiveSubscription(ctx, attr, now)
	if err != nil {
		t.Fatal(err)
	}
	if sub != nil {
		t.Fatalf("cancelled subscription still returned: %+v", sub)
	}

	got, err := s.GetSubscription(ctx, "live")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.CancelledAt == nil {
		t.Fatalf("GetSubscription after cancel = %+v", got)
	}
}

func TestCostCenterUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	missing, err := s.GetCostCenter(ctx, "team:none")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatalf("missing cost center = %+v, want nil", missing)
	}

	cc := &CostCenter{
		AttributionID:   "team:org-1",
		BillingStrategy: "other",
		SpendingLimit:   100,
		CreatedAt:       time.Now(),
	}
	if err := s.UpsertCostCenter(ctx, cc); err != nil {
		t.Fatal(err)
	}

	// Upsert replaces.
	cc.BillingStrategy = "stripe"
	cc.SpendingLimit = 500
	if err := s.UpsertCostCenter(ctx, cc); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCostCenter(ctx, "team:org-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.BillingStrategy != "stripe" || got.SpendingLimit != 500 {
		t.Fatalf("GetCostCenter = %+v", got)
	}
}

func TestUsageEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sum, err := s.SumUsedCredits(ctx, "user:u1")
	if err != nil {
		t.Fatal(err)
	}
	if sum != 0 {
		t.Fatalf("sum with no entries = %d, want 0", sum)
	}

	for i, credits := range []int64{10, 25, 5} {
		err := s.AddUsageEntry(ctx, &UsageEntry{
			ID:            uuid.New().String(),
			AttributionID: "user:u1",
			Credits:       credits,
			Description:   "workspace time",
			EffectiveAt:   time.Now().Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// Other attributions must not bleed in.
	err = s.AddUsageEntry(ctx, &UsageEntry{
		ID:            uuid.New().String(),
		AttributionID: "team:org-1",
		Credits:       1000,
		EffectiveAt:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	sum, err = s.SumUsedCredits(ctx, "user:u1")
	if err != nil {
		t.Fatal(err)
	}
	if sum != 40 {
		t.Fatalf("sum = %d, want 40", sum)
	}
}

func TestWorkspaceInstances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := &WorkspaceInstance{
		ID:          "i1",
		OwnerID:     "u1",
		WorkspaceID: "ws1",
		Phase:       "preparing",
		CreatedAt:   time.Now(),
	}
	if err := s.UpsertWorkspaceInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}

	// Phase transitions go through the same upsert.
	inst.Phase = "running"
	if err := s.UpsertWorkspaceInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}
	err := s.UpsertWorkspaceInstance(ctx, &WorkspaceInstance{
		ID: "i2", OwnerID: "u1", Phase: "stopped", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.UpsertWorkspaceInstance(ctx, &WorkspaceInstance{
		ID: "i3", OwnerID: "someone-else", Phase: "running", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	running, err := s.ListRunningInstances(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].ID != "i1" || running[0].Phase != "running" {
		t.Fatalf("running = %+v", running)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}
