package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gitpod-io/entitlement/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeOrgStore struct {
	orgs  map[string]*store.Organization
	err   error
	calls int
}

func (f *fakeOrgStore) GetOrganization(ctx context.Context, id string) (*store.Organization, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.orgs[id], nil
}

type fakeStrategy struct {
	strategies map[AttributionID]BillingStrategy
	err        error
	calls      int
}

func (f *fakeStrategy) GetCurrentBillingStrategy(ctx context.Context, attr AttributionID) (BillingStrategy, error) {
	f.calls++
	if f.err != nil {
		return BillingStrategyUnknown, f.err
	}
	return f.strategies[attr], nil
}

func newTestResolver(t *testing.T, paymentEnabled bool, orgs *fakeOrgStore, strategy *fakeStrategy) *Resolver {
	t.Helper()
	if orgs == nil {
		orgs = &fakeOrgStore{}
	}
	if strategy == nil {
		strategy = &fakeStrategy{}
	}
	return NewResolver(paymentEnabled, orgs, strategy, testLogger())
}

func TestResolvePaymentDisabled(t *testing.T) {
	orgs := &fakeOrgStore{orgs: map[string]*store.Organization{
		"org-1": {ID: "org-1", Name: "acme"},
	}}
	strategy := &fakeStrategy{err: errors.New("backend must not be called")}
	r := newTestResolver(t, false, orgs, strategy)

	mode, err := r.Resolve(context.Background(), TeamAttribution("org-1"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if mode.Mode != BillingModeNone {
		t.Fatalf("mode = %q, want %q", mode.Mode, BillingModeNone)
	}
	if mode.Paid != nil {
		t.Fatalf("paid = %v, want absent", *mode.Paid)
	}
	if strategy.calls != 0 {
		t.Fatalf("strategy consulted %d times with payment disabled, want 0", strategy.calls)
	}
}

func TestResolveStripeIsPaid(t *testing.T) {
	orgs := &fakeOrgStore{orgs: map[string]*store.Organization{
		"org-1": {ID: "org-1", Name: "acme"},
	}}
	strategy := &fakeStrategy{strategies: map[AttributionID]BillingStrategy{
		TeamAttribution("org-1"): BillingStrategyStripe,
	}}
	r := newTestResolver(t, true, orgs, strategy)

	mode, err := r.Resolve(context.Background(), TeamAttribution("org-1"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if mode.Mode != BillingModeUsageBased {
		t.Fatalf("mode = %q, want %q", mode.Mode, BillingModeUsageBased)
	}
	if mode.Paid == nil || !*mode.Paid {
		t.Fatal("expected paid=true for stripe strategy")
	}
}

func TestResolveNonStripeIsUnpaid(t *testing.T) {
	for _, strategyVal := range []BillingStrategy{BillingStrategyOther, BillingStrategyUnknown} {
		orgs := &fakeOrgStore{orgs: map[string]*store.Organization{
			"org-1": {ID: "org-1"},
		}}
		strategy := &fakeStrategy{strategies: map[AttributionID]BillingStrategy{
			TeamAttribution("org-1"): strategyVal,
		}}
		r := newTestResolver(t, true, orgs, strategy)

		mode, err := r.Resolve(context.Background(), TeamAttribution("org-1"), time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if mode.Mode != BillingModeUsageBased {
			t.Fatalf("strategy %q: mode = %q, want %q", strategyVal, mode.Mode, BillingModeUsageBased)
		}
		if mode.Paid == nil || *mode.Paid {
			t.Fatalf("strategy %q: expected paid=false", strategyVal)
		}
	}
}

func TestResolveOrganizationNotFound(t *testing.T) {
	r := newTestResolver(t, true, &fakeOrgStore{}, nil)

	_, err := r.Resolve(context.Background(), TeamAttribution("ghost"), time.Now())
	if !errors.Is(err, ErrOrganizationNotFound) {
		t.Fatalf("err = %v, want ErrOrganizationNotFound", err)
	}
}

func TestResolveUnsupportedKind(t *testing.T) {
	r := newTestResolver(t, true, nil, nil)

	_, err := r.Resolve(context.Background(), UserAttribution("u1"), time.Now())
	if !errors.Is(err, ErrUnsupportedAttributionKind) {
		t.Fatalf("err = %v, want ErrUnsupportedAttributionKind", err)
	}
}

func TestResolveStrategyErrorPropagates(t *testing.T) {
	backendErr := errors.New("usage backend down")
	orgs := &fakeOrgStore{orgs: map[string]*store.Organization{
		"org-1": {ID: "org-1"},
	}}
	r := newTestResolver(t, true, orgs, &fakeStrategy{err: backendErr})

	_, err := r.Resolve(context.Background(), TeamAttribution("org-1"), time.Now())
	if !errors.Is(err, backendErr) {
		t.Fatalf("err = %v, want wrapped backend error", err)
	}
}

func TestResolveForUser(t *testing.T) {
	user := &store.User{ID: "u1"}

	disabled := newTestResolver(t, false, nil, nil)
	if mode := disabled.ResolveForUser(user, time.Now()); mode.Mode != BillingModeNone {
		t.Fatalf("payment disabled: mode = %q, want %q", mode.Mode, BillingModeNone)
	}

	enabled := newTestResolver(t, true, nil, nil)
	mode := enabled.ResolveForUser(user, time.Now())
	if mode.Mode != BillingModeUsageBased {
		t.Fatalf("payment enabled: mode = %q, want %q", mode.Mode, BillingModeUsageBased)
	}
	// The user path never reports paid status.
	if mode.Paid != nil {
		t.Fatalf("payment enabled: paid = %v, want absent", *mode.Paid)
	}
}

func TestBillingModeJSON(t *testing.T) {
	mode := NoneBillingMode()
	data := mustMarshal(t, mode)
	if string(data) != `{"mode":"none"}` {
		t.Fatalf("none mode JSON = %s", data)
	}

	paid := true
	data = mustMarshal(t, BillingMode{Mode: BillingModeUsageBased, Paid: &paid})
	if string(data) != `{"mode":"usage-based","paid":true}` {
		t.Fatalf("usage-based JSON = %s", data)
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
