// Package api provides the HTTP API and middleware for the entitlement
// service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/gitpod-io/entitlement/internal/auth"
	"github.com/gitpod-io/entitlement/internal/billing"
	"github.com/gitpod-io/entitlement/internal/config"
	"github.com/gitpod-io/entitlement/internal/entitlement"
	"github.com/gitpod-io/entitlement/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	resolver     *billing.Resolver
	engine       *entitlement.Engine
	authProvider auth.Provider
	tokenIssuer  auth.TokenIssuer
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	tokenRL      *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, resolver *billing.Resolver, engine *entitlement.Engine, ap auth.Provider, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		resolver:     resolver,
		engine:       engine,
		authProvider: ap,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if ti, ok := ap.(auth.TokenIssuer); ok {
		srv.tokenIssuer = ti
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(srv.requestLogMiddleware)
	mux.Use(securityHeadersMiddleware)

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Token route only registered for the builtin provider.
	if srv.tokenIssuer != nil {
		srv.tokenRL = newRateLimiter(5, 10)
		mux.With(tokenIPRateLimitMiddleware(srv.tokenRL)).Post("/api/auth/token", srv.handleToken)
	}

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/billing-mode/{attributionID}", srv.handleBillingMode)
		r.Get("/api/users/{userID}/entitlements", srv.handleGetEntitlements)
		r.Post("/api/users/{userID}/may-start-workspace", srv.handleMayStartWorkspace)

		// Admin routes: the data plane that feeds the decision engine.
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Post("/api/admin/users", srv.handleCreateUser)
			r.Post("/api/admin/users/{userID}/blocked", srv.handleSetUserBlocked)
			r.Post("/api/admin/organizations", srv.handleCreateOrganization)
			r.Post("/api/admin/organizations/{orgID}/members", srv.handleAddMember)
			r.Delete("/api/admin/organizations/{orgID}/members/{userID}", srv.handleRemoveMember)
			r.Post("/api/admin/subscriptions", srv.handleCreateSubscription)
			r.Post("/api/admin/subscriptions/{subscriptionID}/cancel", srv.handleCancelSubscription)
			r.Put("/api/admin/cost-centers/{attributionID}", srv.handleUpsertCostCenter)
			r.Post("/api/admin/usage", srv.handleAddUsageEntry)
			r.Put("/api/admin/instances/{instanceID}", srv.handleUpsertInstance)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth handlers ---

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		writeError(w, http.StatusBadRequest, "client_id and client_secret are required")
		return
	}

	token, err := s.tokenIssuer.IssueToken(r.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		s.logger.Warn("token request rejected", "client_id", req.ClientID)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- Entitlement handlers ---

func (s *Server) handleBillingMode(w http.ResponseWriter, r *http.Request) {
	attr, err := billing.ParseAttributionID(chi.URLParam(r, "attributionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mode, err := s.resolver.Resolve(r.Context(), attr, time.Now())
	if err != nil {
		s.writeResolveError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mode)
}

func (s *Server) handleGetEntitlements(w http.ResponseWriter, r *http.Request) {
	user, ok := s.lookupUser(w, r)
	if !ok {
		return
	}

	ent, err := s.engine.GetEntitlements(r.Context(), user, time.Now())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (s *Server) handleMayStartWorkspace(w http.ResponseWriter, r *http.Request) {
	user, ok := s.lookupUser(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		OrganizationID string `json:"organization_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.engine.MayStartWorkspace(r.Context(), user, req.OrganizationID, time.Now())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Admin handlers ---

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	user := &store.User{ID: req.ID, Name: req.Name, CreatedAt: time.Now()}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.logger.Error("create user failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleSetUserBlocked(w http.ResponseWriter, r *http.Request) {
	user, ok := s.lookupUser(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Blocked bool `json:"blocked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.SetUserBlocked(r.Context(), user.ID, req.Blocked); err != nil {
		s.logger.Error("set user blocked failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": user.ID, "blocked": req.Blocked})
}

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	org := &store.Organization{ID: req.ID, Name: req.Name, CreatedAt: time.Now()}
	if err := s.store.CreateOrganization(r.Context(), org); err != nil {
		s.logger.Error("create organization failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create organization")
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Role == "" {
		req.Role = "member"
	}

	m := &store.TeamMembership{OrgID: orgID, UserID: req.UserID, Role: req.Role, CreatedAt: time.Now()}
	if err := s.store.AddTeamMembership(r.Context(), m); err != nil {
		s.logger.Error("add membership failed", "org_id", orgID, "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to add member")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	userID := chi.URLParam(r, "userID")
	if err := s.store.RemoveTeamMembership(r.Context(), orgID, userID); err != nil {
		s.logger.Error("remove membership failed", "org_id", orgID, "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove member")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		AttributionID string     `json:"attribution_id"`
		PlanID        string     `json:"plan_id"`
		StartDate     time.Time  `json:"start_date"`
		EndDate       *time.Time `json:"end_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := billing.ParseAttributionID(req.AttributionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.StartDate.IsZero() {
		req.StartDate = time.Now()
	}

	sub := &store.Subscription{
		ID:            uuid.New().String(),
		AttributionID: req.AttributionID,
		PlanID:        req.PlanID,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateSubscription(r.Context(), sub); err != nil {
		s.logger.Error("create subscription failed", "attribution", req.AttributionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subscriptionID")
	sub, err := s.store.GetSubscription(r.Context(), id)
	if err != nil {
		s.logger.Error("get subscription failed", "subscription_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load subscription")
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err := s.store.CancelSubscription(r.Context(), id, time.Now()); err != nil {
		s.logger.Error("cancel subscription failed", "subscription_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpsertCostCenter(w http.ResponseWriter, r *http.Request) {
	attr, err := billing.ParseAttributionID(chi.URLParam(r, "attributionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		BillingStrategy string `json:"billing_strategy"`
		SpendingLimit   int64  `json:"spending_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch billing.BillingStrategy(req.BillingStrategy) {
	case billing.BillingStrategyStripe, billing.BillingStrategyOther:
	default:
		writeError(w, http.StatusBadRequest, "billing_strategy must be \"stripe\" or \"other\"")
		return
	}

	cc := &store.CostCenter{
		AttributionID:   attr.String(),
		BillingStrategy: req.BillingStrategy,
		SpendingLimit:   req.SpendingLimit,
		CreatedAt:       time.Now(),
	}
	if err := s.store.UpsertCostCenter(r.Context(), cc); err != nil {
		s.logger.Error("upsert cost center failed", "attribution", attr.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to upsert cost center")
		return
	}
	writeJSON(w, http.StatusOK, cc)
}

func (s *Server) handleAddUsageEntry(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		AttributionID string    `json:"attribution_id"`
		Credits       int64     `json:"credits"`
		Description   string    `json:"description"`
		EffectiveAt   time.Time `json:"effective_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := billing.ParseAttributionID(req.AttributionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.EffectiveAt.IsZero() {
		req.EffectiveAt = time.Now()
	}

	entry := &store.UsageEntry{
		ID:            uuid.New().String(),
		AttributionID: req.AttributionID,
		Credits:       req.Credits,
		Description:   req.Description,
		EffectiveAt:   req.EffectiveAt,
	}
	if err := s.store.AddUsageEntry(r.Context(), entry); err != nil {
		s.logger.Error("add usage entry failed", "attribution", req.AttributionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record usage")
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleUpsertInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		OwnerID     string `json:"owner_id"`
		WorkspaceID string `json:"workspace_id"`
		Phase       string `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OwnerID == "" || req.Phase == "" {
		writeError(w, http.StatusBadRequest, "owner_id and phase are required")
		return
	}

	inst := &store.WorkspaceInstance{
		ID:          instanceID,
		OwnerID:     req.OwnerID,
		WorkspaceID: req.WorkspaceID,
		Phase:       req.Phase,
		CreatedAt:   time.Now(),
	}
	if err := s.store.UpsertWorkspaceInstance(r.Context(), inst); err != nil {
		s.logger.Error("upsert instance failed", "instance_id", instanceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to upsert instance")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// --- Helpers ---

// lookupUser loads the user from the userID route param, writing a 404 when
// the user does not exist.
func (s *Server) lookupUser(w http.ResponseWriter, r *http.Request) (*store.User, bool) {
	userID := chi.URLParam(r, "userID")
	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("get user failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return nil, false
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return nil, false
	}
	return user, true
}

func (s *Server) writeResolveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrUnsupportedAttributionKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, billing.ErrOrganizationNotFound):
		writeError(w, http.StatusNotFound, "organization not found")
	default:
		s.logger.Error("billing mode resolution failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "billing mode undetermined")
	}
}

// writeEngineError maps engine failures to 502: the caller must treat the
// entitlement as undetermined, never as free.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("entitlement check failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusBadGateway, "entitlement undetermined")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
