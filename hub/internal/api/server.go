// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/amurg-ai/m10n/hub/internal/auth"
	"github.com/amurg-ai/m10n/hub/internal/catalog"
	"github.com/amurg-ai/m10n/hub/internal/config"
	"github.com/amurg-ai/m10n/hub/internal/feed"
	"github.com/amurg-ai/m10n/hub/internal/metrics"
	"github.com/amurg-ai/m10n/hub/internal/store"
	"github.com/amurg-ai/m10n/pkg/revision"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	catalog       *catalog.Catalog
	feed          *feed.Broadcaster
	metrics       *metrics.Metrics
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server. fd and m may be nil, which disables
// the catalog feed and the metrics endpoint respectively.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, cat *catalog.Catalog, fd *feed.Broadcaster, m *metrics.Metrics, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		catalog:       cat,
		feed:          fd,
		metrics:       m,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	if m != nil {
		mux.Use(makeMetricsMiddleware(m))
	}
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	if m != nil && !cfg.Metrics.Disabled {
		mux.Handle(cfg.Metrics.Path, m.Handler())
	}

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// The feed authenticates from the token query parameter itself.
	if fd != nil {
		mux.Get("/ws/catalog", fd.HandleWS)
	}

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Authenticated API routes
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/me/plans", srv.handleMyPlans)

		r.Get("/api/users/{userID}/plans", srv.handleUserPlans)
		r.Get("/api/users/{userID}/subscriptions", srv.handleListSubscriptions)
		r.Post("/api/users/{userID}/subscriptions", srv.handleSubscribe)
		r.Get("/api/users/{userID}/subscriptions/{subscriptionID}", srv.handleGetSubscription)
		r.Delete("/api/users/{userID}/subscriptions/{subscriptionID}", srv.handleUnsubscribe)

		r.Get("/api/products", srv.handleListProducts)
		r.Get("/api/plans/{planID}", srv.handleGetPlan)
		r.Get("/api/plans/{planID}/revisions", srv.handleListRevisions)
		r.Get("/api/plans/{planID}/effective", srv.handleEffective)
		r.Get("/api/plans/{planID}/revisions/{revisionID}/current", srv.handleCurrent)
		r.Get("/api/plans/{planID}/revisions/{revisionID}/future", srv.handleFuture)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)

			r.Get("/api/users", srv.handleListUsers)
			if lp != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}

			r.Put("/api/products/{productID}", srv.handlePutProduct)
			r.Put("/api/plans/{planID}", srv.handlePutPlan)
			r.Post("/api/plans/{planID}/revisions", srv.handlePublishRevision)

			r.Post("/api/users/{userID}/products/{productID}", srv.handleGrantProduct)
			r.Delete("/api/users/{userID}/products/{productID}", srv.handleRevokeProduct)

			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r.Context(), "login.failed", "", json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	userID := ""
	if user, _ := s.store.GetUser(r.Context(), "default", req.Username); user != nil {
		userID = user.ID
	}
	s.audit(r.Context(), "login.success", userID, nil)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	resp := map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	}
	if user, err := s.store.GetUserByID(r.Context(), identity.UserID); err == nil && user != nil {
		resp["email"] = user.Email
		resp["category"] = user.Category
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- User handlers (admin only) ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	users, err := s.store.ListUsers(r.Context(), identity.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}
	if req.Role != "" && req.Role != auth.RoleAdmin && req.Role != auth.RoleUser {
		writeError(w, http.StatusBadRequest, "role must be admin or user")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.audit(r.Context(), "user.created", getIdentityFromContext(r.Context()).UserID,
		json.RawMessage(fmt.Sprintf(`{"user_id":%q}`, user.ID)))

	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, user)
}

// --- Audit handlers (admin only) ---

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	identity := getIdentityFromContext(r.Context())
	events, err := s.store.ListAuditEvents(r.Context(), identity.OrgID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func (s *Server) audit(ctx context.Context, action, userID string, detail json.RawMessage) {
	if err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID: uuid.New().String(), OrgID: "default", Action: action, UserID: userID,
		Detail: detail, CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

// writeCatalogError maps catalog and resolver failures onto HTTP statuses.
func (s *Server) writeCatalogError(w http.ResponseWriter, err error) {
	var malformed *revision.MalformedChainError
	switch {
	case errors.Is(err, revision.ErrInvalidArgument),
		errors.Is(err, catalog.ErrInvalidRevision),
		errors.Is(err, catalog.ErrInvalidEntry):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &malformed):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":       err.Error(),
			"plan_id":     malformed.PlanID,
			"revision_id": malformed.RevisionID,
			"reason":      malformed.Reason,
		})
	case errors.Is(err, catalog.ErrPlanNotFound),
		errors.Is(err, catalog.ErrProductNotFound),
		errors.Is(err, catalog.ErrRevisionNotFound),
		errors.Is(err, catalog.ErrSubscriptionNotFound),
		errors.Is(err, catalog.ErrNoEmail):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, catalog.ErrNotPurchasable):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		s.logger.Error("catalog request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
