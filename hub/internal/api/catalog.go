package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/amurg-ai/m10n/hub/internal/auth"
	"github.com/amurg-ai/m10n/hub/internal/store"
	"github.com/amurg-ai/m10n/pkg/revision"
)

// planPageMaxAge is how long clients may cache a developer's catalog page.
const planPageMaxAge = "max-age=300"

// resolution is the response body of the resolver endpoints. Revision is
// null when nothing applies at the evaluation instant.
type resolution struct {
	PlanID     string                 `json:"plan_id"`
	RevisionID string                 `json:"revision_id,omitempty"`
	At         time.Time              `json:"at"`
	Revision   *revision.PlanRevision `json:"revision"`
}

// parseAt reads the optional "at" query parameter. It must carry an offset;
// a missing value means the catalog clock's now.
func (s *Server) parseAt(r *http.Request) (time.Time, bool) {
	v := r.URL.Query().Get("at")
	if v == "" {
		return s.catalog.Now(), true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// developer resolves the {userID} path parameter to a stored user the
// caller may act for. It writes the error response itself.
func (s *Server) developer(w http.ResponseWriter, r *http.Request) (*store.User, bool) {
	identity := getIdentityFromContext(r.Context())
	userID := chi.URLParam(r, "userID")
	if !auth.CanViewPlans(identity, userID) {
		writeError(w, http.StatusForbidden, "not allowed to view rate plans of this user")
		return nil, false
	}
	user, err := s.store.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return nil, false
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return nil, false
	}
	return user, true
}

// visiblePlan loads {planID}. Unpublished plans are hidden from non-admins.
func (s *Server) visiblePlan(w http.ResponseWriter, r *http.Request) (*store.RatePlan, bool) {
	plan, err := s.catalog.Plan(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		s.writeCatalogError(w, err)
		return nil, false
	}
	if !plan.Published && !auth.IsAdmin(getIdentityFromContext(r.Context())) {
		writeError(w, http.StatusNotFound, "rate plan not found")
		return nil, false
	}
	return plan, true
}

// --- Catalog page ---

func (s *Server) handleMyPlans(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	http.Redirect(w, r, "/api/users/"+identity.UserID+"/plans", http.StatusFound)
}

func (s *Server) handleUserPlans(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.developer(w, r)
	if !ok {
		return
	}
	page, err := s.catalog.Page(r.Context(), dev)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "private, "+planPageMaxAge)
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	user, err := s.store.GetUserByID(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	products, err := s.catalog.AvailableProducts(r.Context(), user)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	if products == nil {
		products = []store.Product{}
	}
	writeJSON(w, http.StatusOK, products)
}

// --- Plans and revisions ---

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, ok := s.visiblePlan(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	plan, ok := s.visiblePlan(w, r)
	if !ok {
		return
	}
	revs, err := s.catalog.Revisions(r.Context(), plan.ID)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	if revs == nil {
		revs = []store.PlanRevision{}
	}
	writeJSON(w, http.StatusOK, revs)
}

func (s *Server) handleEffective(w http.ResponseWriter, r *http.Request) {
	plan, ok := s.visiblePlan(w, r)
	if !ok {
		return
	}
	at, ok := s.parseAt(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "at must be an RFC 3339 timestamp with offset")
		return
	}
	rev, err := s.catalog.EffectiveFor(r.Context(), plan.ID, at)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution{PlanID: plan.ID, At: at, Revision: rev})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, s.catalog.CurrentFor)
}

func (s *Server) handleFuture(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, s.catalog.FutureFor)
}

type resolveFunc func(ctx context.Context, planID, revisionID string, at time.Time) (*revision.PlanRevision, error)

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, fn resolveFunc) {
	plan, ok := s.visiblePlan(w, r)
	if !ok {
		return
	}
	at, ok := s.parseAt(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "at must be an RFC 3339 timestamp with offset")
		return
	}
	revisionID := chi.URLParam(r, "revisionID")
	rev, err := fn(r.Context(), plan.ID, revisionID, at)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution{PlanID: plan.ID, RevisionID: revisionID, At: at, Revision: rev})
}

// --- Subscriptions ---

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.developer(w, r)
	if !ok {
		return
	}
	subs, err := s.catalog.Subscriptions().LoadByDeveloperID(r.Context(), dev.ID)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	if subs == nil {
		subs = []store.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.developer(w, r)
	if !ok {
		return
	}
	sub, err := s.catalog.Subscriptions().LoadByID(r.Context(), dev.ID, chi.URLParam(r, "subscriptionID"))
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.developer(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		PlanID  string    `json:"plan_id"`
		StartAt time.Time `json:"start_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "plan_id is required")
		return
	}
	sub, err := s.catalog.Subscribe(r.Context(), dev, req.PlanID, req.StartAt)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.developer(w, r)
	if !ok {
		return
	}
	at, ok := s.parseAt(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "at must be an RFC 3339 timestamp with offset")
		return
	}
	sub, err := s.catalog.Unsubscribe(r.Context(), dev, chi.URLParam(r, "subscriptionID"), at)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// --- Catalog writes (admin only) ---

func (s *Server) handlePutProduct(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var p store.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p.ID = chi.URLParam(r, "productID")
	identity := getIdentityFromContext(r.Context())
	if p.OrgID == "" {
		p.OrgID = identity.OrgID
	}
	if err := s.catalog.SaveProduct(r.Context(), identity.UserID, &p); err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutPlan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var plan store.RatePlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	plan.ID = chi.URLParam(r, "planID")
	if err := s.catalog.SavePlan(r.Context(), getIdentityFromContext(r.Context()).UserID, &plan); err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handlePublishRevision(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var rev store.PlanRevision
	if err := json.NewDecoder(r.Body).Decode(&rev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rev.PlanID = chi.URLParam(r, "planID")
	out, err := s.catalog.PublishRevision(r.Context(), getIdentityFromContext(r.Context()).UserID, rev)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGrantProduct(w http.ResponseWriter, r *http.Request) {
	s.changeGrant(w, r, true)
}

func (s *Server) handleRevokeProduct(w http.ResponseWriter, r *http.Request) {
	s.changeGrant(w, r, false)
}

func (s *Server) changeGrant(w http.ResponseWriter, r *http.Request, grant bool) {
	userID := chi.URLParam(r, "userID")
	productID := chi.URLParam(r, "productID")
	user, err := s.store.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	product, err := s.store.GetProduct(r.Context(), productID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get product")
		return
	}
	if product == nil {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}

	actorID := getIdentityFromContext(r.Context()).UserID
	if grant {
		err = s.catalog.GrantProduct(r.Context(), actorID, userID, productID)
	} else {
		err = s.catalog.RevokeProduct(r.Context(), actorID, userID, productID)
	}
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
