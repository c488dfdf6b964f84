// Package catalog serves the rate-plan catalog: revision chains and their
// resolution, the per-developer catalog page, purchase access and
// subscriptions.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/m10n/hub/internal/metrics"
	"github.com/amurg-ai/m10n/hub/internal/store"
	"github.com/amurg-ai/m10n/pkg/revision"
)

var (
	// ErrPlanNotFound is returned when a rate plan id is unknown.
	ErrPlanNotFound = errors.New("rate plan not found")
	// ErrProductNotFound is returned when a product id is unknown.
	ErrProductNotFound = errors.New("product not found")
	// ErrRevisionNotFound is returned when a revision id is not part of the
	// plan's chain.
	ErrRevisionNotFound = errors.New("revision not found")
	// ErrNoEmail is returned when building the catalog page of a developer
	// without an email address.
	ErrNoEmail = errors.New("developer has no email")
	// ErrNotPurchasable is returned when a developer may not purchase a plan.
	ErrNotPurchasable = errors.New("rate plan not available to developer")
	// ErrInvalidRevision wraps every rejection of a published revision.
	ErrInvalidRevision = errors.New("invalid revision")
	// ErrInvalidEntry wraps validation failures of products and plans.
	ErrInvalidEntry = errors.New("invalid catalog entry")
)

// Product access modes.
const (
	AccessAll  = "all"
	AccessNone = "none"
)

// Options configures a Catalog.
type Options struct {
	Resolver      *revision.Resolver
	Clock         revision.Clock
	ChainTTL      time.Duration
	ProductAccess string   // AccessAll or AccessNone
	PurchaseRules []string // expr-lang expressions
	Publisher     Publisher
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Catalog is the plan catalog service. It is safe for concurrent use.
type Catalog struct {
	store         store.Store
	resolver      *revision.Resolver
	clock         revision.Clock
	chains        *chainCache
	productAccess string
	rules         []purchaseRule
	events        Publisher
	metrics       *metrics.Metrics
	logger        *slog.Logger
	subs          *Subscriptions

	publishMu sync.Mutex
}

// New creates a catalog over s.
func New(s store.Store, opts Options) (*Catalog, error) {
	rules, err := compileRules(opts.PurchaseRules)
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		store:         s,
		resolver:      opts.Resolver,
		clock:         opts.Clock,
		chains:        newChainCache(opts.ChainTTL),
		productAccess: opts.ProductAccess,
		rules:         rules,
		events:        opts.Publisher,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		subs:          NewSubscriptions(s),
	}
	if c.resolver == nil {
		c.resolver = revision.NewResolver()
	}
	if c.clock == nil {
		c.clock = revision.SystemClock
	}
	if c.productAccess == "" {
		c.productAccess = AccessAll
	}
	if c.events == nil {
		c.events = nopPublisher{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "catalog")
	return c, nil
}

// Now returns the catalog clock's current time.
func (c *Catalog) Now() time.Time { return c.clock.Now() }

// Resolver returns the resolver used for all lookups.
func (c *Catalog) Resolver() *revision.Resolver { return c.resolver }

// Subscriptions returns the developer subscription storage.
func (c *Catalog) Subscriptions() *Subscriptions { return c.subs }

// Plan returns a rate plan or ErrPlanNotFound.
func (c *Catalog) Plan(ctx context.Context, planID string) (*store.RatePlan, error) {
	plan, err := c.store.GetRatePlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}
	return plan, nil
}

// LoadChain returns an immutable newest-first snapshot of a plan's revisions.
func (c *Catalog) LoadChain(ctx context.Context, planID string) (*revision.Chain, error) {
	now := c.clock.Now()
	if chain, ok := c.chains.get(planID, now); ok {
		c.metrics.RecordChainCache(true)
		return chain, nil
	}
	c.metrics.RecordChainCache(false)

	gen := c.chains.generation(planID)
	if _, err := c.Plan(ctx, planID); err != nil {
		return nil, err
	}
	chain, err := c.loadChain(ctx, planID)
	if err != nil {
		return nil, err
	}
	c.chains.put(planID, chain, gen, now)
	return chain, nil
}

func (c *Catalog) loadChain(ctx context.Context, planID string) (*revision.Chain, error) {
	rows, err := c.store.ListPlanRevisions(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	revs := make([]revision.PlanRevision, len(rows))
	for i, row := range rows {
		revs[i] = toRevision(row)
	}
	return revision.NewChain(planID, revs)
}

// Revisions lists a plan's stored revisions, newest first.
func (c *Catalog) Revisions(ctx context.Context, planID string) ([]store.PlanRevision, error) {
	if _, err := c.Plan(ctx, planID); err != nil {
		return nil, err
	}
	return c.store.ListPlanRevisions(ctx, planID)
}

// CurrentFor resolves the revision in effect at `at` for a future revision.
func (c *Catalog) CurrentFor(ctx context.Context, planID, revisionID string, at time.Time) (*revision.PlanRevision, error) {
	chain, rev, err := c.lookup(ctx, planID, revisionID)
	if err != nil {
		return nil, err
	}
	out, err := c.resolver.ResolveCurrent(chain, rev, at)
	c.record("current", out, err)
	return out, err
}

// FutureFor resolves the revision that will supersede a revision in effect at `at`.
func (c *Catalog) FutureFor(ctx context.Context, planID, revisionID string, at time.Time) (*revision.PlanRevision, error) {
	chain, rev, err := c.lookup(ctx, planID, revisionID)
	if err != nil {
		return nil, err
	}
	out, err := c.resolver.ResolveFuture(chain, rev, at)
	c.record("future", out, err)
	return out, err
}

// EffectiveFor resolves the revision of the plan in effect at `at`.
func (c *Catalog) EffectiveFor(ctx context.Context, planID string, at time.Time) (*revision.PlanRevision, error) {
	chain, err := c.LoadChain(ctx, planID)
	if err != nil {
		return nil, err
	}
	out, err := c.resolver.Effective(chain, at)
	c.record("effective", out, err)
	return out, err
}

func (c *Catalog) lookup(ctx context.Context, planID, revisionID string) (*revision.Chain, revision.PlanRevision, error) {
	chain, err := c.LoadChain(ctx, planID)
	if err != nil {
		return nil, revision.PlanRevision{}, err
	}
	rev, ok := chain.Get(revisionID)
	if !ok {
		return nil, revision.PlanRevision{}, ErrRevisionNotFound
	}
	return chain, rev, nil
}

func (c *Catalog) record(op string, out *revision.PlanRevision, err error) {
	switch {
	case errors.Is(err, revision.ErrMalformedChain):
		c.logger.Warn("malformed revision chain", "op", op, "error", err)
		c.metrics.RecordResolution(op, metrics.OutcomeMalformed)
	case errors.Is(err, revision.ErrInvalidArgument):
		c.metrics.RecordResolution(op, metrics.OutcomeInvalid)
	case err != nil:
		c.metrics.RecordResolution(op, metrics.OutcomeError)
	case out == nil:
		c.metrics.RecordResolution(op, metrics.OutcomeNone)
	default:
		c.metrics.RecordResolution(op, metrics.OutcomeFound)
	}
}

// PublishRevision adds a revision to a plan's chain. When PreviousID is
// empty the new revision supersedes the current head; an explicit
// PreviousID must name a revision that has no successor yet, so the chain
// stays linear. The revision must start strictly after its predecessor and
// end after it starts. Publishes are serialized within the process.
func (c *Catalog) PublishRevision(ctx context.Context, actorID string, rev store.PlanRevision) (*store.PlanRevision, error) {
	plan, err := c.Plan(ctx, rev.PlanID)
	if err != nil {
		return nil, err
	}
	if rev.StartAt.IsZero() {
		return nil, fmt.Errorf("%w: start is required", ErrInvalidRevision)
	}
	if rev.ID == "" {
		rev.ID = uuid.New().String()
	}

	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	chain, err := c.loadChain(ctx, plan.ID)
	if err != nil {
		return nil, err
	}
	if _, dup := chain.Get(rev.ID); dup {
		return nil, fmt.Errorf("%w: revision %q already exists", ErrInvalidRevision, rev.ID)
	}
	if rev.PreviousID == "" {
		if head, ok := chain.Head(); ok {
			rev.PreviousID = head.ID
		}
	} else if _, ok := chain.Get(rev.PreviousID); !ok {
		return nil, fmt.Errorf("%w: predecessor %q is not a revision of plan %q", ErrInvalidRevision, rev.PreviousID, plan.ID)
	}
	if rev.PreviousID != "" {
		if succ := chain.Successors(rev.PreviousID); len(succ) > 0 {
			return nil, fmt.Errorf("%w: revision %q is already superseded by %q", ErrInvalidRevision, rev.PreviousID, succ[0].ID)
		}
	}

	next, err := revision.NewChain(plan.ID, append([]revision.PlanRevision{toRevision(rev)}, chain.Revisions()...))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRevision, err)
	}
	if err := checkNewRevision(next, rev.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRevision, err)
	}

	rev.CreatedBy = actorID
	rev.CreatedAt = time.Now()
	if err := c.store.CreatePlanRevision(ctx, &rev); err != nil {
		return nil, fmt.Errorf("create revision: %w", err)
	}
	c.chains.invalidate(plan.ID)

	c.audit(ctx, "revision.published", actorID, plan.ID, map[string]any{
		"revision_id": rev.ID,
		"previous_id": rev.PreviousID,
		"start_at":    rev.StartAt,
	})
	c.metrics.RevisionPublished()
	c.events.Publish(Event{Type: EventRevisionPublished, PlanID: plan.ID, ProductID: plan.ProductID, RevisionID: rev.ID, At: rev.CreatedAt})
	c.logger.Info("revision published", "plan_id", plan.ID, "revision_id", rev.ID, "start_at", rev.StartAt)
	return &rev, nil
}

// checkNewRevision validates only the revision being added against its
// predecessor, so that an older inconsistency in the stored chain cannot
// block new publishes.
func checkNewRevision(chain *revision.Chain, id string) error {
	rev, _ := chain.Get(id)
	pair := []revision.PlanRevision{rev}
	if prev, ok := chain.Get(rev.PreviousID); ok {
		prev.PreviousID = ""
		prev.EndAt = nil
		pair = append(pair, prev)
	}
	sub, err := revision.NewChain(chain.PlanID(), pair)
	if err != nil {
		return err
	}
	return sub.Validate()
}

// SaveProduct creates or updates a product.
func (c *Catalog) SaveProduct(ctx context.Context, actorID string, p *store.Product) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("%w: product id and name are required", ErrInvalidEntry)
	}
	if p.OrgID == "" {
		p.OrgID = "default"
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if err := c.store.UpsertProduct(ctx, p); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	c.audit(ctx, "product.saved", actorID, "", map[string]any{"product_id": p.ID})
	return nil
}

// SavePlan creates or updates a rate plan of an existing product.
func (c *Catalog) SavePlan(ctx context.Context, actorID string, plan *store.RatePlan) error {
	if plan.ID == "" || plan.Name == "" {
		return fmt.Errorf("%w: plan id and name are required", ErrInvalidEntry)
	}
	product, err := c.store.GetProduct(ctx, plan.ProductID)
	if err != nil {
		return fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return ErrProductNotFound
	}
	switch plan.Type {
	case "":
		plan.Type = store.PlanTypeStandard
	case store.PlanTypeStandard:
	case store.PlanTypeDeveloper:
		if plan.DeveloperID == "" {
			return fmt.Errorf("%w: developer plans need a developer_id", ErrInvalidEntry)
		}
	case store.PlanTypeDeveloperCategory:
		if plan.Category == "" {
			return fmt.Errorf("%w: developer category plans need a category", ErrInvalidEntry)
		}
	default:
		return fmt.Errorf("%w: unknown plan type %q", ErrInvalidEntry, plan.Type)
	}
	if err := plan.Fees.Validate(plan.CurrencyCode); err != nil {
		return fmt.Errorf("%w: fees: %v", ErrInvalidEntry, err)
	}
	plan.UpdatedAt = time.Now()
	if err := c.store.UpsertRatePlan(ctx, plan); err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	c.chains.invalidate(plan.ID)
	c.audit(ctx, "plan.saved", actorID, plan.ID, map[string]any{"published": plan.Published})
	c.events.Publish(Event{Type: EventPlanUpdated, PlanID: plan.ID, ProductID: plan.ProductID, At: plan.UpdatedAt})
	return nil
}

// GrantProduct makes a product available to a developer.
func (c *Catalog) GrantProduct(ctx context.Context, actorID, userID, productID string) error {
	if err := c.store.GrantProductAccess(ctx, userID, productID); err != nil {
		return fmt.Errorf("grant product access: %w", err)
	}
	c.audit(ctx, "product.granted", actorID, "", map[string]any{"user_id": userID, "product_id": productID})
	return nil
}

// RevokeProduct withdraws a product grant.
func (c *Catalog) RevokeProduct(ctx context.Context, actorID, userID, productID string) error {
	if err := c.store.RevokeProductAccess(ctx, userID, productID); err != nil {
		return fmt.Errorf("revoke product access: %w", err)
	}
	c.audit(ctx, "product.revoked", actorID, "", map[string]any{"user_id": userID, "product_id": productID})
	return nil
}

// AvailableProducts lists the products a developer may see, ordered by id.
// With AccessAll every product of the developer's organization is
// available; with AccessNone only explicitly granted ones.
func (c *Catalog) AvailableProducts(ctx context.Context, dev *store.User) ([]store.Product, error) {
	all, err := c.store.ListProducts(ctx, dev.OrgID)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	if c.productAccess == AccessAll || dev.Role == store.RoleAdmin {
		return all, nil
	}
	granted, err := c.store.ListUserProducts(ctx, dev.ID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	allowed := make(map[string]bool, len(granted))
	for _, id := range granted {
		allowed[id] = true
	}
	var out []store.Product
	for _, p := range all {
		if allowed[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

// CanPurchase reports whether dev may purchase plan. Unpublished plans are
// never purchasable, developer plans only by their developer, category
// plans only within that category, and every configured rule must hold.
func (c *Catalog) CanPurchase(dev *store.User, plan *store.RatePlan, product *store.Product) (bool, error) {
	if !plan.Published {
		return false, nil
	}
	switch plan.Type {
	case store.PlanTypeDeveloper:
		if plan.DeveloperID != dev.ID {
			return false, nil
		}
	case store.PlanTypeDeveloperCategory:
		if plan.Category == "" || plan.Category != dev.Category {
			return false, nil
		}
	}
	if len(c.rules) == 0 {
		return true, nil
	}
	env := ruleEnv(dev, plan, product, c.clock.Now())
	for _, rule := range c.rules {
		ok, err := rule.allows(env)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Page is a developer's catalog page.
type Page struct {
	DeveloperID string    `json:"developer_id"`
	Email       string    `json:"email"`
	GeneratedAt time.Time `json:"generated_at"`
	Entries     []Entry   `json:"entries"`
}

// Entry is one purchasable plan on a catalog page.
type Entry struct {
	Key     string                 `json:"key"` // "{productID}:{planID}"
	Product store.Product          `json:"product"`
	Plan    store.RatePlan         `json:"plan"`
	Current *revision.PlanRevision `json:"current,omitempty"`
	Future  *revision.PlanRevision `json:"future,omitempty"`
}

// Page builds the catalog page of a developer: every plan of every
// available product the developer may purchase, ordered by key, with its
// current and upcoming revision.
func (c *Catalog) Page(ctx context.Context, dev *store.User) (*Page, error) {
	if dev.Email == "" {
		return nil, ErrNoEmail
	}
	now := c.clock.Now()

	products, err := c.AvailableProducts(ctx, dev)
	if err != nil {
		return nil, err
	}

	page := &Page{DeveloperID: dev.ID, Email: dev.Email, GeneratedAt: now, Entries: []Entry{}}
	for i := range products {
		product := products[i]
		plans, err := c.store.ListRatePlansByProduct(ctx, product.ID)
		if err != nil {
			return nil, fmt.Errorf("list plans: %w", err)
		}
		for j := range plans {
			plan := plans[j]
			ok, err := c.CanPurchase(dev, &plan, &product)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			entry := Entry{Key: product.ID + ":" + plan.ID, Product: product, Plan: plan}
			entry.Current, entry.Future, err = c.currentAndFuture(ctx, plan.ID, now)
			if err != nil {
				if !errors.Is(err, revision.ErrMalformedChain) {
					return nil, err
				}
				// Still list the plan; its revisions cannot be trusted.
				c.logger.Warn("skipping revisions of malformed chain", "plan_id", plan.ID, "error", err)
			}
			page.Entries = append(page.Entries, entry)
		}
	}
	sort.Slice(page.Entries, func(i, j int) bool { return page.Entries[i].Key < page.Entries[j].Key })
	return page, nil
}

func (c *Catalog) currentAndFuture(ctx context.Context, planID string, now time.Time) (*revision.PlanRevision, *revision.PlanRevision, error) {
	chain, err := c.LoadChain(ctx, planID)
	if err != nil {
		return nil, nil, err
	}
	current, err := c.resolver.Effective(chain, now)
	c.record("effective", current, err)
	if err != nil {
		return nil, nil, err
	}
	if current == nil {
		// Nothing applies yet; the head, if scheduled, is what comes next.
		if head, ok := chain.Head(); ok && c.resolver.IsFuture(head, now) {
			return nil, &head, nil
		}
		return nil, nil, nil
	}
	future, err := c.resolver.ResolveFuture(chain, *current, now)
	c.record("future", future, err)
	if err != nil {
		return current, nil, err
	}
	return current, future, nil
}

// Subscribe purchases a plan for a developer starting at start.
func (c *Catalog) Subscribe(ctx context.Context, dev *store.User, planID string, start time.Time) (*store.Subscription, error) {
	plan, err := c.Plan(ctx, planID)
	if err != nil {
		return nil, err
	}
	product, err := c.store.GetProduct(ctx, plan.ProductID)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return nil, ErrProductNotFound
	}
	if !c.productAvailable(ctx, dev, product.ID) {
		return nil, ErrNotPurchasable
	}
	ok, err := c.CanPurchase(dev, plan, product)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotPurchasable
	}
	if start.IsZero() {
		start = c.clock.Now()
	}

	sub := &store.Subscription{
		ID:          uuid.New().String(),
		DeveloperID: dev.ID,
		PlanID:      plan.ID,
		Status:      store.SubscriptionActive,
		StartAt:     start,
		CreatedAt:   time.Now(),
	}
	if err := c.subs.save(ctx, sub); err != nil {
		return nil, err
	}

	c.audit(ctx, "subscription.created", dev.ID, plan.ID, map[string]any{"subscription_id": sub.ID})
	c.metrics.SubscriptionCreated()
	c.events.Publish(Event{Type: EventSubscriptionCreated, PlanID: plan.ID, ProductID: product.ID, SubscriptionID: sub.ID, DeveloperID: dev.ID, At: sub.CreatedAt})
	c.logger.Info("subscription created", "subscription_id", sub.ID, "developer_id", dev.ID, "plan_id", plan.ID)
	return sub, nil
}

// Unsubscribe ends a developer's subscription at end.
func (c *Catalog) Unsubscribe(ctx context.Context, dev *store.User, subscriptionID string, end time.Time) (*store.Subscription, error) {
	if end.IsZero() {
		end = c.clock.Now()
	}
	sub, err := c.subs.end(ctx, dev.ID, subscriptionID, end)
	if err != nil {
		return nil, err
	}
	c.audit(ctx, "subscription.ended", dev.ID, sub.PlanID, map[string]any{"subscription_id": sub.ID})
	c.events.Publish(Event{Type: EventSubscriptionEnded, PlanID: sub.PlanID, SubscriptionID: sub.ID, DeveloperID: dev.ID, At: end})
	return sub, nil
}

func (c *Catalog) productAvailable(ctx context.Context, dev *store.User, productID string) bool {
	products, err := c.AvailableProducts(ctx, dev)
	if err != nil {
		c.logger.Warn("list available products", "error", err)
		return false
	}
	for _, p := range products {
		if p.ID == productID {
			return true
		}
	}
	return false
}

func (c *Catalog) audit(ctx context.Context, action, userID, planID string, detail map[string]any) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	err := c.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		OrgID:     "default",
		Action:    action,
		UserID:    userID,
		PlanID:    planID,
		Detail:    raw,
		CreatedAt: time.Now(),
	})
	if err != nil {
		c.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func toRevision(r store.PlanRevision) revision.PlanRevision {
	return revision.PlanRevision{
		ID:         r.ID,
		PlanID:     r.PlanID,
		StartAt:    r.StartAt,
		EndAt:      r.EndAt,
		PreviousID: r.PreviousID,
	}
}
