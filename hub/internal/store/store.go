// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, orgID, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context, orgID string) ([]User, error)

	// Products
	UpsertProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListProducts(ctx context.Context, orgID string) ([]Product, error)

	// Product access
	GrantProductAccess(ctx context.Context, userID, productID string) error
	RevokeProductAccess(ctx context.Context, userID, productID string) error
	ListUserProducts(ctx context.Context, userID string) ([]string, error)

	// Rate plans
	UpsertRatePlan(ctx context.Context, plan *RatePlan) error
	GetRatePlan(ctx context.Context, id string) (*RatePlan, error)
	ListRatePlansByProduct(ctx context.Context, productID string) ([]RatePlan, error)

	// Plan revisions
	CreatePlanRevision(ctx context.Context, rev *PlanRevision) error
	GetPlanRevision(ctx context.Context, id string) (*PlanRevision, error)
	// ListPlanRevisions returns a plan's revisions newest first.
	ListPlanRevisions(ctx context.Context, planID string) ([]PlanRevision, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListSubscriptionsByDeveloper(ctx context.Context, developerID string) ([]Subscription, error)
	EndSubscription(ctx context.Context, id string, endAt time.Time) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, orgID string, limit, offset int) ([]AuditEvent, error)

	// Data retention
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Rate plan types.
const (
	PlanTypeStandard          = "standard"
	PlanTypeDeveloper         = "developer"
	PlanTypeDeveloperCategory = "developer_category"
)

// User roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Subscription statuses.
const (
	SubscriptionActive = "active"
	SubscriptionEnded  = "ended"
)

// User is a hub account. Developers are users with the "user" role.
type User struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	Category     string    `json:"category,omitempty"` // developer category
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // RoleAdmin or RoleUser
	CreatedAt    time.Time `json:"created_at"`
}

// Product is an API product bundle that rate plans are sold against.
type Product struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RatePlan is the stable identity of a plan; its pricing periods live in
// PlanRevision rows.
type RatePlan struct {
	ID                    string    `json:"id"`
	ProductID             string    `json:"product_id"`
	Name                  string    `json:"name"`
	DisplayName           string    `json:"display_name"`
	Description           string    `json:"description,omitempty"`
	Type                  string    `json:"type"`                   // standard, developer, developer_category
	DeveloperID           string    `json:"developer_id,omitempty"` // developer plans only
	Category              string    `json:"category,omitempty"`     // developer_category plans only
	CurrencyCode          string    `json:"currency_code"`
	BillingPeriod         string    `json:"billing_period,omitempty"`
	FrequencyDuration     int       `json:"frequency_duration,omitempty"`
	FrequencyDurationType string    `json:"frequency_duration_type,omitempty"`
	Fees                  Fees      `json:"fees"`
	Published             bool      `json:"published"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// PlanRevision is a stored time-bounded version of a rate plan.
type PlanRevision struct {
	ID         string     `json:"id"`
	PlanID     string     `json:"plan_id"`
	PreviousID string     `json:"previous_id,omitempty"`
	StartAt    time.Time  `json:"start_at"`
	EndAt      *time.Time `json:"end_at,omitempty"`
	Note       string     `json:"note,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Subscription records a developer accepting a rate plan.
type Subscription struct {
	ID          string     `json:"id"`
	DeveloperID string     `json:"developer_id"`
	PlanID      string     `json:"plan_id"`
	Status      string     `json:"status"`
	StartAt     time.Time  `json:"start_at"`
	EndAt       *time.Time `json:"end_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"org_id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	PlanID    string          `json:"plan_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
