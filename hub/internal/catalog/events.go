package catalog

import "time"

// Catalog event types.
const (
	EventRevisionPublished   = "revision.published"
	EventPlanUpdated         = "plan.updated"
	EventSubscriptionCreated = "subscription.created"
	EventSubscriptionEnded   = "subscription.ended"
)

// Event is a catalog change pushed to feed subscribers.
type Event struct {
	Type           string    `json:"type"`
	PlanID         string    `json:"plan_id,omitempty"`
	ProductID      string    `json:"product_id,omitempty"`
	RevisionID     string    `json:"revision_id,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	DeveloperID    string    `json:"developer_id,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher receives catalog events. Publish must not block.
type Publisher interface {
	Publish(ev Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
