package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amurg-ai/m10n/hub/internal/store"
)

// ErrSubscriptionNotFound is returned when ending a subscription the
// developer does not own.
var ErrSubscriptionNotFound = errors.New("subscription not found")

const (
	subscriptionCacheTTL  = 5 * time.Minute
	subscriptionCacheSize = 4096
)

// Subscriptions loads developer subscriptions (accepted rate plans). Single
// subscriptions loaded by id are cached for a few minutes; the catalog's own
// writes keep cached entries current.
type Subscriptions struct {
	store store.Store
	now   func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedSubscription
}

type cachedSubscription struct {
	sub     store.Subscription
	expires time.Time
}

// NewSubscriptions creates subscription storage over s.
func NewSubscriptions(s store.Store) *Subscriptions {
	return &Subscriptions{store: s, now: time.Now, cache: make(map[string]cachedSubscription)}
}

// LoadByDeveloperID returns all subscriptions of a developer, newest first.
// It always reads the store.
func (s *Subscriptions) LoadByDeveloperID(ctx context.Context, developerID string) ([]store.Subscription, error) {
	subs, err := s.store.ListSubscriptionsByDeveloper(ctx, developerID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// LoadByID returns one subscription of a developer, or nil when it does
// not exist or belongs to someone else.
func (s *Subscriptions) LoadByID(ctx context.Context, developerID, id string) (*store.Subscription, error) {
	sub, ok := s.cached(id)
	if !ok {
		loaded, err := s.store.GetSubscription(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get subscription: %w", err)
		}
		if loaded == nil {
			return nil, nil
		}
		sub = *loaded
		s.remember(sub)
	}
	if sub.DeveloperID != developerID {
		return nil, nil
	}
	return &sub, nil
}

func (s *Subscriptions) cached(id string) (store.Subscription, bool) {
	s.mu.RLock()
	e, ok := s.cache[id]
	s.mu.RUnlock()
	if !ok || !s.now().Before(e.expires) {
		return store.Subscription{}, false
	}
	return e.sub, true
}

// remember caches sub. When the cache is full, expired entries are swept
// first; if that frees nothing the cache starts over.
func (s *Subscriptions) remember(sub store.Subscription) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[sub.ID]; !ok && len(s.cache) >= subscriptionCacheSize {
		for id, e := range s.cache {
			if !now.Before(e.expires) {
				delete(s.cache, id)
			}
		}
		if len(s.cache) >= subscriptionCacheSize {
			s.cache = make(map[string]cachedSubscription)
		}
	}
	s.cache[sub.ID] = cachedSubscription{sub: sub, expires: now.Add(subscriptionCacheTTL)}
}

func (s *Subscriptions) save(ctx context.Context, sub *store.Subscription) error {
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	s.remember(*sub)
	return nil
}

func (s *Subscriptions) end(ctx context.Context, developerID, id string, end time.Time) (*store.Subscription, error) {
	sub, err := s.LoadByID(ctx, developerID, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}
	if err := s.store.EndSubscription(ctx, id, end); err != nil {
		return nil, fmt.Errorf("end subscription: %w", err)
	}
	sub.Status = store.SubscriptionEnded
	sub.EndAt = &end
	s.remember(*sub)
	return sub, nil
}
