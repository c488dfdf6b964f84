package revision

import "time"

// Option configures a Resolver.
type Option func(*Resolver)

// WithBounds sets endpoint inclusivity for interval containment.
func WithBounds(b Bounds) Option {
	return func(r *Resolver) {
		r.bounds = b
	}
}

// WithDayGranularity compares revisions against midnight of the evaluation
// day, taken in the location the revision's start was recorded in.
func WithDayGranularity() Option {
	return func(r *Resolver) {
		r.dayGranularity = true
	}
}

// Resolver answers "which revision is in effect" questions over a Chain.
// It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	bounds         Bounds
	dayGranularity bool
}

// NewResolver returns a Resolver using DefaultBounds unless overridden.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{bounds: DefaultBounds}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Bounds returns the containment rule in use.
func (r *Resolver) Bounds() Bounds { return r.bounds }

// IsFuture reports whether rev has not started yet at now.
func (r *Resolver) IsFuture(rev PlanRevision, now time.Time) bool {
	return r.reference(now, rev).Before(rev.StartAt)
}

// ResolveCurrent finds the revision in effect at now when rev is a future
// revision. The walk starts at rev's predecessor and follows PreviousID
// until a revision whose interval contains now is found; the nearest
// ancestor wins when intervals overlap. A revision that is not in the future
// needs no resolution and yields nil, as does a chain with no covering
// revision.
func (r *Resolver) ResolveCurrent(c *Chain, rev PlanRevision, now time.Time) (*PlanRevision, error) {
	if err := r.check(c, rev, now); err != nil {
		return nil, err
	}
	if !r.IsFuture(rev, now) {
		return nil, nil
	}

	ref := r.reference(now, rev)
	visited := map[string]bool{rev.ID: true}
	for id := rev.PreviousID; id != ""; {
		if visited[id] {
			return nil, &MalformedChainError{PlanID: c.planID, RevisionID: id, Reason: ReasonCycle}
		}
		visited[id] = true

		cand, ok := c.Get(id)
		if !ok {
			return nil, &MalformedChainError{PlanID: c.planID, RevisionID: id, Reason: ReasonDangling}
		}
		if r.bounds.Contains(cand, ref) {
			return &cand, nil
		}
		id = cand.PreviousID
	}
	return nil, nil
}

// ResolveFuture finds the revision that will supersede rev, when rev is in
// effect at now. Among the revisions naming rev as their predecessor, the
// one with the nearest start after now is returned.
func (r *Resolver) ResolveFuture(c *Chain, rev PlanRevision, now time.Time) (*PlanRevision, error) {
	if err := r.check(c, rev, now); err != nil {
		return nil, err
	}
	ref := r.reference(now, rev)
	if !r.bounds.Contains(rev, ref) {
		return nil, nil
	}

	var best *PlanRevision
	for _, succ := range c.Successors(rev.ID) {
		if succ.ID == rev.ID || !ref.Before(succ.StartAt) {
			continue
		}
		if best == nil || succ.StartAt.Before(best.StartAt) {
			s := succ
			best = &s
		}
	}
	return best, nil
}

// Effective returns the revision of the whole plan in effect at now: the
// newest revision when it already applies, otherwise whatever
// ResolveCurrent finds behind it.
func (r *Resolver) Effective(c *Chain, now time.Time) (*PlanRevision, error) {
	if c == nil {
		return nil, &InvalidArgumentError{Arg: "chain", Reason: "nil chain"}
	}
	head, ok := c.Head()
	if !ok {
		return nil, nil
	}
	if err := r.check(c, head, now); err != nil {
		return nil, err
	}
	if r.bounds.Contains(head, r.reference(now, head)) {
		return &head, nil
	}
	return r.ResolveCurrent(c, head, now)
}

func (r *Resolver) check(c *Chain, rev PlanRevision, now time.Time) error {
	if c == nil {
		return &InvalidArgumentError{Arg: "chain", Reason: "nil chain"}
	}
	if now.IsZero() {
		return &InvalidArgumentError{Arg: "now", Reason: "evaluation instant has no time zone"}
	}
	if rev.StartAt.IsZero() {
		return &InvalidArgumentError{Arg: "revision", Reason: "revision " + rev.ID + " has no start"}
	}
	return nil
}

func (r *Resolver) reference(now time.Time, rev PlanRevision) time.Time {
	if !r.dayGranularity {
		return now
	}
	loc := rev.StartAt.Location()
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
