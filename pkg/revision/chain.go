package revision

import (
	"errors"
	"fmt"
	"time"
)

// ErrOutOfOrder is returned by Chain.Validate when a revision does not start
// strictly after the revision it supersedes, or ends before it starts.
var ErrOutOfOrder = errors.New("revision out of order")

// Chain is an immutable snapshot of a plan's revisions, newest first.
// It is safe for concurrent use.
type Chain struct {
	planID string
	revs   []PlanRevision
	byID   map[string]int
	next   map[string][]int // predecessor id -> indexes of revisions superseding it
}

// NewChain builds a snapshot from revisions ordered newest first. The slice
// is copied. Revisions that name a different plan or repeat an id are
// rejected.
func NewChain(planID string, revs []PlanRevision) (*Chain, error) {
	c := &Chain{
		planID: planID,
		revs:   make([]PlanRevision, len(revs)),
		byID:   make(map[string]int, len(revs)),
		next:   make(map[string][]int),
	}
	copy(c.revs, revs)

	for i, rev := range c.revs {
		if rev.PlanID != "" && planID != "" && rev.PlanID != planID {
			return nil, &MalformedChainError{PlanID: planID, RevisionID: rev.ID, Reason: ReasonForeignPlan}
		}
		if _, dup := c.byID[rev.ID]; dup {
			return nil, &MalformedChainError{PlanID: planID, RevisionID: rev.ID, Reason: ReasonDuplicateID}
		}
		c.byID[rev.ID] = i
		if rev.PreviousID != "" {
			c.next[rev.PreviousID] = append(c.next[rev.PreviousID], i)
		}
	}
	return c, nil
}

// PlanID returns the plan the snapshot was taken for.
func (c *Chain) PlanID() string { return c.planID }

// Len returns the number of revisions in the snapshot.
func (c *Chain) Len() int { return len(c.revs) }

// Head returns the newest revision.
func (c *Chain) Head() (PlanRevision, bool) {
	if len(c.revs) == 0 {
		return PlanRevision{}, false
	}
	return c.revs[0], true
}

// Get looks up a revision by id.
func (c *Chain) Get(id string) (PlanRevision, bool) {
	i, ok := c.byID[id]
	if !ok {
		return PlanRevision{}, false
	}
	return c.revs[i], true
}

// Revisions returns a copy of the snapshot, newest first.
func (c *Chain) Revisions() []PlanRevision {
	out := make([]PlanRevision, len(c.revs))
	copy(out, c.revs)
	return out
}

// Successors returns the revisions that name id as their predecessor.
func (c *Chain) Successors(id string) []PlanRevision {
	idx := c.next[id]
	out := make([]PlanRevision, 0, len(idx))
	for _, i := range idx {
		out = append(out, c.revs[i])
	}
	return out
}

// Validate checks the ordering invariants of the chain: every predecessor
// exists, starts strictly before its successor, and no revision ends before
// it starts. The resolver does not require a valid chain; Validate exists
// for writers that want to reject bad data up front.
func (c *Chain) Validate() error {
	for _, rev := range c.revs {
		if rev.EndAt != nil && rev.EndAt.Before(rev.StartAt) {
			return fmt.Errorf("%w: revision %q ends at %s before it starts at %s",
				ErrOutOfOrder, rev.ID, rev.EndAt.Format(time.RFC3339), rev.StartAt.Format(time.RFC3339))
		}
		if rev.PreviousID == "" {
			continue
		}
		prev, ok := c.Get(rev.PreviousID)
		if !ok {
			return &MalformedChainError{PlanID: c.planID, RevisionID: rev.ID, Reason: ReasonDangling}
		}
		if !rev.StartAt.After(prev.StartAt) {
			return fmt.Errorf("%w: revision %q starts at %s, not after predecessor %q at %s",
				ErrOutOfOrder, rev.ID, rev.StartAt.Format(time.RFC3339), prev.ID, prev.StartAt.Format(time.RFC3339))
		}
	}
	return nil
}
