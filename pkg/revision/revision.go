// Package revision resolves which revision of a rate plan is in effect at a
// given instant. A plan's revisions form a backward-linked chain, newest
// first; every revision names the one it supersedes.
package revision

import "time"

// PlanRevision is one time-bounded version of a rate plan.
type PlanRevision struct {
	ID         string     `json:"id"`
	PlanID     string     `json:"plan_id,omitempty"`
	StartAt    time.Time  `json:"start_at"`
	EndAt      *time.Time `json:"end_at,omitempty"`     // nil = open-ended
	PreviousID string     `json:"previous_id,omitempty"` // "" = first revision
}

// OpenEnded reports whether the revision has no recorded end.
func (r PlanRevision) OpenEnded() bool {
	return r.EndAt == nil
}

// Bounds controls whether interval endpoints count as inside the interval.
type Bounds struct {
	StartInclusive bool
	EndInclusive   bool
}

// DefaultBounds treats both endpoints as part of the effective period.
var DefaultBounds = Bounds{StartInclusive: true, EndInclusive: true}

// Contains reports whether t falls inside the revision's effective period.
func (b Bounds) Contains(rev PlanRevision, t time.Time) bool {
	if b.StartInclusive {
		if t.Before(rev.StartAt) {
			return false
		}
	} else if !t.After(rev.StartAt) {
		return false
	}

	if rev.EndAt == nil {
		return true
	}
	if b.EndInclusive {
		return !t.After(*rev.EndAt)
	}
	return t.Before(*rev.EndAt)
}

// Clock is the time source used to pick the evaluation instant.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// FixedClock always returns t.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}
