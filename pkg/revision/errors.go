package revision

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedChain is matched by every *MalformedChainError.
	ErrMalformedChain = errors.New("malformed revision chain")
	// ErrInvalidArgument is matched by every *InvalidArgumentError.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Reasons carried by MalformedChainError.
const (
	ReasonCycle       = "cycle"
	ReasonDangling    = "dangling predecessor"
	ReasonDuplicateID = "duplicate id"
	ReasonForeignPlan = "revision belongs to another plan"
)

// MalformedChainError reports a chain that cannot be walked safely.
type MalformedChainError struct {
	PlanID     string
	RevisionID string
	Reason     string
}

func (e *MalformedChainError) Error() string {
	if e.PlanID == "" {
		return fmt.Sprintf("malformed revision chain: %s at revision %q", e.Reason, e.RevisionID)
	}
	return fmt.Sprintf("malformed revision chain for plan %q: %s at revision %q", e.PlanID, e.Reason, e.RevisionID)
}

func (e *MalformedChainError) Unwrap() error { return ErrMalformedChain }

// InvalidArgumentError reports a caller contract violation detected before
// any traversal.
type InvalidArgumentError struct {
	Arg    string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Arg, e.Reason)
}

func (e *InvalidArgumentError) Unwrap() error { return ErrInvalidArgument }
