package trust

import (
	"fmt"
	"time"
)

// State is a trust scope's position in the onboarding lifecycle. A scope
// only gains authority in StateActive; every other state denies.
type State string

const (
	StatePendingIdentity  State = "pending_identity"
	StatePendingOwnership State = "pending_ownership"
	StatePendingSignature State = "pending_signature"
	StateActive           State = "active"
	StateRejected         State = "rejected"
	StateRevoked          State = "revoked"
)

// Terminal reports whether the state is absorbing. Rejected and revoked
// scopes never transition again; a new onboarding needs a new scope.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateRevoked
}

// transitions is the complete legal transition table. Anything not listed
// is an error. Advancement is strictly sequential through the pending
// states; rejection is reachable from any non-terminal state; revocation
// only from active.
var transitions = map[State][]State{
	StatePendingIdentity:  {StatePendingOwnership, StateRejected},
	StatePendingOwnership: {StatePendingSignature, StateRejected},
	StatePendingSignature: {StateActive, StateRejected},
	StateActive:           {StateRevoked, StateRejected},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition records one state change with the verification evidence
// that justified it.
type Transition struct {
	ID        string    `json:"id"`
	ScopeID   string    `json:"scope_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Actor     string    `json:"actor"`
	Evidence  string    `json:"evidence,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// validateTransition returns a descriptive error for an illegal move.
func validateTransition(from, to State) error {
	if from.Terminal() {
		return fmt.Errorf("scope is %s and cannot transition", from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	return nil
}
