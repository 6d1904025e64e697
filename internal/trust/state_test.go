package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_SequentialOnboarding(t *testing.T) {
	assert.True(t, CanTransition(StatePendingIdentity, StatePendingOwnership))
	assert.True(t, CanTransition(StatePendingOwnership, StatePendingSignature))
	assert.True(t, CanTransition(StatePendingSignature, StateActive))
	assert.True(t, CanTransition(StateActive, StateRevoked))
}

func TestCanTransition_NoSkipping(t *testing.T) {
	assert.False(t, CanTransition(StatePendingIdentity, StatePendingSignature))
	assert.False(t, CanTransition(StatePendingIdentity, StateActive))
	assert.False(t, CanTransition(StatePendingOwnership, StateActive))
}

func TestCanTransition_NoGoingBack(t *testing.T) {
	assert.False(t, CanTransition(StateActive, StatePendingIdentity))
	assert.False(t, CanTransition(StatePendingSignature, StatePendingOwnership))
}

func TestCanTransition_RejectionFromAnyNonTerminal(t *testing.T) {
	for _, from := range []State{StatePendingIdentity, StatePendingOwnership, StatePendingSignature, StateActive} {
		assert.True(t, CanTransition(from, StateRejected), "rejection from %s", from)
	}
}

func TestCanTransition_TerminalAbsorbing(t *testing.T) {
	for _, from := range []State{StateRejected, StateRevoked} {
		for _, to := range []State{StatePendingIdentity, StatePendingOwnership, StatePendingSignature, StateActive, StateRejected, StateRevoked} {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_RevokeOnlyFromActive(t *testing.T) {
	assert.False(t, CanTransition(StatePendingIdentity, StateRevoked))
	assert.False(t, CanTransition(StatePendingSignature, StateRevoked))
	assert.True(t, CanTransition(StateActive, StateRevoked))
}

func TestTerminal(t *testing.T) {
	assert.True(t, StateRejected.Terminal())
	assert.True(t, StateRevoked.Terminal())
	assert.False(t, StateActive.Terminal())
	assert.False(t, StatePendingIdentity.Terminal())
}
