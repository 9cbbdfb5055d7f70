package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusInitiated.CanTransitionTo(StatusPending))
	assert.True(t, StatusInitiated.CanTransitionTo(StatusFailed))
	assert.False(t, StatusInitiated.CanTransitionTo(StatusSuccess))

	assert.True(t, StatusPending.CanTransitionTo(StatusSuccess))
	assert.True(t, StatusPending.CanTransitionTo(StatusFailed))
	assert.True(t, StatusPending.CanTransitionTo(StatusCancelled))
	assert.True(t, StatusPending.CanTransitionTo(StatusTimeout))
	assert.False(t, StatusPending.CanTransitionTo(StatusInitiated))

	for _, s := range []Status{StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.CanTransitionTo(StatusPending), s)
	}
	assert.False(t, StatusInitiated.Terminal())
	assert.False(t, StatusPending.Terminal())
}

func TestCanApplyIdempotentReapply(t *testing.T) {
	tx := &Transaction{Status: StatusSuccess}
	// the same terminal result may be re-applied, a conflicting one may not
	assert.True(t, tx.CanApply(StatusSuccess))
	assert.False(t, tx.CanApply(StatusFailed))

	tx.Status = StatusPending
	assert.True(t, tx.CanApply(StatusFailed))
}
