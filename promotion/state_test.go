package promotion

import (
	"testing"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_AllPairs(t *testing.T) {
	type pair struct {
		s State
		e Event
	}
	valid := map[pair]State{
		{StateSteady, EventRequest}:              StatePromotionRequested,
		{StatePromotionRequested, EventValidate}: StateValidating,
		{StatePromotionRequested, EventFail}:     StateDenied,
		{StateValidating, EventPass}:             StateValidated,
		{StateValidating, EventFail}:             StateDenied,
		{StateValidated, EventValidate}:          StateValidating,
		{StateValidated, EventExecute}:           StateTransitioning,
		{StateValidated, EventExpire}:            StateSteady,
		{StateTransitioning, EventCommit}:        StateTransitioned,
		{StateTransitioning, EventAbort}:         StateSteady,
		{StateTransitioned, EventSettle}:         StateSteady,
		{StateDenied, EventReset}:                StateSteady,
	}

	for _, s := range States {
		for _, e := range Events {
			got, err := Transition(s, e)
			if want, ok := valid[pair{s, e}]; ok {
				require.NoError(t, err, "%s on %s", s, e)
				assert.Equal(t, want, got, "%s on %s", s, e)
				continue
			}
			require.ErrorIs(t, err, ErrInvalidTransition, "%s on %s", s, e)
			assert.True(t, core.IsReject(err))
			assert.Equal(t, s, got, "an invalid event leaves the state alone")
		}
	}
}

func TestTransition_NoPathSkipsValidation(t *testing.T) {
	// Execute is only reachable from Validated, and Validated only from
	// Validating.
	for _, s := range States {
		if next, err := Transition(s, EventExecute); err == nil {
			assert.Equal(t, StateValidated, s)
			assert.Equal(t, StateTransitioning, next)
		}
		if next, err := Transition(s, EventPass); err == nil {
			assert.Equal(t, StateValidating, s)
			assert.Equal(t, StateValidated, next)
		}
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Transitioning", StateTransitioning.String())
	assert.Equal(t, "State(99)", State(99).String())
	assert.Equal(t, "expire", EventExpire.String())
}
