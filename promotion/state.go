package promotion

import (
	"errors"
	"fmt"

	"github.com/INLOpen/nexusdoc/core"
)

// State is a step of the promotion state machine. No state is persisted:
// after a restart every node is Steady and authority is whatever the
// authority marker on disk says.
type State uint8

const (
	StateSteady State = iota
	StatePromotionRequested
	StateValidating
	StateValidated
	StateTransitioning
	StateTransitioned
	StateDenied
)

// States lists every state, in declaration order.
var States = []State{
	StateSteady,
	StatePromotionRequested,
	StateValidating,
	StateValidated,
	StateTransitioning,
	StateTransitioned,
	StateDenied,
}

func (s State) String() string {
	switch s {
	case StateSteady:
		return "Steady"
	case StatePromotionRequested:
		return "PromotionRequested"
	case StateValidating:
		return "Validating"
	case StateValidated:
		return "Validated"
	case StateTransitioning:
		return "Transitioning"
	case StateTransitioned:
		return "Transitioned"
	case StateDenied:
		return "Denied"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Event drives a state transition.
type Event uint8

const (
	EventRequest Event = iota
	EventValidate
	EventPass
	EventFail
	EventExecute
	// EventCommit means the authority marker naming the candidate is durable.
	EventCommit
	// EventAbort means the marker write failed and the marker on disk still
	// names the previous holder.
	EventAbort
	EventSettle
	EventReset
	// EventExpire drops a validated request whose token lapsed.
	EventExpire
)

// Events lists every event, in declaration order.
var Events = []Event{
	EventRequest,
	EventValidate,
	EventPass,
	EventFail,
	EventExecute,
	EventCommit,
	EventAbort,
	EventSettle,
	EventReset,
	EventExpire,
}

func (e Event) String() string {
	switch e {
	case EventRequest:
		return "request"
	case EventValidate:
		return "validate"
	case EventPass:
		return "pass"
	case EventFail:
		return "fail"
	case EventExecute:
		return "execute"
	case EventCommit:
		return "commit"
	case EventAbort:
		return "abort"
	case EventSettle:
		return "settle"
	case EventReset:
		return "reset"
	case EventExpire:
		return "expire"
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// ErrInvalidTransition is returned for a (state, event) pair the machine
// does not define.
var ErrInvalidTransition = errors.New("invalid promotion transition")

// Transition returns the state that follows s on e. Every pair is handled
// here; a pair not listed is a REJECT and leaves s unchanged.
func Transition(s State, e Event) (State, error) {
	switch s {
	case StateSteady:
		switch e {
		case EventRequest:
			return StatePromotionRequested, nil
		}
	case StatePromotionRequested:
		switch e {
		case EventValidate:
			return StateValidating, nil
		case EventFail:
			// Vetoed before validation started.
			return StateDenied, nil
		}
	case StateValidating:
		switch e {
		case EventPass:
			return StateValidated, nil
		case EventFail:
			return StateDenied, nil
		}
	case StateValidated:
		switch e {
		case EventValidate:
			// Confirmation validates again from scratch.
			return StateValidating, nil
		case EventExecute:
			return StateTransitioning, nil
		case EventExpire:
			return StateSteady, nil
		}
	case StateTransitioning:
		switch e {
		case EventCommit:
			return StateTransitioned, nil
		case EventAbort:
			return StateSteady, nil
		}
	case StateTransitioned:
		switch e {
		case EventSettle:
			return StateSteady, nil
		}
	case StateDenied:
		switch e {
		case EventReset:
			return StateSteady, nil
		}
	}
	return s, core.Reject("promotion.transition", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, e))
}
