package fsm

import (
	"context"
	"errors"
	"fmt"

	loopfsm "github.com/looplab/fsm"

	"github.com/neomorfeo/entitleiq/internal/domain"
)

// Compile-time check: Validator implements domain.TransitionValidator.
var _ domain.TransitionValidator = (*Validator)(nil)

// events converts domain.Transitions into looplab/fsm EventDesc format.
// One billing event can reach several destinations (a status change
// resolves to active, past_due, or unpaid depending on the raw status),
// so FSM event names are keyed by event plus destination, and
// transitions sharing that key are consolidated into a single EventDesc
// with multiple source states.
var events = buildEvents()

// eventKey names the FSM event for a (billing event, destination) pair.
func eventKey(event domain.EventKind, dst domain.State) string {
	return fmt.Sprintf("%s>%s", event, dst)
}

func buildEvents() []loopfsm.EventDesc {
	grouped := make(map[string][]string)
	order := make([]string, 0)
	dsts := make(map[string]string)

	for _, t := range domain.Transitions {
		k := eventKey(t.Event, t.Dst)
		if _, exists := grouped[k]; !exists {
			order = append(order, k)
			dsts[k] = string(t.Dst)
		}
		grouped[k] = append(grouped[k], string(t.Src))
	}

	out := make([]loopfsm.EventDesc, 0, len(order))
	for _, k := range order {
		out = append(out, loopfsm.EventDesc{
			Name: k,
			Src:  grouped[k],
			Dst:  dsts[k],
		})
	}
	return out
}

// Validator implements domain.TransitionValidator using looplab/fsm.
// It creates a short-lived FSM instance per Apply call, initialized with
// the entitlement's current state. This is necessary because looplab/fsm
// is stateful (it tracks the current state internally).
type Validator struct{}

// New creates a new FSM-backed transition validator.
func New() *Validator {
	return &Validator{}
}

// Apply checks whether the event may move the current state to the target
// state and returns the resulting state. A NoTransitionError from the FSM
// means a declared self-loop (renewal on active, repeated payment failure
// on past_due) and is a valid outcome, not an error. Returns a
// domain.TransitionError when no such edge exists.
func (v *Validator) Apply(ctx context.Context, current domain.State, event domain.EventKind, target domain.State) (domain.State, error) {
	machine := loopfsm.NewFSM(string(current), events, nil)

	if err := machine.Event(ctx, eventKey(event, target)); err != nil {
		var noTransition loopfsm.NoTransitionError
		if errors.As(err, &noTransition) {
			// Self-loop: the edge exists, the state simply does not move.
			return current, nil
		}

		var invalidEvent loopfsm.InvalidEventError
		var unknownEvent loopfsm.UnknownEventError
		if errors.As(err, &invalidEvent) || errors.As(err, &unknownEvent) {
			return "", &domain.TransitionError{
				Event:   event,
				Current: current,
				Target:  target,
			}
		}
		return "", err
	}

	return domain.State(machine.Current()), nil
}
