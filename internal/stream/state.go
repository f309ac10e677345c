// Package stream runs one login session: it owns the browser, publishes its
// screencast to whichever client is attached, forwards that client's input
// and drives the session from login page to captured credential.
package stream

import "fmt"

type State string

const (
	StateCreated           State = "created"
	StateStreaming         State = "streaming"
	StateDisconnectedGrace State = "disconnected_grace"
	StateCompleting        State = "completing"
	StateComplete          State = "complete"
	StateError             State = "error"
	StateExpired           State = "expired"
)

// Terminal states release the browser and never change again.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateExpired
}

var transitions = map[State][]State{
	StateCreated:           {StateStreaming, StateCompleting, StateError},
	StateStreaming:         {StateDisconnectedGrace, StateCompleting, StateError},
	StateDisconnectedGrace: {StateStreaming, StateCompleting, StateExpired, StateError},
	StateCompleting:        {StateComplete, StateError},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is a programming error surfaced by setState.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}
