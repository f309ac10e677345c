package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionEnded is returned when attaching to or extending a session
	// that already reached a terminal state.
	ErrSessionEnded = errors.New("session has ended")

	errSessionClosed  = errors.New("session closed")
	errSessionTimeout = errors.New("authentication timed out")
	errGraceExpired   = errors.New("session expired: client did not reconnect in time")
)

// NavigationError is a failed load of the login page. Always fatal.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate to %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }
