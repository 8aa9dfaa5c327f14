package session

import "fmt"

// ErrInvalidState is returned when an operation is invoked in a state that
// forbids it (spec §4.8: "Illegal transitions raise InvalidState"). It is
// always a programmer error, never retried.
type ErrInvalidState struct {
	From State
	Op   string
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("session: %s invalid in state %s", e.Op, e.From)
}
