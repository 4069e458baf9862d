// Package fatal defines the distinguished error type for conditions the
// integrator must not paper over: a bad timestep, a mass/Omega mismatch,
// an unusable restart combination. Callers propagate these up to cmd/,
// which writes an emergency snapshot where required and exits non-zero.
// Panics stay reserved for programmer invariant violations.
package fatal

import "fmt"

// Code classifies a fatal condition.
type Code int

const (
	// Config covers unknown restart combinations and missing inputs.
	Config Code = iota
	// BadTimestep is a sub-unit timestep request: the emergency-snapshot
	// path fires before aborting.
	BadTimestep
	// OmegaMismatch is the bootstrap mass-content sanity failure.
	OmegaMismatch
	// TimelineEnd is a tick request beyond the sync-point table.
	TimelineEnd
)

// Error carries the reason code alongside the human-readable detail.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Errorf builds a fatal Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf returns the reason code of err if it is a fatal Error, with ok
// reporting whether it was one.
func CodeOf(err error) (Code, bool) {
	if fe, ok := err.(*Error); ok {
		return fe.Code, true
	}
	return 0, false
}
