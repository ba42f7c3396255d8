package vm

import (
	"errors"
	"fmt"
)

// Machine errors. Values wrapped with these are not catchable by pcall:
// they abort the whole run.
var (
	ErrCorruptCode     = errors.New("corrupt instruction stream")
	ErrPoolIndex       = errors.New("hidden pool reference out of range")
	ErrBudgetExceeded  = errors.New("step budget exceeded")
	ErrAborted         = errors.New("execution aborted")
	ErrDeadCoroutine   = errors.New("cannot resume dead coroutine")
	ErrNotCallable     = errors.New("value is not callable")
	ErrNotYieldable    = errors.New("attempt to yield from outside a coroutine")
	ErrYieldAcrossHost = errors.New("attempt to yield across a Go-call boundary")
)

var (
	errNilIndex       = errors.New("index is nil")
	errNaNIndex       = errors.New("index is NaN")
	errInvalidNextKey = errors.New("invalid key to 'next'")

	// errYield unwinds the Go stack of a coroutine that is suspending. It
	// never escapes Resume.
	errYield = errors.New("yield")
)

// Error is a script error. Value is the value passed to error() or the
// message of a runtime error; Traceback lists the active frames at the
// point of the error.
type Error struct {
	Value     Value
	Traceback string
}

func (e *Error) Error() string {
	if s, ok := ToStringRaw(e.Value); ok {
		return s
	}
	if e.Value == nil {
		return "nil"
	}
	return fmt.Sprintf("(error object is a %s value)", TypeName(e.Value))
}

// AsError extracts a script error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
