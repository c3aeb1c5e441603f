package exception

import "errors"

var (
	ErrExecutionTransient = errors.New("order: transient execution error")
	ErrExecutionTerminal  = errors.New("order: terminal execution error")
	ErrLateCancelIgnored  = errors.New("order: late cancel ignored")
	ErrUnknownOrder       = errors.New("order: not found")
	ErrDuplicateOrder     = errors.New("order: already exists")
	ErrInvalidTransition  = errors.New("order: invalid state transition")
	ErrInvalidFill        = errors.New("order: invalid fill")
)
