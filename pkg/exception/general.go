package exception

import "errors"

// General errors
var (
	ErrInvalidConfig   = errors.New("invalid config")
	ErrNilInstance     = errors.New("nil instance")
	ErrInvalidArgument = errors.New("invalid argument")
)
