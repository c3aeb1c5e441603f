package exception

import "errors"

var (
	ErrRiskLimitExceeded = errors.New("risk: limit exceeded")
	ErrUnknownPolicy     = errors.New("risk: unknown sizing policy")
	ErrPolicyExists      = errors.New("risk: sizing policy already registered")
	ErrRegistryFrozen    = errors.New("risk: policy registry frozen")
)
