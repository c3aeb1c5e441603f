package exception

import "errors"

// Event and bus errors.
var (
	ErrMalformedEvent      = errors.New("event: malformed")
	ErrRejectedAtIngestion = errors.New("event: rejected at ingestion")
	ErrBackpressure        = errors.New("event: dropped under backpressure")
	ErrDuplicateEvent      = errors.New("event: duplicate ignored")
	ErrBusClosed           = errors.New("event: bus closed")
	ErrBusStarted          = errors.New("event: bus already started")
	ErrHandlerPanic        = errors.New("event: handler panicked")
)
