package exception

import "errors"

// UDS errors
var (
	// ErrEmptyPathUDS is returned when a socket path is empty.
	ErrEmptyPathUDS = errors.New("uds: empty path")
	// ErrNilUDS is returned when a nil server or client receiver is used.
	ErrNilUDS = errors.New("uds: nil receiver")
	// ErrListeningUDS is returned when Listen is called twice.
	ErrListeningUDS = errors.New("uds: already listening")
	// ErrNotListeningUDS is returned when Serve is called before Listen.
	ErrNotListeningUDS = errors.New("uds: not listening")
	// ErrPathNotSocketUDS is returned when the existing path is not a socket.
	ErrPathNotSocketUDS = errors.New("uds: path exists and is not a socket")
)
