package exception

import "errors"

// WAL errors
var (
	ErrNotStartedWAL     = errors.New("wal: writer not started")
	ErrStartedWAL        = errors.New("wal: writer already started")
	ErrClosedWAL         = errors.New("wal: writer closed")
	ErrQueueFullWAL      = errors.New("wal: queue full")
	ErrRecordTooLargeWAL = errors.New("wal: record too large")
	// ErrCorruptWAL covers bad magic, unknown layout and header size.
	ErrCorruptWAL        = errors.New("wal: corrupt record")
	ErrChecksumWAL       = errors.New("wal: checksum mismatch")
	ErrHeaderMismatchWAL = errors.New("wal: header does not match payload")
)
