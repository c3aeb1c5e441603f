package recorder

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"tradecore/internal/codec"
	"tradecore/internal/errors"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Writer appends published events to WAL segments. Append encodes on the
// caller and hands the frame to a single writer goroutine through a bounded
// queue, so it never blocks on disk.
type Writer struct {
	cfg   Config
	now   func() time.Time
	queue chan queued
	done  chan struct{}

	// mu orders Append against Close so nothing is sent on a closed queue.
	mu      sync.RWMutex
	started bool
	closed  bool

	failure  atomic.Pointer[error]
	appended atomic.Uint64
	written  atomic.Uint64
	segments atomic.Uint64
}

type queued struct {
	header  Header
	payload []byte
}

// NewWriter creates the WAL directory and a writer that is not yet running.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create wal dir %s", cfg.Dir)
	}
	return &Writer{
		cfg:   cfg,
		now:   time.Now,
		queue: make(chan queued, cfg.QueueSize),
		done:  make(chan struct{}),
	}, nil
}

// Start launches the writer goroutine. Cancelling ctx stops it after the
// queued frames are written.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.closed:
		return exception.ErrClosedWAL
	case w.started:
		return exception.ErrStartedWAL
	}
	w.started = true
	go w.run(ctx)
	return nil
}

// Close stops accepting events, writes what is queued and syncs the last
// segment. It returns the first write error, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	started := w.started
	w.mu.Unlock()

	if started {
		<-w.done
	}
	return w.Err()
}

// Err returns the first error the writer goroutine hit.
func (w *Writer) Err() error {
	if p := w.failure.Load(); p != nil {
		return *p
	}
	return nil
}

// Append queues one published event.
func (w *Writer) Append(e schema.Event) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	switch {
	case w.closed:
		return exception.ErrClosedWAL
	case !w.started:
		return exception.ErrNotStartedWAL
	}
	if err := w.Err(); err != nil {
		return err
	}

	payload, err := codec.EncodeEvent(e)
	if err != nil {
		return err
	}
	if len(payload) > maxFramePayload {
		return errors.Wrapf(exception.ErrRecordTooLargeWAL, "%s #%d: %d bytes", e.Type, e.ID, len(payload))
	}
	h := HeaderOf(e)
	h.RecvTs = w.now().UnixNano()

	select {
	case w.queue <- queued{header: h, payload: payload}:
		w.appended.Add(1)
		return nil
	default:
		return exception.ErrQueueFullWAL
	}
}

// Appended counts events accepted into the queue.
func (w *Writer) Appended() uint64 { return w.appended.Load() }

// Written counts frames handed to the segment buffer.
func (w *Writer) Written() uint64 { return w.written.Load() }

// Segments counts segment files opened by this writer.
func (w *Writer) Segments() uint64 { return w.segments.Load() }

func (w *Writer) fail(err error) {
	if err != nil && w.failure.CompareAndSwap(nil, &err) {
		logs.Errorf("wal %s: writer stopped, err: %+v", w.cfg.Dir, err)
	}
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)

	l := &writerLoop{w: w}
	defer func() { w.fail(l.closeSegment()) }()

	flushC, stopFlush := every(w.cfg.FlushInterval)
	defer stopFlush()
	syncC, stopSync := every(w.cfg.SyncInterval)
	defer stopSync()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.closed = true
			w.mu.Unlock()
			l.drain()
			return
		case q, ok := <-w.queue:
			if !ok {
				return
			}
			if err := l.write(q); err != nil {
				w.fail(err)
				return
			}
		case <-flushC:
			if err := l.flush(false); err != nil {
				w.fail(err)
				return
			}
		case <-syncC:
			if err := l.flush(true); err != nil {
				w.fail(err)
				return
			}
		}
	}
}

// writerLoop is the state owned by the writer goroutine.
type writerLoop struct {
	w     *Writer
	seg   *segment
	seq   uint64
	frame []byte
}

func (l *writerLoop) write(q queued) error {
	now := l.w.now()
	size := int64(len(q.payload) + frameOverhead)
	if l.seg == nil || l.seg.full(l.w.cfg, now, size) {
		if err := l.closeSegment(); err != nil {
			return err
		}
		seg, err := createSegment(l.w.cfg, &l.seq, now)
		if err != nil {
			return err
		}
		l.seg = seg
		l.w.segments.Add(1)
	}

	l.frame = appendFrame(l.frame[:0], q.header, q.payload)
	if err := l.seg.write(l.frame); err != nil {
		return err
	}
	l.w.written.Add(1)
	return nil
}

// drain writes whatever is already queued without waiting for more.
func (l *writerLoop) drain() {
	for {
		select {
		case q, ok := <-l.w.queue:
			if !ok {
				return
			}
			if err := l.write(q); err != nil {
				l.w.fail(err)
				return
			}
		default:
			return
		}
	}
}

func (l *writerLoop) flush(durable bool) error {
	switch {
	case l.seg == nil:
		return nil
	case durable:
		return l.seg.sync()
	default:
		return l.seg.flush()
	}
}

func (l *writerLoop) closeSegment() error {
	if l.seg == nil {
		return nil
	}
	seg := l.seg
	l.seg = nil
	return seg.close()
}

// every returns a ticker channel, or nil when d disables the ticker.
func every(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}
