package feed

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync/atomic"

	"github.com/yanun0323/logs"

	"tradecore/internal/errors"
	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Name identifies the feed in faults.
const Name = "feed"

const maxLineSize = 1 << 20

// Publisher is the part of the bus the feed needs.
type Publisher interface {
	Publish(ctx context.Context, e schema.Event) (schema.Event, error)
}

// Stats counts what happened to ingested lines.
type Stats struct {
	Lines     uint64
	Published uint64
	Rejected  uint64
	Dropped   uint64
}

// Option customizes an Ingester.
type Option func(*Ingester)

// WithSink reports ingestion faults to s.
func WithSink(s obs.Sink) Option {
	return func(in *Ingester) {
		if s != nil {
			in.sink = s
		}
	}
}

// Ingester parses feed lines and publishes them as source events. Bad input
// is counted and reported, never fatal.
type Ingester struct {
	pub    Publisher
	parser Parser
	sink   obs.Sink

	lines     atomic.Uint64
	published atomic.Uint64
	rejected  atomic.Uint64
	dropped   atomic.Uint64
}

// NewIngester returns an ingester publishing to pub.
func NewIngester(pub Publisher, parser Parser, opts ...Option) *Ingester {
	in := &Ingester{pub: pub, parser: parser, sink: obs.Nop{}}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest handles one line. It only fails when the bus can no longer accept
// events.
func (in *Ingester) Ingest(ctx context.Context, line []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == '#' {
		return nil
	}
	in.lines.Add(1)

	e, err := in.parser.Parse(line)
	if err != nil {
		in.reject(ctx, e.Symbol, err)
		return nil
	}

	_, err = in.pub.Publish(ctx, e)
	switch {
	case err == nil:
		in.published.Add(1)
		return nil
	case errors.Is(err, exception.ErrMalformedEvent):
		// the bus already reported it
		in.rejected.Add(1)
		return nil
	case errors.Is(err, exception.ErrBackpressure):
		in.dropped.Add(1)
		return nil
	default:
		return errors.Wrapf(err, "publish %s", e.Type)
	}
}

// Run ingests r line by line until EOF or a bus failure.
func (in *Ingester) Run(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := in.Ingest(ctx, sc.Bytes()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "read feed")
	}
	return nil
}

// ServeConn ingests one socket connection. It has the shape of uds.Handler.
func (in *Ingester) ServeConn(ctx context.Context, conn net.Conn) {
	if err := in.Run(ctx, conn); err != nil && ctx.Err() == nil {
		logs.Warnf("feed: connection %s closed, err: %+v", conn.RemoteAddr(), err)
	}
}

// Stats returns the current counters.
func (in *Ingester) Stats() Stats {
	return Stats{
		Lines:     in.lines.Load(),
		Published: in.published.Load(),
		Rejected:  in.rejected.Load(),
		Dropped:   in.dropped.Load(),
	}
}

func (in *Ingester) reject(ctx context.Context, symbol string, err error) {
	in.rejected.Add(1)
	in.sink.OnFault(ctx, obs.Fault{
		Kind:      obs.FaultRejectedAtIngestion,
		Component: Name,
		Symbol:    symbol,
		Err:       errors.Wrap(exception.ErrRejectedAtIngestion, err.Error()),
	})
}
