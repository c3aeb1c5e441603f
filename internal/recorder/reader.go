package recorder

import (
	"bufio"
	"encoding/binary"
	"io"

	"tradecore/internal/codec"
	"tradecore/internal/errors"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// ReaderOptions controls frame decoding.
type ReaderOptions struct {
	DisableChecksum bool
	// MaxPayloadSize rejects larger frames; zero means no extra limit.
	MaxPayloadSize int
}

// Reader decodes frames from one segment in order.
type Reader struct {
	src     *bufio.Reader
	opts    ReaderOptions
	header  [frameHeaderSize]byte
	trailer [frameTrailerSize]byte
	payload []byte
	last    Header
	frames  uint64
}

func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	return &Reader{src: bufio.NewReader(r), opts: opts}
}

// Next returns the next frame. The payload is reused by the following call.
// A clean end of segment is io.EOF; a frame cut short is
// io.ErrUnexpectedEOF.
func (r *Reader) Next() (Header, []byte, error) {
	if n, err := io.ReadFull(r.src, r.header[:]); err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return Header{}, nil, io.EOF
		}
		return Header{}, nil, errors.Wrapf(err, "frame %d header", r.frames+1)
	}
	h, n, ok := parseHeader(r.header[:])
	if !ok {
		return Header{}, nil, errors.Wrapf(exception.ErrCorruptWAL, "frame %d", r.frames+1)
	}
	if n > maxFramePayload || (r.opts.MaxPayloadSize > 0 && n > r.opts.MaxPayloadSize) {
		return h, nil, errors.Wrapf(exception.ErrRecordTooLargeWAL, "frame %d: %d bytes", r.frames+1, n)
	}

	if cap(r.payload) < n {
		r.payload = make([]byte, n)
	}
	r.payload = r.payload[:n]
	if _, err := io.ReadFull(r.src, r.payload); err != nil {
		return h, nil, errors.Wrapf(unexpected(err), "frame %d payload", r.frames+1)
	}
	if _, err := io.ReadFull(r.src, r.trailer[:]); err != nil {
		return h, nil, errors.Wrapf(unexpected(err), "frame %d checksum", r.frames+1)
	}
	if !r.opts.DisableChecksum && binary.LittleEndian.Uint32(r.trailer[:]) != frameChecksum(r.header[:], r.payload) {
		return h, nil, errors.Wrapf(exception.ErrChecksumWAL, "frame %d, event %d", r.frames+1, h.ID)
	}
	r.frames++
	r.last = h
	return h, r.payload, nil
}

// NextEvent reads the next frame and decodes its event.
func (r *Reader) NextEvent() (schema.Event, error) {
	h, payload, err := r.Next()
	if err != nil {
		return schema.Event{}, err
	}
	e, err := codec.DecodeEvent(payload)
	if err != nil {
		return schema.Event{}, errors.Wrapf(err, "frame %d", r.frames)
	}
	if !h.Matches(e) {
		return schema.Event{}, errors.Wrapf(exception.ErrHeaderMismatchWAL, "frame %d, event %d", r.frames, h.ID)
	}
	return e, nil
}

func (r *Reader) lastRecvTs() int64 { return r.last.RecvTs }

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
