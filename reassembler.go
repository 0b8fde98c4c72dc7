package framesock

import (
	"github.com/pkg/errors"
)

const (
	// idleBufferCap is the largest buffer kept around once it has been drained.
	idleBufferCap = 64 * 1024
	// maxReserve bounds the capacity reserved for bytes a header announced
	// but the peer has not sent yet.
	maxReserve = 64 * 1024
)

// poisonedError is returned by every Feed after a fatal framing error. It
// matches both ErrReassemblerPoisoned and the original cause.
type poisonedError struct {
	cause error
}

func (e *poisonedError) Error() string {
	return ErrReassemblerPoisoned.Error() + ": " + e.cause.Error()
}

func (e *poisonedError) Unwrap() []error {
	return []error{ErrReassemblerPoisoned, e.cause}
}

// Reassembler rebuilds payloads from the chunks of a single byte stream.
//
// Chunk boundaries carry no meaning: a chunk may hold part of a header, part
// of a body, or several frames at once. The buffer only ever retains the one
// frame that has not fully arrived yet; bytes of extracted frames are dropped
// before Feed returns.
//
// A Reassembler belongs to one connection and must not be fed concurrently.
type Reassembler struct {
	maxPayload uint32
	buf        []byte
	err        error // set once a fatal framing error occurred
}

// NewReassembler returns an empty Reassembler that rejects frames declaring
// more than maxPayload bytes.
func NewReassembler(maxPayload uint32) *Reassembler {
	return &Reassembler{maxPayload: maxPayload}
}

// Feed appends chunk to the stream and returns every payload it completes,
// in arrival order. Returned payloads are owned by the caller.
//
// If a frame declares a length above the ceiling, Feed returns the payloads
// extracted before it together with an ErrFrameTooLarge error, and every later
// call fails with ErrReassemblerPoisoned.
func (r *Reassembler) Feed(chunk []byte) ([][]byte, error) {
	var payloads [][]byte
	err := r.FeedFunc(chunk, func(p []byte) error {
		payloads = append(payloads, p)
		return nil
	})
	return payloads, err
}

// FeedFunc is like Feed but hands each payload to fn as soon as it is
// extracted. If fn returns an error, extraction stops, the frames not yet
// handed out stay buffered and the error is returned unchanged. Such errors
// do not poison the Reassembler.
func (r *Reassembler) FeedFunc(chunk []byte, fn func(payload []byte) error) error {
	if r.err != nil {
		return &poisonedError{cause: r.err}
	}

	r.buf = append(r.buf, chunk...)

	off, reserve, err := r.extract(fn)
	if r.err != nil {
		r.buf = nil
		return err
	}
	r.compact(off, reserve)
	return err
}

// extract walks complete frames starting at the head of the buffer. It
// returns how many bytes were consumed and, when the next frame's header is
// known but its body is incomplete, how much room to reserve for it.
func (r *Reassembler) extract(fn func([]byte) error) (off, reserve int, err error) {
	for {
		rest := r.buf[off:]
		if len(rest) < HeaderLen {
			return off, 0, nil
		}

		n := readHeader(rest)
		if !checkPayload(uint64(n), r.maxPayload) {
			r.err = errors.Wrapf(ErrFrameTooLarge, "declared %d bytes exceeds limit %d", n, r.maxPayload)
			return off, 0, r.err
		}

		need := uint64(HeaderLen) + uint64(n)
		if uint64(len(rest)) < need {
			return off, int(min(need-uint64(len(rest)), maxReserve)), nil
		}

		end := int(need)

		payload := make([]byte, n)
		copy(payload, rest[HeaderLen:end])
		off += end
		if err := fn(payload); err != nil {
			return off, 0, err
		}
	}
}

// compact removes the first off bytes so consumed frames are neither re-read
// nor retained. The partial frame left over is moved to the front of the
// buffer, with at most reserve extra bytes of room. Larger bodies grow the
// buffer only as their bytes arrive.
func (r *Reassembler) compact(off, reserve int) {
	rest := r.buf[off:]
	if len(rest) == 0 && cap(r.buf) > idleBufferCap {
		r.buf = nil
		return
	}
	if want := len(rest) + reserve; want > cap(r.buf) {
		grown := make([]byte, len(rest), want)
		copy(grown, rest)
		r.buf = grown
		return
	}
	if off == 0 {
		return
	}
	n := copy(r.buf, rest)
	r.buf = r.buf[:n]
}

// Buffered returns the number of bytes held for the frame still in flight.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Close reports whether the stream ended on a frame boundary. It returns
// ErrTruncatedStream if any bytes are left over, even a single byte.
func (r *Reassembler) Close() error {
	if r.err != nil {
		return r.err
	}
	if len(r.buf) > 0 {
		return errors.Wrapf(ErrTruncatedStream, "%d bytes left in buffer", len(r.buf))
	}
	return nil
}
