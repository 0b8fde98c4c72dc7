// Package framesock implements length-prefixed message framing over TCP.
//
// Every frame on the wire is a 4-byte big-endian unsigned length followed by
// exactly that many payload bytes. Frames are concatenated with no delimiter:
//
//	+----------------+----------------------+
//	| length (4B BE) | payload (length B)   |
//	+----------------+----------------------+
//
// The Encoder turns payloads into frames, the Reassembler rebuilds payloads
// from an arbitrarily chunked byte stream, and Conn/Server wire both to a
// TCP connection.
package framesock

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

const (
	// HeaderLen is the size of the length prefix.
	HeaderLen = 4
	// DefaultMaxPayload is the payload ceiling used when none is configured (64MB).
	DefaultMaxPayload uint32 = 64 << 20
	// MaxPayloadLimit is the largest length the header can express.
	MaxPayloadLimit uint32 = math.MaxUint32
)

// Framing errors. Match them with errors.Is; returned errors carry extra context.
var (
	// ErrPayloadTooLarge is returned when encoding a payload above the ceiling.
	// Nothing is written or queued.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrFrameTooLarge is returned when the peer declares a length above the ceiling.
	// The stream can no longer be trusted and the connection must be dropped.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrTruncatedStream is returned when the stream ends inside a frame.
	ErrTruncatedStream = errors.New("truncated stream")
	// ErrReassemblerPoisoned is returned by a Reassembler after a fatal framing error.
	ErrReassemblerPoisoned = errors.New("reassembler poisoned")
)

// FrameLen returns the on-wire size of a frame carrying payloadLen bytes.
func FrameLen(payloadLen int) int {
	return HeaderLen + payloadLen
}

// checkPayload reports whether a payload of n bytes fits under max.
func checkPayload(n uint64, max uint32) bool {
	return n <= uint64(max)
}

func putHeader(dst []byte, n int) {
	binary.BigEndian.PutUint32(dst[:HeaderLen], uint32(n))
}

func readHeader(src []byte) uint32 {
	return binary.BigEndian.Uint32(src[:HeaderLen])
}

// Encoder builds frames. It holds no state besides its ceiling, so a single
// Encoder may be shared by any number of goroutines.
type Encoder struct {
	maxPayload uint32
}

// NewEncoder returns an Encoder rejecting payloads longer than maxPayload.
func NewEncoder(maxPayload uint32) Encoder {
	return Encoder{maxPayload: maxPayload}
}

// MaxPayload returns the configured ceiling.
func (e Encoder) MaxPayload() uint32 {
	return e.maxPayload
}

// Encode returns the frame for payload: HeaderLen+len(payload) bytes.
func (e Encoder) Encode(payload []byte) ([]byte, error) {
	if !checkPayload(uint64(len(payload)), e.maxPayload) {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes exceeds limit %d", len(payload), e.maxPayload)
	}
	frame := make([]byte, FrameLen(len(payload)))
	putHeader(frame, len(payload))
	copy(frame[HeaderLen:], payload)
	return frame, nil
}

// AppendFrame appends the frame for payload to dst.
// On error dst is returned unchanged.
func (e Encoder) AppendFrame(dst, payload []byte) ([]byte, error) {
	if !checkPayload(uint64(len(payload)), e.maxPayload) {
		return dst, errors.Wrapf(ErrPayloadTooLarge, "%d bytes exceeds limit %d", len(payload), e.maxPayload)
	}
	var header [HeaderLen]byte
	putHeader(header[:], len(payload))
	dst = append(dst, header[:]...)
	return append(dst, payload...), nil
}

// WriteFrame writes one frame to w with a single Write call.
func WriteFrame(w io.Writer, payload []byte, maxPayload uint32) error {
	frame, err := NewEncoder(maxPayload).Encode(payload)
	if err != nil {
		return err
	}
	n, err := w.Write(frame)
	if err != nil {
		return errors.Wrap(err, "write frame")
	}
	if n != len(frame) {
		return errors.Wrapf(io.ErrShortWrite, "wrote %d of %d bytes", n, len(frame))
	}
	return nil
}

// ReadFrame reads exactly one frame from r and returns its payload.
// It returns io.EOF when r ends cleanly between frames, ErrTruncatedStream
// when r ends inside a frame, and ErrFrameTooLarge before allocating for an
// oversized declared length.
func ReadFrame(r io.Reader, maxPayload uint32) ([]byte, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(ErrTruncatedStream, "partial header")
		}
		return nil, err
	}

	n := readHeader(header[:])
	if !checkPayload(uint64(n), maxPayload) {
		return nil, errors.Wrapf(ErrFrameTooLarge, "declared %d bytes exceeds limit %d", n, maxPayload)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrapf(ErrTruncatedStream, "partial body of %d bytes", n)
		}
		return nil, err
	}
	return payload, nil
}
