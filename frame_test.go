package framesock

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncoder_Encode(t *testing.T) {
	enc := NewEncoder(testMaxPayload)

	frame, err := enc.Encode([]byte(`{"numbers":[0,1,2]}`))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := append([]byte{0x00, 0x00, 0x00, 0x13}, []byte(`{"numbers":[0,1,2]}`)...)
	if !bytes.Equal(frame, want) {
		t.Errorf("Encode = % x, want % x", frame, want)
	}
	if len(frame) != FrameLen(19) {
		t.Errorf("len = %d, want %d", len(frame), FrameLen(19))
	}
}

func TestEncoder_EncodeEmpty(t *testing.T) {
	frame, err := NewEncoder(testMaxPayload).Encode(nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(frame, []byte{0, 0, 0, 0}) {
		t.Errorf("Encode(nil) = % x, want 00 00 00 00", frame)
	}
}

func TestEncoder_PayloadTooLarge(t *testing.T) {
	enc := NewEncoder(4)

	frame, err := enc.Encode([]byte("12345"))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if frame != nil {
		t.Errorf("Encode produced output on error: % x", frame)
	}

	if _, err := enc.Encode([]byte("1234")); err != nil {
		t.Errorf("payload at the limit rejected: %v", err)
	}
}

func TestEncoder_DoesNotAliasPayload(t *testing.T) {
	payload := []byte("mutable")
	frame, err := NewEncoder(testMaxPayload).Encode(payload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	payload[0] = 'M'
	if frame[HeaderLen] != 'm' {
		t.Error("frame shares memory with payload")
	}
}

func TestEncoder_AppendFrame(t *testing.T) {
	enc := NewEncoder(testMaxPayload)

	var batch []byte
	var err error
	for _, p := range []string{"a", "", "ccc"} {
		batch, err = enc.AppendFrame(batch, []byte(p))
		if err != nil {
			t.Fatalf("AppendFrame failed: %v", err)
		}
	}

	want := []byte{0, 0, 0, 1, 'a', 0, 0, 0, 0, 0, 0, 0, 3, 'c', 'c', 'c'}
	if !bytes.Equal(batch, want) {
		t.Errorf("batch = % x, want % x", batch, want)
	}
}

func TestEncoder_AppendFrameTooLarge(t *testing.T) {
	dst := []byte("keep")
	out, err := NewEncoder(2).AppendFrame(dst, []byte("too long"))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if string(out) != "keep" {
		t.Errorf("dst modified on error: %q", out)
	}
}

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	for _, p := range []string{"one", "", "three"} {
		if err := WriteFrame(&buf, []byte(p), testMaxPayload); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	for _, want := range []string{"one", "", "three"} {
		got, err := ReadFrame(&buf, testMaxPayload)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("ReadFrame = %q, want %q", got, want)
		}
	}

	if _, err := ReadFrame(&buf, testMaxPayload); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestWriteFrame_PayloadTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, []byte("12345"), 4)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("WriteFrame wrote %d bytes on error", buf.Len())
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	frame := mustEncode(t, []byte("truncated"))

	for _, n := range []int{2, HeaderLen, len(frame) - 1} {
		_, err := ReadFrame(bytes.NewReader(frame[:n]), testMaxPayload)
		if !errors.Is(err, ErrTruncatedStream) {
			t.Errorf("%d bytes: expected ErrTruncatedStream, got %v", n, err)
		}
	}
}

func TestReadFrame_FrameTooLarge(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(header(MaxPayloadLimit)), testMaxPayload)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

// oneByteReader returns at most one byte per Read.
type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestReadFrame_ShortReads(t *testing.T) {
	frame := mustEncode(t, []byte("dribbled"))

	got, err := ReadFrame(oneByteReader{bytes.NewReader(frame)}, testMaxPayload)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if string(got) != "dribbled" {
		t.Errorf("ReadFrame = %q, want dribbled", got)
	}
}
