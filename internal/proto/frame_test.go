package proto

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	pkt := Encode(NewHeader(AddrFromUint16(18), AddrFromUint16(15), 3, 4), []byte("hello"))
	var buf bytes.Buffer
	if err := WriteFrame(&buf, pkt); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() != FrameHeaderSize+len(pkt) {
		t.Fatalf("frame length %d", buf.Len())
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(pkt, got) {
		t.Fatalf("body mismatch")
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after last frame, got %v", err)
	}
}

func TestFrameRejectsBadSizes(t *testing.T) {
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("oversize body: %v", err)
	}
	if _, err := EncodeFrame(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("empty body: %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0x10, 0x00})); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("oversize header: %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0})); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("zero header: %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 5, 1, 2})); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("truncated body: %v", err)
	}
}
