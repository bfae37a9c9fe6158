package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Reliable-channel frames carry one packet plus a small transport prefix,
// behind a 2-byte big-endian length.
const (
	FrameHeaderSize = 2
	MaxFrameSize    = MaxPacketSize + 64
)

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrFrameTooLarge = errors.New("frame too large")
)

func EncodeFrame(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	out := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint16(out[:FrameHeaderSize], uint16(len(body)))
	copy(out[FrameHeaderSize:], body)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	switch {
	case n == 0:
		return nil, ErrEmptyFrame
	case n > MaxFrameSize:
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body as a single frame. Short writes without an error
// are reported as io.ErrShortWrite.
func WriteFrame(w io.Writer, body []byte) error {
	frame, err := EncodeFrame(body)
	if err != nil {
		return err
	}
	for len(frame) > 0 {
		n, err := w.Write(frame)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		frame = frame[n:]
	}
	return nil
}
