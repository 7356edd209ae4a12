// Package framing implements the length-prefixed message framing used by
// the control plane's native-messaging discovery handshake: a 4-byte
// little-endian uint32 payload length followed by exactly that many
// bytes of payload.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload length accepted by Decode when no
// explicit bound is given. Anything larger is treated as stream
// corruption rather than a legitimate message.
const MaxFrameSize = 10 << 20 // 10 MiB

// ErrTruncatedFrame indicates the stream closed before a full frame
// (header or payload) was read.
var ErrTruncatedFrame = errors.New("framing: truncated frame")

// ErrFrameTooLarge indicates a declared payload length of zero or above
// the size bound.
var ErrFrameTooLarge = errors.New("framing: frame size out of bounds")

// Encode writes payload to w as a single frame.
func Encode(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// Decode reads exactly one frame from r. maxSize bounds the declared
// payload length; pass 0 to use MaxFrameSize. Partial reads are looped
// until the frame is complete; a stream that closes mid-frame yields
// ErrTruncatedFrame.
func Decode(r io.Reader, maxSize uint32) ([]byte, error) {
	if maxSize == 0 {
		maxSize = MaxFrameSize
	}

	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: reading header: %v", ErrTruncatedFrame, err)
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length == 0 || length > maxSize {
		return nil, fmt.Errorf("%w: declared length %d (max %d)", ErrFrameTooLarge, length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: reading payload: %v", ErrTruncatedFrame, err)
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}
