// Package chunk splits logical messages into small indexed frames that fit a
// radio MTU and reassembles them in any arrival order.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameOverhead is the number of bytes a frame adds around its data:
// a 2-byte index header and a 2-byte total-count trailer.
const FrameOverhead = 4

// MaxFrames is the largest number of frames a single message may span.
const MaxFrames = 1<<16 - 1

var (
	ErrCapacity      = errors.New("chunk: frame capacity must be positive")
	ErrTooManyFrames = errors.New("chunk: payload needs too many frames")
	ErrShortFrame    = errors.New("chunk: short frame")
	ErrBadIndex      = errors.New("chunk: frame index out of range")
	ErrIncomplete    = errors.New("chunk: message incomplete")
	ErrMismatch      = errors.New("chunk: frames disagree on total")
)

// Frame is one fragment of a logical message.
type Frame struct {
	Index uint16
	Total uint16
	Data  []byte
}

// Last reports whether this is the frame with the highest index.
func (f Frame) Last() bool { return f.Index+1 == f.Total }

// Encode renders | 2B index | data | 2B total |, big endian.
func (f Frame) Encode() []byte {
	out := make([]byte, 2+len(f.Data)+2)
	binary.BigEndian.PutUint16(out[:2], f.Index)
	copy(out[2:], f.Data)
	binary.BigEndian.PutUint16(out[len(out)-2:], f.Total)
	return out
}

// DecodeFrame parses an encoded frame. The data slice aliases b.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < FrameOverhead {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	f := Frame{
		Index: binary.BigEndian.Uint16(b[:2]),
		Total: binary.BigEndian.Uint16(b[len(b)-2:]),
		Data:  b[2 : len(b)-2],
	}
	if f.Total == 0 || f.Index >= f.Total {
		return Frame{}, fmt.Errorf("%w: %d/%d", ErrBadIndex, f.Index, f.Total)
	}
	return f, nil
}

// Split cuts payload into ceil(len/capacity) frames of at most capacity data
// bytes each. An empty payload yields no frames.
func Split(payload []byte, capacity int) ([]Frame, error) {
	if capacity < 1 {
		return nil, ErrCapacity
	}
	if len(payload) == 0 {
		return nil, nil
	}
	n := (len(payload) + capacity - 1) / capacity
	if n > MaxFrames {
		return nil, fmt.Errorf("%w: %d", ErrTooManyFrames, n)
	}
	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		lo := i * capacity
		hi := min(lo+capacity, len(payload))
		frames = append(frames, Frame{
			Index: uint16(i),
			Total: uint16(n),
			Data:  payload[lo:hi],
		})
	}
	return frames, nil
}

// Join reassembles frames given in any order. Duplicate indices overwrite
// each other; a missing index yields ErrIncomplete.
func Join(frames []Frame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, ErrIncomplete
	}
	total := frames[0].Total
	if total == 0 {
		return nil, fmt.Errorf("%w: zero total", ErrBadIndex)
	}
	parts := make([][]byte, total)
	seen := newBitmap(int(total))
	for _, f := range frames {
		if f.Total != total {
			return nil, fmt.Errorf("%w: %d != %d", ErrMismatch, f.Total, total)
		}
		if f.Index >= total {
			return nil, fmt.Errorf("%w: %d/%d", ErrBadIndex, f.Index, total)
		}
		parts[f.Index] = f.Data
		seen.set(int(f.Index))
	}
	if got := seen.count(); got != int(total) {
		return nil, fmt.Errorf("%w: %d/%d frames", ErrIncomplete, got, total)
	}
	return concat(parts), nil
}

func concat(parts [][]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
