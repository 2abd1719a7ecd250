package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// MaxMessageSize caps a decompressed message.
const MaxMessageSize = 4 << 20

var ErrTooLarge = errors.New("chunk: decompressed message too large")

// Compress deflates p with a zlib header. Empty input stays empty.
func Compress(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return []byte{}, nil
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates a zlib stream. Empty input stays empty.
func Decompress(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return []byte{}, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, MaxMessageSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(out) > MaxMessageSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

// Pack compresses payload and returns the encoded frames to put on the link.
func Pack(payload []byte, capacity int) ([][]byte, error) {
	z, err := Compress(payload)
	if err != nil {
		return nil, err
	}
	frames, err := Split(z, capacity)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = f.Encode()
	}
	return out, nil
}

// Unpack decodes, joins and decompresses a full set of wire frames.
func Unpack(encoded [][]byte) ([]byte, error) {
	frames := make([]Frame, 0, len(encoded))
	for _, b := range encoded {
		f, err := DecodeFrame(b)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	z, err := Join(frames)
	if err != nil {
		return nil, err
	}
	return Decompress(z)
}
