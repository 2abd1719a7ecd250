package chunk

import (
	"fmt"
	"math/bits"
)

type bitmap []uint64

func newBitmap(n int) bitmap { return make(bitmap, (n+63)/64) }

// set marks i and reports whether it was newly set.
func (b bitmap) set(i int) bool {
	w, m := i/64, uint64(1)<<(i%64)
	if b[w]&m != 0 {
		return false
	}
	b[w] |= m
	return true
}

func (b bitmap) has(i int) bool { return b[i/64]&(uint64(1)<<(i%64)) != 0 }

func (b bitmap) count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// Reassembler accumulates the frames of one in-flight message.
// It is not safe for concurrent use; callers serialize per peer.
type Reassembler struct {
	total    uint16
	parts    [][]byte
	seen     bitmap
	received int
}

func NewReassembler() *Reassembler { return &Reassembler{} }

// Add stores a frame. When the last missing index arrives it returns the
// joined payload with done=true and resets for the next message. A frame
// announcing a different total than the buffered message discards the
// partial buffer and starts over.
func (r *Reassembler) Add(f Frame) (payload []byte, done bool, err error) {
	if f.Total == 0 || f.Index >= f.Total {
		return nil, false, fmt.Errorf("%w: %d/%d", ErrBadIndex, f.Index, f.Total)
	}
	if r.total != f.Total {
		r.start(f.Total)
	}
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	r.parts[f.Index] = data
	if r.seen.set(int(f.Index)) {
		r.received++
	}
	if r.received < int(r.total) {
		return nil, false, nil
	}
	out := concat(r.parts)
	r.Reset()
	return out, true, nil
}

// AddEncoded decodes and adds a wire frame.
func (r *Reassembler) AddEncoded(b []byte) ([]byte, bool, error) {
	f, err := DecodeFrame(b)
	if err != nil {
		return nil, false, err
	}
	return r.Add(f)
}

// Received is the number of distinct indices buffered.
func (r *Reassembler) Received() int { return r.received }

// Total is the frame count of the buffered message, 0 when idle.
func (r *Reassembler) Total() int { return int(r.total) }

// Missing lists indices not yet seen.
func (r *Reassembler) Missing() []uint16 {
	var out []uint16
	for i := 0; i < int(r.total); i++ {
		if !r.seen.has(i) {
			out = append(out, uint16(i))
		}
	}
	return out
}

func (r *Reassembler) Reset() {
	r.total = 0
	r.parts = nil
	r.seen = nil
	r.received = 0
}

func (r *Reassembler) start(total uint16) {
	r.total = total
	r.parts = make([][]byte, total)
	r.seen = newBitmap(int(total))
	r.received = 0
}
