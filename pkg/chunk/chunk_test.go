package chunk

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randPayload(rng *rand.Rand, n int) []byte {
	p := make([]byte, n)
	rng.Read(p)
	return p
}

func TestSplitJoinRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, n := range []int{1, 2, 3, 7, 64, 500, 1001, 4096} {
		for _, c := range []int{3, 4, 5, 16, 100, 500, 5000} {
			p := randPayload(rng, n)
			frames, err := Split(p, c)
			require.NoError(t, err)
			require.Len(t, frames, (n+c-1)/c)
			got, err := Join(frames)
			require.NoError(t, err)
			require.True(t, bytes.Equal(p, got), "n=%d c=%d", n, c)
		}
	}
}

func TestSplitEmpty(t *testing.T) {
	frames, err := Split(nil, 10)
	require.NoError(t, err)
	require.Empty(t, frames)

	_, err = Split([]byte("x"), 0)
	require.ErrorIs(t, err, ErrCapacity)
}

func TestSplitTooManyFrames(t *testing.T) {
	_, err := Split(make([]byte, MaxFrames+1), 1)
	require.ErrorIs(t, err, ErrTooManyFrames)
}

func TestJoinAnyOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	p := randPayload(rng, 2000)
	frames, err := Split(p, 37)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		shuffled := append([]Frame(nil), frames...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := Join(shuffled)
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
}

func TestJoinDuplicatesIdempotent(t *testing.T) {
	p := []byte("the quick brown fox jumps over the lazy dog")
	frames, err := Split(p, 5)
	require.NoError(t, err)
	dup := append([]Frame{frames[3], frames[0]}, frames...)
	dup = append(dup, frames[len(frames)-1])
	got, err := Join(dup)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestJoinIncomplete(t *testing.T) {
	frames, err := Split([]byte("abcdefghij"), 3)
	require.NoError(t, err)
	_, err = Join(frames[:len(frames)-1])
	require.ErrorIs(t, err, ErrIncomplete)
	_, err = Join(nil)
	require.ErrorIs(t, err, ErrIncomplete)

	frames[1].Total = 9
	_, err = Join(frames)
	require.ErrorIs(t, err, ErrMismatch)
}

func TestFrameEncoding(t *testing.T) {
	f := Frame{Index: 2, Total: 300, Data: []byte("abc")}
	b := f.Encode()
	require.Len(t, b, 3+FrameOverhead)
	got, err := DecodeFrame(b)
	require.NoError(t, err)
	require.Equal(t, f, got)
	require.False(t, got.Last())

	_, err = DecodeFrame([]byte{0, 1})
	require.ErrorIs(t, err, ErrShortFrame)
	_, err = DecodeFrame(Frame{Index: 3, Total: 3}.Encode())
	require.ErrorIs(t, err, ErrBadIndex)
}

func TestReassemblerDuplicateBeforeCompletion(t *testing.T) {
	frames, err := Split([]byte("0123456789"), 4)
	require.NoError(t, err)
	r := NewReassembler()

	_, done, err := r.Add(frames[1])
	require.NoError(t, err)
	require.False(t, done)
	_, done, err = r.Add(frames[1])
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 1, r.Received())
	require.Equal(t, []uint16{0, 2}, r.Missing())

	_, _, err = r.Add(frames[2])
	require.NoError(t, err)
	out, done, err := r.Add(frames[0])
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []byte("0123456789"), out)
	require.Zero(t, r.Total(), "buffer resets after completion")
}

func TestReassemblerNewMessageDropsPartial(t *testing.T) {
	old, err := Split([]byte("aaaaaaaaaa"), 2)
	require.NoError(t, err)
	fresh, err := Split([]byte("bbb"), 2)
	require.NoError(t, err)

	r := NewReassembler()
	_, _, err = r.Add(old[0])
	require.NoError(t, err)
	_, _, err = r.Add(fresh[1])
	require.NoError(t, err)
	require.Equal(t, 2, r.Total())
	out, done, err := r.Add(fresh[0])
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []byte("bbb"), out)
}

func TestReassemblerCopiesData(t *testing.T) {
	buf := []byte{0, 0, 'x', 'y', 0, 1}
	r := NewReassembler()
	out, done, err := r.AddEncoded(buf)
	require.NoError(t, err)
	require.True(t, done)
	buf[2] = 'z'
	require.Equal(t, []byte("xy"), out)
}

func TestCompressEmpty(t *testing.T) {
	z, err := Compress(nil)
	require.NoError(t, err)
	require.Empty(t, z)
	p, err := Decompress(nil)
	require.NoError(t, err)
	require.Empty(t, p)

	_, err = Decompress([]byte("not zlib"))
	require.Error(t, err)
}

func TestPackUnpack(t *testing.T) {
	msg := bytes.Repeat([]byte(`["EVENT","aabbcc",{"content":"hello"}]`), 40)
	encoded, err := Pack(msg, 20)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)
	for _, e := range encoded {
		require.LessOrEqual(t, len(e), 20+FrameOverhead)
	}
	rng := rand.New(rand.NewSource(3))
	rng.Shuffle(len(encoded), func(a, b int) { encoded[a], encoded[b] = encoded[b], encoded[a] })
	got, err := Unpack(encoded)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	none, err := Pack(nil, 20)
	require.NoError(t, err)
	require.Empty(t, none)
}
