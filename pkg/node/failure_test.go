package node_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/blesync/pkg/chunk"
	"github.com/juanpablocruz/blesync/pkg/link"
	"github.com/juanpablocruz/blesync/pkg/metrics"
	"github.com/juanpablocruz/blesync/pkg/model"
	"github.com/juanpablocruz/blesync/pkg/node"
	"github.com/juanpablocruz/blesync/pkg/store"
	"github.com/juanpablocruz/blesync/pkg/transport"
)

var errSourceDown = errors.New("source down")

// flakySource fails the first failures publishes.
type flakySource struct {
	*store.Memory
	failures atomic.Int32
}

func (s *flakySource) Publish(ctx context.Context, rec *model.Record) error {
	if s.failures.Add(-1) >= 0 {
		return errSourceDown
	}
	return s.Memory.Publish(ctx, rec)
}

// stuckSource never answers a fetch before the caller gives up.
type stuckSource struct{ *store.Memory }

func (s stuckSource) Fetch(ctx context.Context, _ model.ID) (*model.Record, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// gatedSource holds every fetch until release is closed and then answers
// regardless of the caller's context.
type gatedSource struct {
	*store.Memory
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSource(st *store.Memory) *gatedSource {
	return &gatedSource{Memory: st, started: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedSource) Fetch(_ context.Context, id model.ID) (*model.Record, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return s.Memory.Fetch(context.Background(), id)
}

// garbler writes an undecodable message ahead of the first messages it
// carries.
type garbler struct {
	link.Primitive
	left atomic.Int32
}

func (g *garbler) Write(ctx context.Context, peer link.Addr, frame []byte) error {
	if f, err := chunk.DecodeFrame(frame); err == nil && f.Index == 0 && g.left.Add(-1) >= 0 {
		junk, err := chunk.Pack([]byte(`["NEG-WHAT", 7`), 8)
		if err != nil {
			return err
		}
		for _, j := range junk {
			if err := g.Primitive.Write(ctx, peer, j); err != nil {
				return err
			}
		}
	}
	return g.Primitive.Write(ctx, peer, frame)
}

func TestPublishRetriesAfterSourceFailure(t *testing.T) {
	air := transport.NewAir()
	var src *flakySource
	a := newDeviceWithSource(t, air, "A", idHigh, nil, func(st *store.Memory) store.RecordSource {
		src = &flakySource{Memory: st}
		src.failures.Store(1)
		return src
	})
	b := newDevice(t, air, "B", idLow, nil)
	discover(t, a, b)
	require.Eventually(t, connected(b, "A"), settle, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.events.Count(node.EventRoundComplete) > 0
	}, settle, 5*time.Millisecond)

	r := record(t, 300, "retried")
	require.ErrorIs(t, a.n.Publish(context.Background(), r), errSourceDown)
	assert.False(t, ids(t, a)[r.ID], "failed publish must not index the record")

	require.NoError(t, a.n.Publish(context.Background(), r))
	require.Eventually(t, hasAll(t, b, r), settle, 5*time.Millisecond)
	a.n.Bus().WaitForProcessing()
	assert.Equal(t, 1, a.events.Count(node.EventRecordPublished))
}

func TestFetchTimeoutSkipsRecord(t *testing.T) {
	for _, stuck := range []link.Addr{"A", "B"} {
		t.Run("stuck "+string(stuck), func(t *testing.T) {
			air := transport.NewAir()
			opts := []node.Option{node.WithFetchTimeout(30 * time.Millisecond)}
			stuckSrc := func(st *store.Memory) store.RecordSource { return stuckSource{st} }
			var aSrc, bSrc func(*store.Memory) store.RecordSource
			if stuck == "A" {
				aSrc = stuckSrc
			} else {
				bSrc = stuckSrc
			}
			a := newDeviceWithSource(t, air, "A", idHigh, nil, aSrc, opts...)
			b := newDeviceWithSource(t, air, "B", idLow, nil, bSrc, opts...)

			lost, ok := record(t, 10, "never fetched"), record(t, 11, "fine")
			stuckDev, other := a, b
			if stuck == "B" {
				stuckDev, other = b, a
			}
			seed(t, stuckDev, lost)
			seed(t, other, ok)
			skipped := promtest.ToFloat64(metrics.RecordsSkipped.WithLabelValues("timeout"))

			discover(t, a, b)
			require.Eventually(t, hasAll(t, stuckDev, ok), settle, 5*time.Millisecond)
			require.Eventually(t, func() bool {
				return a.events.Count(node.EventRoundComplete) > 0 && b.events.Count(node.EventRoundComplete) > 0
			}, settle, 5*time.Millisecond)

			assert.False(t, ids(t, other)[lost.ID])
			assert.EqualValues(t, 0, stuckDev.n.Sent())
			assert.Greater(t, promtest.ToFloat64(metrics.RecordsSkipped.WithLabelValues("timeout")), skipped)
			_, linked := a.n.Session("B")
			assert.True(t, linked, "a skipped record must not cost the link")
		})
	}
}

func TestMalformedMessageIsDropped(t *testing.T) {
	air := transport.NewAir()
	a := newDevice(t, air, "A", idHigh, func(p link.Primitive) link.Primitive {
		g := &garbler{Primitive: p}
		g.left.Store(2)
		return g
	})
	b := newDevice(t, air, "B", idLow, nil)

	r1, r2 := record(t, 1, "from a"), record(t, 2, "from b")
	seed(t, a, r1)
	seed(t, b, r2)
	dropped := promtest.ToFloat64(metrics.MessagesDropped.WithLabelValues("envelope"))

	discover(t, a, b)
	require.Eventually(t, hasAll(t, a, r1, r2), settle, 5*time.Millisecond)
	require.Eventually(t, hasAll(t, b, r1, r2), settle, 5*time.Millisecond)
	assert.GreaterOrEqual(t, promtest.ToFloat64(metrics.MessagesDropped.WithLabelValues("envelope")), dropped+2)
	_, linked := b.n.Session("A")
	assert.True(t, linked)
}

func TestFetchResultDiscardedAfterDisconnect(t *testing.T) {
	air := transport.NewAir()
	var src *gatedSource
	a := newDeviceWithSource(t, air, "A", idHigh, nil, func(st *store.Memory) store.RecordSource {
		src = newGatedSource(st)
		return src
	})
	t.Cleanup(func() {
		select {
		case <-src.release:
		default:
			close(src.release)
		}
	})
	b := newDevice(t, air, "B", idLow, nil)

	r := record(t, 5, "in flight")
	seed(t, a, r)
	discover(t, a, b)
	select {
	case <-src.started:
	case <-time.After(settle):
		t.Fatal("fetch never started")
	}

	a.n.Disconnect("B")
	require.Eventually(t, func() bool { return !connected(b, "A")() }, settle, 5*time.Millisecond)
	close(src.release)

	require.Never(t, hasAll(t, b, r), 100*time.Millisecond, 5*time.Millisecond)
	assert.EqualValues(t, 0, a.n.Sent())
	assert.Empty(t, a.n.Peers())
	a.n.Bus().WaitForProcessing()
	assert.Zero(t, a.events.Count(node.EventRecordSent))
}
