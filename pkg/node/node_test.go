package node_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/juanpablocruz/blesync/pkg/link"
	"github.com/juanpablocruz/blesync/pkg/model"
	"github.com/juanpablocruz/blesync/pkg/node"
	"github.com/juanpablocruz/blesync/pkg/node/testutil"
	"github.com/juanpablocruz/blesync/pkg/reconcile"
	"github.com/juanpablocruz/blesync/pkg/store"
	"github.com/juanpablocruz/blesync/pkg/transport"
)

const settle = 10 * time.Second

// Device ids are ordered so that the first listed initiates.
var (
	idHigh = uuid.MustParse("f0000000-0000-4000-8000-000000000000")
	idMid  = uuid.MustParse("80000000-0000-4000-8000-000000000000")
	idLow  = uuid.MustParse("10000000-0000-4000-8000-000000000000")
)

type device struct {
	n      *node.Node
	st     *store.Memory
	radio  *transport.Radio
	events *testutil.EventCollector
}

func newDevice(t *testing.T, air *transport.Air, addr link.Addr, id uuid.UUID, wrap func(link.Primitive) link.Primitive, opts ...node.Option) *device {
	t.Helper()
	return newDeviceWithSource(t, air, addr, id, wrap, nil, opts...)
}

// newDeviceWithSource serves payloads through src(st) instead of st.
func newDeviceWithSource(t *testing.T, air *transport.Air, addr link.Addr, id uuid.UUID, wrap func(link.Primitive) link.Primitive, src func(*store.Memory) store.RecordSource, opts ...node.Option) *device {
	t.Helper()
	radio, err := air.Attach(addr)
	require.NoError(t, err)
	var prim link.Primitive = radio
	if wrap != nil {
		prim = wrap(radio)
	}
	st := store.NewMemory()
	base := []node.Option{
		node.WithLogger(zaptest.NewLogger(t).Named(string(addr))),
		node.WithCooldown(20 * time.Millisecond),
		node.WithRetryDelay(5 * time.Millisecond),
		node.WithFetchTimeout(time.Second),
	}
	var source store.RecordSource = st
	if src != nil {
		source = src(st)
	}
	n := node.New(id, prim, st, source, append(base, opts...)...)
	ec := testutil.NewEventCollector(1024)
	ec.Attach(n)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		n.Stop()
		radio.Close()
	})
	return &device{n: n, st: st, radio: radio, events: ec}
}

func record(t *testing.T, ts int64, content string) *model.Record {
	t.Helper()
	r, err := model.NewRecord("pk", ts, 1, nil, content)
	require.NoError(t, err)
	return r
}

func seed(t *testing.T, d *device, recs ...*model.Record) {
	t.Helper()
	ctx := context.Background()
	for _, r := range recs {
		_, err := d.st.Insert(ctx, r)
		require.NoError(t, err)
		require.NoError(t, d.st.Publish(ctx, r))
	}
}

func ids(t *testing.T, d *device) map[model.ID]bool {
	t.Helper()
	items, err := d.st.AllIDs(context.Background())
	require.NoError(t, err)
	out := make(map[model.ID]bool, len(items))
	for _, it := range items {
		out[it.ID] = true
	}
	return out
}

func hasAll(t *testing.T, d *device, recs ...*model.Record) func() bool {
	return func() bool {
		have := ids(t, d)
		for _, r := range recs {
			if !have[r.ID] {
				return false
			}
		}
		return true
	}
}

func discover(t *testing.T, devs ...*device) {
	t.Helper()
	for _, d := range devs {
		require.NoError(t, d.n.Discover(context.Background()))
	}
}

func connected(d *device, peer link.Addr) func() bool {
	return func() bool {
		_, ok := d.n.Session(peer)
		return ok
	}
}

func TestConvergeSmallOverlap(t *testing.T) {
	air := transport.NewAir()
	a := newDevice(t, air, "A", idHigh, nil)
	b := newDevice(t, air, "B", idLow, nil)

	r1, r2, r3 := record(t, 100, "one"), record(t, 101, "two"), record(t, 102, "three")
	seed(t, a, r1, r2)
	seed(t, b, r2, r3)

	discover(t, a, b)
	require.Eventually(t, hasAll(t, a, r1, r2, r3), settle, 5*time.Millisecond)
	require.Eventually(t, hasAll(t, b, r1, r2, r3), settle, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.events.Count(node.EventRoundComplete) > 0 && b.events.Count(node.EventRoundComplete) > 0
	}, settle, 5*time.Millisecond)

	// The shared record never crosses the link.
	assert.EqualValues(t, 1, a.n.Sent())
	assert.EqualValues(t, 1, b.n.Sent())
	assert.EqualValues(t, 1, a.n.Received())
	assert.EqualValues(t, 1, b.n.Received())
	for _, d := range []*device{a, b} {
		for _, ev := range d.events.Snapshot() {
			if ev.Type == node.EventRecordSent || ev.Type == node.EventRecordReceived {
				assert.NotEqual(t, r2.ID, ev.Record, "%s moved the shared record", d.n.Addr())
			}
		}
	}

	info, ok := a.n.Session("B")
	require.True(t, ok)
	assert.Equal(t, link.RoleInitiator, info.Role)
	assert.Equal(t, link.StateReady, info.State)
	assert.Equal(t, link.RequestedMTU, info.MTU)
	info, ok = b.n.Session("A")
	require.True(t, ok)
	assert.Equal(t, link.RoleAcceptor, info.Role)
	assert.Equal(t, link.RequestedMTU, info.MTU)
}

func TestConvergeDisjoint(t *testing.T) {
	air := transport.NewAir()
	a := newDevice(t, air, "A", idHigh, nil)
	b := newDevice(t, air, "B", idLow, nil)

	var all []*model.Record
	for i := 0; i < 50; i++ {
		ra := record(t, int64(1000+i), fmt.Sprintf("a-%d", i))
		rb := record(t, int64(2000+i), fmt.Sprintf("b-%d", i))
		seed(t, a, ra)
		seed(t, b, rb)
		all = append(all, ra, rb)
	}

	discover(t, a, b)
	require.Eventually(t, hasAll(t, a, all...), settle, 10*time.Millisecond)
	require.Eventually(t, hasAll(t, b, all...), settle, 10*time.Millisecond)
	assert.Len(t, ids(t, a), 100)
	assert.Len(t, ids(t, b), 100)
	assert.EqualValues(t, 50, a.n.Received())
	assert.EqualValues(t, 50, b.n.Received())
}

func TestOnlyLargerIDConnects(t *testing.T) {
	air := transport.NewAir()
	// Low discovers first; it must wait for High to connect.
	low := newDevice(t, air, "L", idLow, nil)
	high := newDevice(t, air, "H", idHigh, nil)

	discover(t, low)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, low.n.Peers())
	assert.False(t, low.radio.Linked("H"))

	discover(t, high)
	require.Eventually(t, connected(low, "H"), settle, 5*time.Millisecond)
	peers := high.n.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, link.RoleInitiator, peers[0].Role)

	// Rediscovery of a connected peer does not open a second link.
	discover(t, high, low)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, high.n.Peers(), 1)
	assert.Len(t, low.n.Peers(), 1)
}

func TestPublishReachesAcceptor(t *testing.T) {
	air := transport.NewAir()
	a := newDevice(t, air, "A", idHigh, nil)
	b := newDevice(t, air, "B", idLow, nil)
	discover(t, a, b)
	require.Eventually(t, connected(b, "A"), settle, 5*time.Millisecond)

	// Published on the acceptor: it queues and notifies.
	r := record(t, 500, "from acceptor")
	require.NoError(t, b.n.Publish(context.Background(), r))
	require.Eventually(t, hasAll(t, a, r), settle, 5*time.Millisecond)

	// Published on the initiator: it pushes on a fresh round.
	r2 := record(t, 501, "from initiator")
	require.NoError(t, a.n.Publish(context.Background(), r2))
	require.Eventually(t, hasAll(t, b, r2), settle, 5*time.Millisecond)

	a.n.Bus().WaitForProcessing()
	b.n.Bus().WaitForProcessing()
	assert.Equal(t, 1, b.events.Count(node.EventRecordPublished))
	assert.Equal(t, 1, a.events.Count(node.EventRecordPublished))
}

func TestPublishRejectsTamperedRecord(t *testing.T) {
	air := transport.NewAir()
	a := newDevice(t, air, "A", idHigh, nil)
	r := record(t, 1, "x")
	r.Content = "y"
	require.ErrorIs(t, a.n.Publish(context.Background(), r), model.ErrIDMismatch)
	assert.Empty(t, ids(t, a))
}

func TestRelayDoesNotEcho(t *testing.T) {
	air := transport.NewAir()
	a := newDevice(t, air, "A", idHigh, nil)
	b := newDevice(t, air, "B", idMid, nil)
	c := newDevice(t, air, "C", idLow, nil)
	air.Separate("A", "C")

	discover(t, a, b, c)
	require.Eventually(t, func() bool {
		return connected(b, "A")() && connected(c, "B")() && connected(a, "B")() && connected(b, "C")()
	}, settle, 5*time.Millisecond)
	info, _ := b.n.Session("A")
	assert.Equal(t, link.RoleAcceptor, info.Role)
	info, _ = b.n.Session("C")
	assert.Equal(t, link.RoleInitiator, info.Role)

	r := record(t, 42, "relayed")
	require.NoError(t, a.n.Publish(context.Background(), r))
	require.Eventually(t, hasAll(t, c, r), settle, 5*time.Millisecond)

	// Give any echo a chance to happen.
	time.Sleep(50 * time.Millisecond)
	b.n.Bus().WaitForProcessing()
	assert.EqualValues(t, 0, a.n.Received(), "record came back to its author")
	assert.EqualValues(t, 1, b.n.Received())
	assert.EqualValues(t, 1, c.n.Received())
	for _, ev := range b.events.Snapshot() {
		if ev.Type == node.EventRecordSent {
			assert.Equal(t, link.Addr("C"), ev.Peer, "relay sent back to the sender")
		}
	}
}

func TestDisconnectClearsPeerState(t *testing.T) {
	air := transport.NewAir()
	a := newDevice(t, air, "A", idHigh, nil)
	b := newDevice(t, air, "B", idLow, nil)

	seed(t, a, record(t, 1, "a"))
	discover(t, a, b)
	require.Eventually(t, connected(b, "A"), settle, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(ids(t, b)) == 1 }, settle, 5*time.Millisecond)

	a.n.Disconnect("B")
	require.Eventually(t, func() bool { return !connected(b, "A")() }, settle, 5*time.Millisecond)
	assert.Empty(t, a.n.Peers())
	assert.False(t, a.radio.Linked("B"))
	require.Eventually(t, func() bool {
		return a.events.Count(node.EventPeerDisconnected) == 1 && b.events.Count(node.EventPeerDisconnected) == 1
	}, settle, 5*time.Millisecond)

	// Records created while apart are exchanged by a fresh session.
	late := record(t, 2, "late")
	seed(t, b, late)
	require.Eventually(t, func() bool {
		_ = a.n.Discover(context.Background())
		return connected(a, "B")()
	}, settle, 30*time.Millisecond)
	require.Eventually(t, hasAll(t, a, late), settle, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		info, ok := a.n.Session("B")
		return ok && info.Phase == reconcile.PhaseSynced && len(info.PendingSend) == 0 && len(info.PendingFetch) == 0
	}, settle, 5*time.Millisecond)
}

func TestRadioBreakDropsPeer(t *testing.T) {
	air := transport.NewAir()
	a := newDevice(t, air, "A", idHigh, nil)
	b := newDevice(t, air, "B", idLow, nil)
	discover(t, a, b)
	require.Eventually(t, connected(b, "A"), settle, 5*time.Millisecond)

	require.True(t, air.Break("A", "B"))
	require.Eventually(t, func() bool {
		return len(a.n.Peers()) == 0 && len(b.n.Peers()) == 0
	}, settle, 5*time.Millisecond)
}

func TestConvergeUnderLoss(t *testing.T) {
	air := transport.NewAir()
	a := newDevice(t, air, "A", idHigh, func(p link.Primitive) link.Primitive {
		return transport.WrapChaos(p, transport.ChaosConfig{Up: true, Loss: 0.1, Seed: 7})
	})
	b := newDevice(t, air, "B", idLow, nil)

	var all []*model.Record
	for i := 0; i < 20; i++ {
		ra := record(t, int64(10+i), fmt.Sprintf("a-%d", i))
		rb := record(t, int64(100+i), fmt.Sprintf("b-%d", i))
		seed(t, a, ra)
		seed(t, b, rb)
		all = append(all, ra, rb)
	}

	discover(t, a, b)
	require.Eventually(t, hasAll(t, a, all...), settle, 10*time.Millisecond)
	require.Eventually(t, hasAll(t, b, all...), settle, 10*time.Millisecond)
}

func TestMTUFallback(t *testing.T) {
	air := transport.NewAir()
	a := newDevice(t, air, "A", idHigh, func(p link.Primitive) link.Primitive {
		return transport.WrapChaos(p, transport.ChaosConfig{Up: true, FailMTU: true})
	})
	b := newDevice(t, air, "B", idLow, nil)

	ra, rb := record(t, 1, "a long enough record to span many default-mtu frames"), record(t, 2, "b")
	seed(t, a, ra)
	seed(t, b, rb)
	discover(t, a, b)
	require.Eventually(t, hasAll(t, a, ra, rb), settle, 5*time.Millisecond)
	require.Eventually(t, hasAll(t, b, ra, rb), settle, 5*time.Millisecond)

	info, ok := a.n.Session("B")
	require.True(t, ok)
	assert.Equal(t, link.DefaultMTU, info.MTU)
	info, ok = b.n.Session("A")
	require.True(t, ok)
	assert.Equal(t, link.DefaultMTU, info.MTU)
}

func TestStartTwice(t *testing.T) {
	air := transport.NewAir()
	a := newDevice(t, air, "A", idHigh, nil)
	require.ErrorIs(t, a.n.Start(context.Background()), node.ErrAlreadyStarted)
}

func TestStopWhileDiscovering(t *testing.T) {
	air := transport.NewAir()
	a := newDevice(t, air, "A", idHigh, nil)
	newDevice(t, air, "B", idMid, nil)
	newDevice(t, air, "C", idLow, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			_ = a.n.Discover(ctx)
		}
	}()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		a.n.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(settle):
		t.Fatal("stop hung while discovery events were arriving")
	}
	cancel()
	// Nothing drains the radio after Stop; closing it unblocks the scanner.
	require.NoError(t, a.radio.Close())
	<-done
	assert.Empty(t, a.n.Peers())
}
