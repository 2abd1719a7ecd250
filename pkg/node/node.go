// Package node is the synchronization engine of one device. It turns radio
// callbacks into per-peer actors, arbitrates roles, runs reconciliation
// rounds and rebroadcasts new records to every other connected peer.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/juanpablocruz/blesync/pkg/arbiter"
	"github.com/juanpablocruz/blesync/pkg/envelope"
	"github.com/juanpablocruz/blesync/pkg/eventbus"
	"github.com/juanpablocruz/blesync/pkg/link"
	"github.com/juanpablocruz/blesync/pkg/metrics"
	"github.com/juanpablocruz/blesync/pkg/model"
	"github.com/juanpablocruz/blesync/pkg/reconcile"
	"github.com/juanpablocruz/blesync/pkg/registry"
	"github.com/juanpablocruz/blesync/pkg/store"
)

var (
	ErrNotStarted     = errors.New("node: not started")
	ErrAlreadyStarted = errors.New("node: already started")
)

// PeerInfo is a point-in-time view of one connected peer.
type PeerInfo struct {
	Addr         link.Addr
	Role         link.Role
	State        link.State
	MTU          int
	Phase        reconcile.Phase
	PendingSend  []model.ID
	PendingFetch []model.ID
}

type Node struct {
	id     uuid.UUID
	radio  link.Primitive
	store  store.EventStore
	source store.RecordSource

	log          *zap.Logger
	clock        clockwork.Clock
	bus          eventbus.EventBusIf
	ownBus       bool
	factory      reconcile.Factory
	fetchTimeout time.Duration
	cooldown     time.Duration
	retryDelay   time.Duration
	scanEvery    time.Duration
	chunkSize    int
	requestMTU   int

	arb   *arbiter.Arbiter
	peers *registry.Registry[*peer]

	// lifeMu serializes peer setup and teardown.
	lifeMu  sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	eg      *errgroup.Group

	sent     atomic.Int64
	received atomic.Int64
}

// New builds a node for the device identified by id. st indexes the local
// records; src serves and accepts full records.
func New(id uuid.UUID, radio link.Primitive, st store.EventStore, src store.RecordSource, opts ...Option) *Node {
	n := &Node{
		id:           id,
		radio:        radio,
		store:        st,
		source:       src,
		log:          zap.NewNop(),
		clock:        clockwork.NewRealClock(),
		bus:          eventbus.New(),
		ownBus:       true,
		factory:      reconcile.Negentropy(0),
		fetchTimeout: DefaultFetchTimeout,
		cooldown:     arbiter.DefaultCooldown,
		retryDelay:   DefaultRetryDelay,
		chunkSize:    link.DefaultChunkSize,
		requestMTU:   link.RequestedMTU,
		peers:        registry.New[*peer](),
	}
	for _, o := range opts {
		o(n)
	}
	n.log = n.log.With(zap.Stringer("node", radio.Addr()))
	n.arb = arbiter.New(id,
		arbiter.WithClock(n.clock),
		arbiter.WithCooldown(n.cooldown),
		arbiter.WithLogger(n.log.Named("arbiter")),
	)
	return n
}

func (n *Node) ID() uuid.UUID   { return n.id }
func (n *Node) Addr() link.Addr { return n.radio.Addr() }

// Bus carries the node's domain events.
func (n *Node) Bus() eventbus.EventBusIf { return n.bus }

// Sent and Received count records transferred to and ingested from peers.
func (n *Node) Sent() int64     { return n.sent.Load() }
func (n *Node) Received() int64 { return n.received.Load() }

// Start advertises the device and begins handling radio events.
func (n *Node) Start(ctx context.Context) error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}
	if err := n.radio.Advertise(n.id); err != nil {
		return fmt.Errorf("advertise: %w", err)
	}
	if n.ownBus {
		n.bus.Start()
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.eg, n.ctx = errgroup.WithContext(n.ctx)
	n.started = true

	n.eg.Go(func() error { return n.dispatch(n.ctx) })
	if n.scanEvery > 0 {
		n.eg.Go(func() error { return n.scanLoop(n.ctx) })
	}
	n.log.Info("node started", zap.Stringer("id", n.id))
	return nil
}

// Stop disconnects every peer and waits for all peer actors to exit.
func (n *Node) Stop() {
	n.lifeMu.Lock()
	if !n.started {
		n.lifeMu.Unlock()
		return
	}
	n.cancel()
	n.lifeMu.Unlock()

	for _, e := range n.peers.Snapshot("") {
		_ = n.radio.Disconnect(e.Addr)
		n.dropPeer(e.Addr, "stop")
	}
	_ = n.eg.Wait()
	if n.ownBus {
		n.bus.Stop()
	}
	n.log.Info("node stopped")
}

// Discover runs one scan; discovered peers are arbitrated as they arrive.
func (n *Node) Discover(ctx context.Context) error {
	return n.radio.Scan(ctx)
}

func (n *Node) scanLoop(ctx context.Context) error {
	t := n.clock.NewTicker(n.scanEvery)
	defer t.Stop()
	for {
		if err := n.radio.Scan(ctx); err != nil && ctx.Err() == nil {
			n.log.Warn("scan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
		}
	}
}

// dispatch routes radio events to peer actors. It never blocks on a peer.
func (n *Node) dispatch(ctx context.Context) error {
	events := n.radio.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			n.handleRadioEvent(ctx, ev)
		}
	}
}

func (n *Node) handleRadioEvent(ctx context.Context, ev link.Event) {
	switch ev.Kind {
	case link.EventDiscovered:
		n.emit(Event{Type: EventPeerDiscovered, Peer: ev.Peer, Fields: map[string]any{"uuid": ev.UUID.String()}})
		d := n.arb.Observe(ev.Peer, ev.UUID)
		if !d.Connect {
			return
		}
		if !n.spawn(func() { n.connect(ctx, ev.Peer) }) {
			n.arb.Forget(ev.Peer)
		}
	case link.EventConnected:
		if !n.arb.Accept(ev.Peer) {
			n.log.Info("rejecting duplicate link", zap.Stringer("peer", ev.Peer))
			_ = n.radio.Disconnect(ev.Peer)
			return
		}
		n.addPeer(ev.Peer, link.RoleAcceptor)
	case link.EventDisconnected:
		n.dropPeer(ev.Peer, "remote")
	default:
		e, ok := n.peers.Get(ev.Peer)
		if !ok || !e.Peer.post(command{kind: cmdLink, ev: ev}) {
			refuse(ev)
		}
	}
}

// spawn runs fn in the node's group unless Stop has begun, so no goroutine
// is added once Stop waits on the group.
func (n *Node) spawn(fn func()) bool {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	if n.ctx.Err() != nil {
		return false
	}
	n.eg.Go(func() error {
		fn()
		return nil
	})
	return true
}

// refuse answers a radio request that no live peer will handle.
func refuse(ev link.Event) {
	if ev.Ack != nil {
		ev.Ack <- link.ErrNotConnected
	}
	if ev.Reply != nil {
		ev.Reply <- nil
	}
}

// connect opens a link to addr as initiator.
func (n *Node) connect(ctx context.Context, addr link.Addr) {
	if err := n.radio.Connect(ctx, addr); err != nil {
		n.log.Warn("connect failed", zap.Stringer("peer", addr), zap.Error(err))
		n.arb.Fail(addr)
		return
	}
	n.addPeer(addr, link.RoleInitiator)
}

func (n *Node) addPeer(addr link.Addr, role link.Role) {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	if n.ctx.Err() != nil {
		_ = n.radio.Disconnect(addr)
		return
	}
	log := n.log.Named("peer").With(zap.Stringer("peer", addr), zap.Stringer("role", role))
	ls := link.NewSession(n.radio, addr, role,
		link.WithChunkSize(n.chunkSize),
		link.WithRequestedMTU(n.requestMTU),
		link.WithLogger(log),
	)
	rs := reconcile.NewSession(envelope.SubscriptionID(string(addr)), role == link.RoleInitiator, n.factory,
		reconcile.WithLogger(log))
	ctx, cancel := context.WithCancel(n.ctx)
	p := newPeer(n, addr, role, ls, rs, cancel, log)
	if !n.peers.Add(addr, role, p) {
		cancel()
		ls.Close()
		log.Warn("peer already registered")
		return
	}
	metrics.ConnectedPeers.WithLabelValues(role.String()).Inc()
	// lifeMu is held and n.ctx is live, as spawn requires.
	n.eg.Go(func() error {
		p.run(ctx)
		return nil
	})
	log.Info("peer connected")
	n.emit(Event{Type: EventPeerConnected, Peer: addr, Role: role})
}

// dropPeer tears down everything keyed to addr in one critical section:
// link buffers, reconciliation state, registry membership, role assignment
// and in-flight operations.
func (n *Node) dropPeer(addr link.Addr, reason string) {
	n.lifeMu.Lock()
	e, ok := n.peers.Remove(addr)
	if ok {
		e.Peer.link.Close()
		e.Peer.cancel()
		metrics.ConnectedPeers.WithLabelValues(e.Role.String()).Dec()
	}
	n.arb.Forget(addr)
	n.lifeMu.Unlock()

	if ok {
		e.Peer.log.Info("peer disconnected", zap.String("reason", reason))
		n.emit(Event{Type: EventPeerDisconnected, Peer: addr, Role: e.Role, Fields: map[string]any{"reason": reason}})
	}
}

// Disconnect closes the link to addr.
func (n *Node) Disconnect(addr link.Addr) {
	_ = n.radio.Disconnect(addr)
	n.dropPeer(addr, "local")
}

// Publish stores a locally created record and offers it to every peer.
func (n *Node) Publish(ctx context.Context, rec *model.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	// The payload goes first so an indexed record is always fetchable and a
	// failed call can simply be retried.
	if err := n.source.Publish(ctx, rec); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	inserted, err := n.store.Insert(ctx, rec)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	if !inserted {
		return nil
	}
	n.emit(Event{Type: EventRecordPublished, Record: rec.ID})
	n.broadcast(rec.ID, "")
	return nil
}

// ingest stores a record received from p. Only a record that was not known
// before is rebroadcast, and never back to p.
func (n *Node) ingest(ctx context.Context, p *peer, raw json.RawMessage) {
	rec, err := model.UnmarshalRecord(raw)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("record").Inc()
		p.log.Warn("dropping invalid record", zap.Error(err))
		return
	}
	p.sess.Received(rec.ID)

	exists, err := n.store.Exists(ctx, rec.ID)
	if err != nil {
		p.log.Warn("exists check failed", zap.Error(err))
		return
	}
	if exists {
		return
	}
	// Left unindexed on failure, the record is requested again next round.
	if err := n.source.Publish(ctx, rec); err != nil {
		metrics.MessagesDropped.WithLabelValues("source").Inc()
		p.log.Warn("publish to record source failed", zap.Stringer("record", rec.ID), zap.Error(err))
		return
	}
	inserted, err := n.store.Insert(ctx, rec)
	if err != nil {
		p.log.Warn("insert failed", zap.Stringer("record", rec.ID), zap.Error(err))
		return
	}
	if !inserted {
		return
	}
	n.received.Add(1)
	metrics.RecordsReceived.WithLabelValues(p.role.String()).Inc()
	p.log.Debug("record received", zap.String("record", rec.ID.Short()))
	n.emit(Event{Type: EventRecordReceived, Peer: p.addr, Record: rec.ID})
	n.broadcast(rec.ID, p.addr)
}

// broadcast offers id to every peer except the sender. Initiated peers get
// the record pushed and a fresh round; accepted peers get it queued and are
// notified.
func (n *Node) broadcast(id model.ID, except link.Addr) {
	for _, e := range n.peers.Snapshot(except) {
		e.Peer.post(command{kind: cmdQueue, id: id})
		if e.Role == link.RoleInitiator {
			e.Peer.post(command{kind: cmdStale})
		}
	}
}

// fetch loads a full record with the node's fetch timeout.
func (n *Node) fetch(ctx context.Context, id model.ID) (*model.Record, error) {
	fctx, cancel := context.WithTimeout(ctx, n.fetchTimeout)
	defer cancel()
	rec, err := n.source.Fetch(fctx, id)
	if err != nil {
		return nil, err
	}
	// The peer may have gone while the fetch was in flight.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (n *Node) items(ctx context.Context) ([]model.Item, error) {
	items, err := n.store.AllIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ids: %w", err)
	}
	return items, nil
}

// Peers returns a snapshot of all connected peers, sorted by address.
func (n *Node) Peers() []PeerInfo {
	entries := n.peers.Snapshot("")
	out := make([]PeerInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Peer.info())
	}
	return out
}

// Session returns the state of the link to addr.
func (n *Node) Session(addr link.Addr) (PeerInfo, bool) {
	e, ok := n.peers.Get(addr)
	if !ok {
		return PeerInfo{}, false
	}
	return e.Peer.info(), true
}

func (n *Node) emit(ev Event) {
	ev.Time = n.clock.Now()
	ev.Node = n.radio.Addr()
	n.bus.Publish(ev)
}
