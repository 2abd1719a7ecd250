// Package transport provides link.Primitive implementations for tests and
// simulation: an in-memory radio medium and a chaos wrapper around it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/juanpablocruz/blesync/pkg/link"
)

var (
	ErrAddrInUse   = errors.New("transport: address already in use")
	ErrUnknownPeer = errors.New("transport: unknown peer")
	ErrNotVisible  = errors.New("transport: peer is not advertising")
	ErrLinked      = errors.New("transport: already linked")
	ErrRadioClosed = errors.New("transport: radio closed")
)

const defaultEventBuffer = 1024

// memLink is one central/peripheral connection.
type memLink struct {
	central    link.Addr
	peripheral link.Addr
	mtu        int
	done       chan struct{}
	once       sync.Once
}

func (l *memLink) close() { l.once.Do(func() { close(l.done) }) }

// Air is the shared medium that radios advertise and connect over.
type Air struct {
	mu      sync.RWMutex
	radios  map[link.Addr]*Radio
	blocked map[[2]link.Addr]struct{}
}

func NewAir() *Air {
	return &Air{
		radios:  make(map[link.Addr]*Radio),
		blocked: make(map[[2]link.Addr]struct{}),
	}
}

func pairKey(x, y link.Addr) [2]link.Addr {
	if y < x {
		x, y = y, x
	}
	return [2]link.Addr{x, y}
}

// Separate puts x and y out of range of each other. Existing links are
// left alone; use Break to drop them.
func (a *Air) Separate(x, y link.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocked[pairKey(x, y)] = struct{}{}
}

// Join brings x and y back in range.
func (a *Air) Join(x, y link.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.blocked, pairKey(x, y))
}

func (a *Air) inRange(x, y link.Addr) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, blocked := a.blocked[pairKey(x, y)]
	return !blocked
}

type RadioOption func(*Radio)

// WithMaxMTU caps the MTU this radio agrees to.
func WithMaxMTU(mtu int) RadioOption {
	return func(r *Radio) { r.maxMTU = mtu }
}

func WithEventBuffer(n int) RadioOption {
	return func(r *Radio) {
		if n > 0 {
			r.events = make(chan link.Event, n)
		}
	}
}

// Attach creates a radio at addr.
func (a *Air) Attach(addr link.Addr, opts ...RadioOption) (*Radio, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.radios[addr]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	r := &Radio{
		air:    a,
		addr:   addr,
		maxMTU: link.MaxMTU,
		events: make(chan link.Event, defaultEventBuffer),
		links:  make(map[link.Addr]*memLink),
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	a.radios[addr] = r
	return r, nil
}

func (a *Air) radio(addr link.Addr) (*Radio, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.radios[addr]
	return r, ok
}

// Break drops the link between x and y as if they moved out of range.
// Both sides get EventDisconnected.
func (a *Air) Break(x, y link.Addr) bool {
	rx, ok := a.radio(x)
	if !ok {
		return false
	}
	l, ok := rx.unlink(y)
	if !ok {
		return false
	}
	rx.deliver(link.Event{Kind: link.EventDisconnected, Peer: y})
	if ry, ok := a.radio(y); ok {
		ry.unlink(x)
		ry.deliver(link.Event{Kind: link.EventDisconnected, Peer: x})
	}
	l.close()
	return true
}

// Radio is one device's view of the Air.
type Radio struct {
	air    *Air
	addr   link.Addr
	maxMTU int
	events chan link.Event
	closed chan struct{}

	mu          sync.Mutex
	advertising bool
	self        uuid.UUID
	links       map[link.Addr]*memLink
	isClosed    bool
}

var _ link.Primitive = (*Radio)(nil)

func (r *Radio) Addr() link.Addr { return r.addr }

func (r *Radio) Events() <-chan link.Event { return r.events }

// Advertise makes the radio discoverable with self as its advertised id.
func (r *Radio) Advertise(self uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed {
		return ErrRadioClosed
	}
	r.advertising = true
	r.self = self
	return nil
}

// Scan reports every other advertising radio once as EventDiscovered.
func (r *Radio) Scan(ctx context.Context) error {
	r.air.mu.RLock()
	var found []link.Event
	for addr, other := range r.air.radios {
		if addr == r.addr {
			continue
		}
		if _, blocked := r.air.blocked[pairKey(r.addr, addr)]; blocked {
			continue
		}
		other.mu.Lock()
		if other.advertising && !other.isClosed {
			found = append(found, link.Event{Kind: link.EventDiscovered, Peer: addr, UUID: other.self})
		}
		other.mu.Unlock()
	}
	r.air.mu.RUnlock()
	for _, ev := range found {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.deliver(ev)
	}
	return nil
}

// Connect opens a link to peer with this radio as the central. The peer
// gets EventConnected with the acceptor role; the caller learns of the link
// from the return value.
func (r *Radio) Connect(ctx context.Context, peer link.Addr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	other, ok := r.air.radio(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	if !r.air.inRange(r.addr, peer) {
		return fmt.Errorf("%w: %s", ErrNotVisible, peer)
	}
	l := &memLink{central: r.addr, peripheral: peer, mtu: link.DefaultMTU, done: make(chan struct{})}

	unlock := lockPair(r, other)
	switch {
	case r.isClosed:
		unlock()
		return ErrRadioClosed
	case other.isClosed || !other.advertising:
		unlock()
		return fmt.Errorf("%w: %s", ErrNotVisible, peer)
	case r.links[peer] != nil || other.links[r.addr] != nil:
		unlock()
		return fmt.Errorf("%w: %s", ErrLinked, peer)
	}
	r.links[peer] = l
	other.links[r.addr] = l
	unlock()

	other.deliver(link.Event{Kind: link.EventConnected, Peer: r.addr, Role: link.RoleAcceptor})
	return nil
}

// lockPair locks two radios in address order.
func lockPair(a, b *Radio) func() {
	if b.addr < a.addr {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

// Disconnect closes the link to peer. Only the remote side gets
// EventDisconnected.
func (r *Radio) Disconnect(peer link.Addr) error {
	l, ok := r.unlink(peer)
	if !ok {
		return link.ErrNotConnected
	}
	if other, ok := r.air.radio(peer); ok {
		if _, had := other.unlink(r.addr); had {
			other.deliver(link.Event{Kind: link.EventDisconnected, Peer: r.addr})
		}
	}
	l.close()
	return nil
}

func (r *Radio) unlink(peer link.Addr) (*memLink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[peer]
	if ok {
		delete(r.links, peer)
	}
	return l, ok
}

// central returns the link to peer where this radio is the central.
func (r *Radio) central(peer link.Addr) (*memLink, *Radio, error) {
	r.mu.Lock()
	l, ok := r.links[peer]
	r.mu.Unlock()
	if !ok {
		return nil, nil, link.ErrNotConnected
	}
	if l.central != r.addr {
		return nil, nil, link.ErrWrongRole
	}
	other, ok := r.air.radio(peer)
	if !ok {
		return nil, nil, link.ErrNotConnected
	}
	return l, other, nil
}

func (r *Radio) RequestMTU(ctx context.Context, peer link.Addr, mtu int) (int, error) {
	l, other, err := r.central(peer)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	got := min(mtu, r.maxMTU, other.maxMTU, link.MaxMTU)
	if got < link.DefaultMTU {
		return 0, link.ErrMTU
	}
	r.mu.Lock()
	l.mtu = got
	r.mu.Unlock()
	other.deliver(link.Event{Kind: link.EventMTU, Peer: r.addr, MTU: got})
	return got, nil
}

func (r *Radio) frameLimit(l *memLink) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return link.MaxFrameLen(l.mtu)
}

// Write delivers frame to the peripheral and waits for its acknowledgement.
func (r *Radio) Write(ctx context.Context, peer link.Addr, frame []byte) error {
	l, other, err := r.central(peer)
	if err != nil {
		return err
	}
	if len(frame) > r.frameLimit(l) {
		return fmt.Errorf("%w: %d bytes", link.ErrFrameTooBig, len(frame))
	}
	ack := make(chan error, 1)
	other.deliver(link.Event{Kind: link.EventWrite, Peer: r.addr, Frame: clone(frame), Ack: ack})
	select {
	case err := <-ack:
		return err
	case <-l.done:
		return link.ErrNotConnected
	case <-r.closed:
		return ErrRadioClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestRead asks the peripheral for one frame.
func (r *Radio) RequestRead(ctx context.Context, peer link.Addr) ([]byte, error) {
	l, other, err := r.central(peer)
	if err != nil {
		return nil, err
	}
	reply := make(chan []byte, 1)
	other.deliver(link.Event{Kind: link.EventReadRequest, Peer: r.addr, Reply: reply})
	select {
	case frame := <-reply:
		if frame == nil {
			return nil, link.ErrNotConnected
		}
		if len(frame) > r.frameLimit(l) {
			return nil, fmt.Errorf("%w: %d bytes", link.ErrFrameTooBig, len(frame))
		}
		return frame, nil
	case <-l.done:
		return nil, link.ErrNotConnected
	case <-r.closed:
		return nil, ErrRadioClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify tells the central of the link to peer that data is waiting.
func (r *Radio) Notify(ctx context.Context, peer link.Addr) error {
	r.mu.Lock()
	l, ok := r.links[peer]
	r.mu.Unlock()
	if !ok {
		return link.ErrNotConnected
	}
	if l.peripheral != r.addr {
		return link.ErrWrongRole
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	other, ok := r.air.radio(peer)
	if !ok {
		return link.ErrNotConnected
	}
	other.deliver(link.Event{Kind: link.EventNotify, Peer: r.addr})
	return nil
}

// Close detaches the radio and drops every link.
func (r *Radio) Close() error {
	r.mu.Lock()
	if r.isClosed {
		r.mu.Unlock()
		return nil
	}
	r.isClosed = true
	r.advertising = false
	peers := make([]link.Addr, 0, len(r.links))
	for p := range r.links {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		_ = r.Disconnect(p)
	}
	r.air.mu.Lock()
	delete(r.air.radios, r.addr)
	r.air.mu.Unlock()
	close(r.closed)
	return nil
}

// Linked reports whether a link to peer is up.
func (r *Radio) Linked(peer link.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.links[peer]
	return ok
}

func (r *Radio) deliver(ev link.Event) {
	select {
	case r.events <- ev:
	case <-r.closed:
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
