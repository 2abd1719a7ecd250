// Package arbiter decides, for each discovered peer, whether this device
// connects to it or waits to be connected to.
package arbiter

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/juanpablocruz/blesync/pkg/link"
	"github.com/juanpablocruz/blesync/pkg/metrics"
)

const (
	// DefaultCooldown is how long a peer is left alone after an attempt.
	DefaultCooldown = 5 * time.Minute
	// DefaultCapacity bounds the number of remembered attempts.
	DefaultCapacity = 1024
)

// Decide returns the local role on a link between local and remote. The
// device with the larger UUID initiates. A zero remote UUID means the
// advertisement could not be read, and the answer is Acceptor so that no
// connection is made until a real UUID shows up.
func Decide(local, remote uuid.UUID) link.Role {
	if remote == uuid.Nil {
		return link.RoleAcceptor
	}
	if bytes.Compare(local[:], remote[:]) > 0 {
		return link.RoleInitiator
	}
	return link.RoleAcceptor
}

// Reason explains a Decision.
type Reason int

const (
	ReasonConnect Reason = iota + 1
	ReasonAcceptor
	ReasonBusy
	ReasonCooldown
	ReasonSelf
)

func (r Reason) String() string {
	switch r {
	case ReasonConnect:
		return "connect"
	case ReasonAcceptor:
		return "acceptor"
	case ReasonBusy:
		return "busy"
	case ReasonCooldown:
		return "cooldown"
	case ReasonSelf:
		return "self"
	default:
		return "unknown"
	}
}

// Decision is the outcome of observing one discovery event.
type Decision struct {
	Role    link.Role
	Connect bool
	Reason  Reason
}

type peerState struct {
	state link.State
	role  link.Role
}

type Option func(*Arbiter)

func WithClock(c clockwork.Clock) Option {
	return func(a *Arbiter) { a.clock = c }
}

func WithCooldown(d time.Duration) Option {
	return func(a *Arbiter) { a.cooldown = d }
}

func WithCapacity(n int) Option {
	return func(a *Arbiter) {
		if n > 0 {
			a.capacity = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Arbiter) { a.log = l }
}

// Arbiter tracks per-peer connection state and recent attempts. It is safe
// for concurrent use.
type Arbiter struct {
	self     uuid.UUID
	clock    clockwork.Clock
	cooldown time.Duration
	capacity int
	log      *zap.Logger

	mu       sync.Mutex
	peers    map[link.Addr]peerState
	attempts *simplelru.LRU[link.Addr, time.Time]
}

func New(self uuid.UUID, opts ...Option) *Arbiter {
	a := &Arbiter{
		self:     self,
		clock:    clockwork.NewRealClock(),
		cooldown: DefaultCooldown,
		capacity: DefaultCapacity,
		log:      zap.NewNop(),
		peers:    make(map[link.Addr]peerState),
	}
	for _, o := range opts {
		o(a)
	}
	// NewLRU only fails on a non-positive size.
	a.attempts, _ = simplelru.NewLRU[link.Addr, time.Time](a.capacity, nil)
	return a
}

// Observe handles a discovery event for peer advertising remote. When the
// decision is to connect, the peer is moved to Connecting and the attempt is
// recorded for the cooldown.
func (a *Arbiter) Observe(peer link.Addr, remote uuid.UUID) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	if remote == a.self {
		return a.ignore(peer, Decision{Reason: ReasonSelf})
	}
	if st, ok := a.peers[peer]; ok && (st.state == link.StateConnecting || st.state == link.StateReady) {
		return a.ignore(peer, Decision{Role: st.role, Reason: ReasonBusy})
	}
	role := Decide(a.self, remote)
	if role != link.RoleInitiator {
		return a.ignore(peer, Decision{Role: role, Reason: ReasonAcceptor})
	}
	now := a.clock.Now()
	if last, ok := a.attempts.Get(peer); ok && now.Sub(last) < a.cooldown {
		return a.ignore(peer, Decision{Role: role, Reason: ReasonCooldown})
	}
	a.attempts.Add(peer, now)
	a.peers[peer] = peerState{state: link.StateConnecting, role: role}
	a.log.Debug("connecting", zap.Stringer("peer", peer))
	return Decision{Role: role, Connect: true, Reason: ReasonConnect}
}

func (a *Arbiter) ignore(peer link.Addr, d Decision) Decision {
	metrics.DiscoveryIgnored.WithLabelValues(d.Reason.String()).Inc()
	a.log.Debug("discovery ignored", zap.Stringer("peer", peer), zap.Stringer("reason", d.Reason))
	return d
}

// Accept records a link opened by the remote side. It reports false when
// the peer already holds a link in either role.
func (a *Arbiter) Accept(peer link.Addr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.peers[peer]; ok && (st.state == link.StateConnecting || st.state == link.StateReady) {
		return false
	}
	a.peers[peer] = peerState{state: link.StateReady, role: link.RoleAcceptor}
	return true
}

// MarkReady moves a connecting peer to Ready.
func (a *Arbiter) MarkReady(peer link.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.peers[peer]; ok && st.state == link.StateConnecting {
		st.state = link.StateReady
		a.peers[peer] = st
	}
}

// Fail clears a failed connection attempt. The cooldown still applies.
func (a *Arbiter) Fail(peer link.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.peers, peer)
}

// Forget drops the role assignment for a disconnected peer.
func (a *Arbiter) Forget(peer link.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.peers, peer)
}

// State returns the link state of peer, StateClosed when unknown.
func (a *Arbiter) State(peer link.Addr) link.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.peers[peer]; ok {
		return st.state
	}
	return link.StateClosed
}

// Role returns the local role for peer, if one is assigned.
func (a *Arbiter) Role(peer link.Addr) (link.Role, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.peers[peer]
	return st.role, ok
}
