package node

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/juanpablocruz/blesync/pkg/eventbus"
	"github.com/juanpablocruz/blesync/pkg/reconcile"
)

const (
	// DefaultFetchTimeout bounds a record fetch from the record source.
	DefaultFetchTimeout = 5 * time.Second
	// DefaultRetryDelay is the pause before reopening a failed round.
	DefaultRetryDelay = 200 * time.Millisecond
)

// Option configures a Node in New.
type Option func(*Node)

func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.log = l }
}

func WithClock(c clockwork.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// WithBus publishes domain events on b. The caller starts and stops it.
func WithBus(b eventbus.EventBusIf) Option {
	return func(n *Node) { n.bus = b; n.ownBus = false }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(n *Node) { n.fetchTimeout = d }
}

func WithCooldown(d time.Duration) Option {
	return func(n *Node) { n.cooldown = d }
}

func WithRetryDelay(d time.Duration) Option {
	return func(n *Node) { n.retryDelay = d }
}

// WithScanEvery scans for peers periodically; zero leaves discovery to
// explicit Discover calls.
func WithScanEvery(d time.Duration) Option {
	return func(n *Node) { n.scanEvery = d }
}

func WithChunkSize(size int) Option {
	return func(n *Node) { n.chunkSize = size }
}

func WithMTU(mtu int) Option {
	return func(n *Node) { n.requestMTU = mtu }
}

func WithReconciler(f reconcile.Factory) Option {
	return func(n *Node) { n.factory = f }
}
