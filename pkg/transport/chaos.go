package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juanpablocruz/blesync/pkg/link"
)

var (
	// ErrDropped is a write or read request lost on the air.
	ErrDropped = errors.New("transport: frame lost")
	// ErrLinkDown is returned while the chaos link is switched off.
	ErrLinkDown = errors.New("transport: link down")
)

type ChaosConfig struct {
	// Loss is the probability [0..1] that a write or read request fails.
	Loss float64

	// Latency added before every write and read, uniformly in
	// [BaseDelay-Jitter, BaseDelay+Jitter].
	BaseDelay time.Duration
	Jitter    time.Duration

	// FailMTU makes every MTU request fail.
	FailMTU bool

	// Link toggle
	Up bool

	// Seed (optional). If 0, uses time.Now().UnixNano()
	Seed int64
}

// Chaos wraps a link.Primitive and degrades the initiator-side operations.
// Latency is applied synchronously, so frames of one message never overtake
// each other; notifications and connection management pass through.
type Chaos struct {
	link.Primitive

	up atomic.Bool

	cfgMu sync.RWMutex
	cfg   ChaosConfig

	rngMu sync.Mutex
	rng   *rand.Rand

	dropped atomic.Int64
}

var _ link.Primitive = (*Chaos)(nil)

func WrapChaos(under link.Primitive, cfg ChaosConfig) *Chaos {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	c := &Chaos{
		Primitive: under,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
	c.up.Store(cfg.Up)
	return c
}

func (c *Chaos) RequestMTU(ctx context.Context, peer link.Addr, mtu int) (int, error) {
	if c.getCfg().FailMTU {
		return 0, link.ErrMTU
	}
	return c.Primitive.RequestMTU(ctx, peer, mtu)
}

func (c *Chaos) Write(ctx context.Context, peer link.Addr, frame []byte) error {
	if err := c.degrade(ctx); err != nil {
		return err
	}
	return c.Primitive.Write(ctx, peer, frame)
}

func (c *Chaos) RequestRead(ctx context.Context, peer link.Addr) ([]byte, error) {
	if err := c.degrade(ctx); err != nil {
		return nil, err
	}
	return c.Primitive.RequestRead(ctx, peer)
}

// degrade applies the link toggle, loss and latency to one request.
func (c *Chaos) degrade(ctx context.Context) error {
	if !c.up.Load() {
		return ErrLinkDown
	}
	cfg := c.getCfg()
	if c.roll() < cfg.Loss {
		c.dropped.Add(1)
		return ErrDropped
	}
	delay := c.delayWithJitter(cfg)
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped counts requests lost so far.
func (c *Chaos) Dropped() int64 { return c.dropped.Load() }

// --- controls ---

func (c *Chaos) SetUp(up bool)     { c.up.Store(up) }
func (c *Chaos) SetLoss(p float64) { c.cfgMu.Lock(); c.cfg.Loss = clamp01(p); c.cfgMu.Unlock() }
func (c *Chaos) SetFailMTU(v bool) { c.cfgMu.Lock(); c.cfg.FailMTU = v; c.cfgMu.Unlock() }
func (c *Chaos) SetBaseDelay(d time.Duration) {
	c.cfgMu.Lock()
	c.cfg.BaseDelay = d
	c.cfgMu.Unlock()
}
func (c *Chaos) SetJitter(d time.Duration) { c.cfgMu.Lock(); c.cfg.Jitter = d; c.cfgMu.Unlock() }
func (c *Chaos) GetConfig() ChaosConfig {
	cfg := c.getCfg()
	cfg.Up = c.up.Load()
	return cfg
}

func (c *Chaos) getCfg() ChaosConfig { c.cfgMu.RLock(); defer c.cfgMu.RUnlock(); return c.cfg }

func (c *Chaos) delayWithJitter(cfg ChaosConfig) time.Duration {
	if cfg.Jitter <= 0 {
		return cfg.BaseDelay
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	// Uniform in [-Jitter, +Jitter]
	j := time.Duration(c.rng.Int63n(int64(cfg.Jitter)*2)) - cfg.Jitter
	return cfg.BaseDelay + j
}

func (c *Chaos) roll() float64 {
	c.rngMu.Lock()
	x := c.rng.Float64()
	c.rngMu.Unlock()
	return x
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
