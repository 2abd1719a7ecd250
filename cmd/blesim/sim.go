package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/juanpablocruz/blesync/pkg/actor"
	"github.com/juanpablocruz/blesync/pkg/config"
	"github.com/juanpablocruz/blesync/pkg/eventbus"
	"github.com/juanpablocruz/blesync/pkg/link"
	"github.com/juanpablocruz/blesync/pkg/model"
	"github.com/juanpablocruz/blesync/pkg/node"
	"github.com/juanpablocruz/blesync/pkg/relay"
	"github.com/juanpablocruz/blesync/pkg/store"
	"github.com/juanpablocruz/blesync/pkg/transport"
)

type backend interface {
	store.EventStore
	store.RecordSource
}

type simDevice struct {
	name  link.Addr
	node  *node.Node
	radio *transport.Radio
	chaos *transport.Chaos
	index store.EventStore
	close []io.Closer
}

func (d *simDevice) count(ctx context.Context) int {
	items, err := d.index.AllIDs(ctx)
	if err != nil {
		return -1
	}
	return len(items)
}

type simulation struct {
	cfg     *config.Config
	log     *zap.Logger
	air     *transport.Air
	bus     *eventbus.Bus
	devices []*simDevice
	feed    *eventFeed

	rngMu sync.Mutex
	rng   *rand.Rand
	seq   atomic.Int64
}

func newSimulation(cfg *config.Config, log *zap.Logger) *simulation {
	return &simulation{
		cfg:  cfg,
		log:  log,
		air:  transport.NewAir(),
		bus:  eventbus.New(eventbus.WithLogger(log.Named("bus"))),
		feed: newEventFeed(200),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.TUI {
		// The dashboard owns the terminal.
		log = zap.NewNop()
	}
	sim := newSimulation(cfg, log)
	sim.bus.Subscribe(eventbus.NewFuncSubscriber(1024, sim.feed.add))
	sim.bus.Start()
	defer sim.bus.Stop()

	if err := sim.build(ctx); err != nil {
		sim.teardown()
		return err
	}
	defer sim.teardown()

	stopMetrics, err := serveMetrics(cfg.Metrics.Addr, log)
	if err != nil {
		return err
	}
	defer stopMetrics()

	for _, d := range sim.devices {
		if err := d.node.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", d.name, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Publish > 0 {
		g.Go(func() error { return sim.publishLoop(gctx) })
	}
	if cfg.TUI {
		g.Go(func() error { return runDashboard(gctx, sim) })
	} else {
		g.Go(func() error { return sim.report(gctx) })
	}
	err = g.Wait()
	for _, d := range sim.devices {
		d.node.Stop()
	}
	sim.summary(context.Background())
	if errors.Is(err, context.Canceled) || errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// build attaches every device to the air and seeds its records.
func (s *simulation) build(ctx context.Context) error {
	for i := 0; i < s.cfg.Devices; i++ {
		name := link.Addr(fmt.Sprintf("D%02d", i))
		d, err := s.newDevice(ctx, i, name)
		if err != nil {
			return fmt.Errorf("device %s: %w", name, err)
		}
		s.devices = append(s.devices, d)
		for j := 0; j < s.cfg.Records; j++ {
			rec, err := s.record(name)
			if err != nil {
				return err
			}
			if err := d.node.Publish(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *simulation) newDevice(ctx context.Context, i int, name link.Addr) (*simDevice, error) {
	radio, err := s.air.Attach(name, transport.WithEventBuffer(1024))
	if err != nil {
		return nil, err
	}
	d := &simDevice{name: name, radio: radio}
	d.close = append(d.close, radio)

	var prim link.Primitive = radio
	if s.cfg.Chaos.Enabled() {
		d.chaos = transport.WrapChaos(radio, transport.ChaosConfig{
			Up:        true,
			Loss:      s.cfg.Chaos.Loss,
			BaseDelay: s.cfg.Chaos.BaseDelay,
			Jitter:    s.cfg.Chaos.Jitter,
			FailMTU:   s.cfg.Chaos.FailMTU,
			Seed:      s.cfg.Chaos.Seed + int64(i),
		})
		prim = d.chaos
	}

	var b backend
	switch s.cfg.Store.Backend {
	case "sqlite":
		db, err := store.OpenSQLite(filepath.Join(s.dataDir(), string(name)+".db"))
		if err != nil {
			return nil, err
		}
		d.close = append(d.close, db)
		b = db
	default:
		b = store.NewMemory()
	}
	if s.cfg.Store.Reset {
		if err := b.ClearAll(ctx); err != nil {
			return nil, fmt.Errorf("reset: %w", err)
		}
	}
	d.index = b

	var src store.RecordSource = b
	if s.cfg.Relay.Enabled && i == 0 {
		rc := relay.New(s.cfg.Relay.URL, relay.WithLogger(s.log.Named("relay")))
		d.close = append(d.close, rc)
		src = rc
	}

	id := actor.New()
	if s.cfg.Store.Backend == "sqlite" {
		// Persistent devices keep their identity, and so their roles.
		if id, err = actor.LoadOrCreate(filepath.Join(s.dataDir(), string(name)+".id")); err != nil {
			return nil, err
		}
	}

	d.node = node.New(id, prim, b, src,
		node.WithLogger(s.log.Named(string(name))),
		node.WithBus(s.bus),
		node.WithFetchTimeout(s.cfg.Sync.FetchTimeout),
		node.WithCooldown(s.cfg.Sync.Cooldown),
		node.WithRetryDelay(s.cfg.Sync.RetryDelay),
		node.WithScanEvery(s.cfg.Sync.ScanEvery),
		node.WithMTU(s.cfg.Link.MTU),
		node.WithChunkSize(s.cfg.Link.ChunkSize),
	)
	return d, nil
}

func (s *simulation) dataDir() string {
	if s.cfg.Store.Dir == "" {
		return "."
	}
	return s.cfg.Store.Dir
}

func (s *simulation) record(author link.Addr) (*model.Record, error) {
	n := s.seq.Add(1)
	return model.NewRecord(
		fmt.Sprintf("%064x", n%7),
		time.Now().Unix()+n,
		1,
		[][]string{{"t", "blesim"}, {"d", string(author)}},
		fmt.Sprintf("note %d from %s", n, author),
	)
}

func (s *simulation) pick() *simDevice {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.devices[s.rng.Intn(len(s.devices))]
}

// publish creates a record on a random device.
func (s *simulation) publish(ctx context.Context) error {
	d := s.pick()
	rec, err := s.record(d.name)
	if err != nil {
		return err
	}
	return d.node.Publish(ctx, rec)
}

func (s *simulation) publishLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Publish)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.publish(ctx); err != nil {
				s.log.Warn("publish failed", zap.Error(err))
			}
		}
	}
}

// breakRandomLink drops one live link, as if two devices walked apart.
func (s *simulation) breakRandomLink() (link.Addr, link.Addr, bool) {
	d := s.pick()
	peers := d.node.Peers()
	if len(peers) == 0 {
		return "", "", false
	}
	s.rngMu.Lock()
	p := peers[s.rng.Intn(len(peers))]
	s.rngMu.Unlock()
	return d.name, p.Addr, s.air.Break(d.name, p.Addr)
}

// converged reports whether every device holds the same number of records.
func (s *simulation) converged(ctx context.Context) bool {
	want := -1
	for _, d := range s.devices {
		n := d.count(ctx)
		if want >= 0 && n != want {
			return false
		}
		want = n
	}
	return true
}

func (s *simulation) report(ctx context.Context) error {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			for _, d := range s.devices {
				s.log.Info("device",
					zap.Stringer("name", d.name),
					zap.Int("records", d.count(ctx)),
					zap.Int("peers", len(d.node.Peers())),
					zap.Int64("sent", d.node.Sent()),
					zap.Int64("received", d.node.Received()))
			}
			s.log.Info("fleet", zap.Bool("converged", s.converged(ctx)))
		}
	}
}

func (s *simulation) summary(ctx context.Context) {
	for _, d := range s.devices {
		fmt.Printf("%s records=%d sent=%d received=%d\n", d.name, d.count(ctx), d.node.Sent(), d.node.Received())
	}
	fmt.Printf("converged=%v\n", s.converged(ctx))
}

func (s *simulation) teardown() {
	for _, d := range s.devices {
		for i := len(d.close) - 1; i >= 0; i-- {
			_ = d.close[i].Close()
		}
	}
}

// eventFeed keeps the most recent domain events for the dashboard.
type eventFeed struct {
	mu    sync.Mutex
	limit int
	lines []string
}

func newEventFeed(limit int) *eventFeed { return &eventFeed{limit: limit} }

func (f *eventFeed) add(ev eventbus.Event) {
	e, ok := ev.(node.Event)
	if !ok {
		return
	}
	line := fmt.Sprintf("%s %s %-17s", e.Time.Format("15:04:05.000"), e.Node, e.Type)
	if e.Peer != "" {
		line += " peer=" + string(e.Peer)
	}
	if e.Record != (model.ID{}) {
		line += " rec=" + e.Record.Short()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	if len(f.lines) > f.limit {
		f.lines = f.lines[len(f.lines)-f.limit:]
	}
}

func (f *eventFeed) tail(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > len(f.lines) {
		n = len(f.lines)
	}
	out := make([]string, n)
	copy(out, f.lines[len(f.lines)-n:])
	return out
}
