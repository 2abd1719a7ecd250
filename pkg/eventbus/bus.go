// Package eventbus fans domain events out to subscribers, each consuming on
// its own goroutine, and can wait until every published event was handled.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Event is any message published to the bus.
type Event interface{ GetType() string }

// Subscriber consumes events on its own channel.
// The bus starts a goroutine that reads from GetChannel() and calls
// OnEvent(ev) for each event. Do NOT close the channel.
type Subscriber interface {
	OnEvent(Event)
	GetChannel() chan Event
}

type EventBusIf interface {
	Subscribe(Subscriber)
	Publish(Event)
	Start()             // idempotent
	Stop()              // idempotent; drains and shuts down cleanly
	WaitForProcessing() // blocks until every published event has been OnEvent'ed
}

type Option func(*Bus)

// WithPublishBuffer sets the internal publish queue capacity.
func WithPublishBuffer(n int) Option {
	return func(b *Bus) {
		if n < 1 {
			n = 1
		}
		b.pubCh = make(chan delivery, n)
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.log = l }
}

type Bus struct {
	log *zap.Logger

	subsMu sync.RWMutex
	subs   map[Subscriber]struct{}

	pubMu sync.RWMutex
	pubCh chan delivery

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	fanoutWG sync.WaitGroup
	subsWG   sync.WaitGroup

	// one count per (event, subscriber) delivery
	procWG sync.WaitGroup
}

type delivery struct {
	ev      Event
	targets []Subscriber
}

func New(opts ...Option) *Bus {
	b := &Bus{
		log:   zap.NewNop(),
		subs:  make(map[Subscriber]struct{}),
		pubCh: make(chan delivery, 1024),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers s. Subscribing to a started bus starts consuming
// immediately.
func (b *Bus) Subscribe(s Subscriber) {
	b.subsMu.Lock()
	if _, exists := b.subs[s]; exists {
		b.subsMu.Unlock()
		return
	}
	b.subs[s] = struct{}{}
	b.subsMu.Unlock()

	if b.started.Load() {
		b.startSubscriberWorker(s)
	}
}

// Publish enqueues ev for the subscribers registered right now. Publishing
// on a bus that is not running is a no-op.
func (b *Bus) Publish(ev Event) {
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if !b.started.Load() {
		return
	}

	b.subsMu.RLock()
	targets := make([]Subscriber, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.subsMu.RUnlock()

	if len(targets) == 0 {
		return
	}

	// Count before enqueueing so WaitForProcessing sees the work.
	b.procWG.Add(len(targets))
	b.pubCh <- delivery{ev: ev, targets: targets}
}

func (b *Bus) Start() {
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.started.Store(true)

		b.subsMu.RLock()
		for s := range b.subs {
			b.startSubscriberWorker(s)
		}
		b.subsMu.RUnlock()

		b.fanoutWG.Add(1)
		go func() {
			defer b.fanoutWG.Done()
			for d := range b.pubCh {
				for _, s := range d.targets {
					select {
					case s.GetChannel() <- d.ev:
					case <-b.ctx.Done():
						b.procWG.Done()
					}
				}
			}
		}()
	})
}

// Stop waits for queued events to be handled, then shuts the workers down.
// A stopped bus cannot be restarted.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.pubMu.Lock()
		b.started.Store(false)
		close(b.pubCh)
		b.pubMu.Unlock()
		b.fanoutWG.Wait()
		b.procWG.Wait()
		if b.cancel != nil {
			b.cancel()
		}
		b.subsWG.Wait()
	})
}

// WaitForProcessing blocks until every event published so far was handled.
func (b *Bus) WaitForProcessing() {
	b.procWG.Wait()
}

func (b *Bus) startSubscriberWorker(s Subscriber) {
	ch := s.GetChannel()
	b.subsWG.Add(1)
	go func() {
		defer b.subsWG.Done()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				b.handleEvent(s, ev)
			case <-b.ctx.Done():
				return
			}
		}
	}()
}

func (b *Bus) handleEvent(s Subscriber, ev Event) {
	defer b.procWG.Done()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked", zap.String("event", ev.GetType()), zap.Any("panic", r))
		}
	}()
	s.OnEvent(ev)
}

// FuncSubscriber adapts a function to Subscriber.
type FuncSubscriber struct {
	fn func(Event)
	ch chan Event
}

func NewFuncSubscriber(buffer int, fn func(Event)) *FuncSubscriber {
	return &FuncSubscriber{fn: fn, ch: make(chan Event, buffer)}
}

func (f *FuncSubscriber) OnEvent(ev Event)       { f.fn(ev) }
func (f *FuncSubscriber) GetChannel() chan Event { return f.ch }
