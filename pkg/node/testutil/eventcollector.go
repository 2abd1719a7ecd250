package testutil

import (
	"sync"
	"time"

	"github.com/juanpablocruz/blesync/pkg/eventbus"
	"github.com/juanpablocruz/blesync/pkg/node"
)

// EventCollector subscribes to a node's event bus and buffers events
// for deterministic assertions in tests.
type EventCollector struct {
	ch     chan eventbus.Event
	notify chan struct{}

	mu  sync.Mutex
	buf []node.Event
}

func NewEventCollector(buffer int) *EventCollector {
	return &EventCollector{
		ch:     make(chan eventbus.Event, buffer),
		notify: make(chan struct{}, 1),
	}
}

// Attach subscribes the collector to n's bus.
func (ec *EventCollector) Attach(n *node.Node) {
	n.Bus().Subscribe(ec)
}

func (ec *EventCollector) GetChannel() chan eventbus.Event { return ec.ch }

func (ec *EventCollector) OnEvent(ev eventbus.Event) {
	e, ok := ev.(node.Event)
	if !ok {
		return
	}
	ec.mu.Lock()
	ec.buf = append(ec.buf, e)
	ec.mu.Unlock()
	// coalesce notifications
	select {
	case ec.notify <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of buffered events.
func (ec *EventCollector) Snapshot() []node.Event {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]node.Event, len(ec.buf))
	copy(out, ec.buf)
	return out
}

// Count returns how many buffered events have type t.
func (ec *EventCollector) Count(t node.EventType) int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	c := 0
	for _, e := range ec.buf {
		if e.Type == t {
			c++
		}
	}
	return c
}

// WaitFor waits up to timeout for pred to be satisfied by the buffered events.
func (ec *EventCollector) WaitFor(timeout time.Duration, pred func([]node.Event) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		ec.mu.Lock()
		ok := pred(ec.buf)
		ec.mu.Unlock()
		if ok {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-ec.notify:
			// new event, re-check
		case <-time.After(remaining):
			return false
		}
	}
}
