// Package registry tracks connected peers by the local role on each link.
package registry

import (
	"sort"
	"sync"

	"github.com/juanpablocruz/blesync/pkg/link"
)

// Entry is one registered peer.
type Entry[P any] struct {
	Addr link.Addr
	Role link.Role
	Peer P
}

// Registry holds two keyed sets: peers we initiated to (we are the GATT
// client, they can be written to directly) and peers that connected to us
// (they pull, so they must be notified). An address lives in at most one set.
type Registry[P any] struct {
	mu       sync.RWMutex
	byAddr   map[link.Addr]Entry[P]
	roleSize map[link.Role]int
}

func New[P any]() *Registry[P] {
	return &Registry[P]{
		byAddr:   make(map[link.Addr]Entry[P]),
		roleSize: make(map[link.Role]int),
	}
}

// Add registers p under addr. It reports false and leaves the registry
// unchanged when addr is already present in either set.
func (r *Registry[P]) Add(addr link.Addr, role link.Role, p P) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byAddr[addr]; ok {
		return false
	}
	r.byAddr[addr] = Entry[P]{Addr: addr, Role: role, Peer: p}
	r.roleSize[role]++
	return true
}

// Remove drops addr and returns what was registered for it.
func (r *Registry[P]) Remove(addr link.Addr) (Entry[P], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byAddr[addr]
	if !ok {
		return e, false
	}
	delete(r.byAddr, addr)
	r.roleSize[e.Role]--
	return e, true
}

func (r *Registry[P]) Get(addr link.Addr) (Entry[P], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byAddr[addr]
	return e, ok
}

// Len is the number of peers in the role set.
func (r *Registry[P]) Len(role link.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roleSize[role]
}

// Snapshot copies every entry except the one for except, sorted by address.
// Callers iterate the copy without holding the registry lock.
func (r *Registry[P]) Snapshot(except link.Addr) []Entry[P] {
	r.mu.RLock()
	out := make([]Entry[P], 0, len(r.byAddr))
	for addr, e := range r.byAddr {
		if addr == except {
			continue
		}
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
