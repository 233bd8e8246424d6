package service

import (
	"github.com/ethereum/go-ethereum/common"

	"pool_sync/internal/domain"
)

// Registry maps pool addresses to their decoded descriptors.
// Not safe for concurrent use on its own.
type Registry struct {
	entities map[common.Address]domain.Entity
}

func NewRegistry() *Registry {
	return &Registry{entities: make(map[common.Address]domain.Entity)}
}

// Put registers e, replacing any previous descriptor for the same address.
// It reports whether the address was new.
func (r *Registry) Put(e domain.Entity) bool {
	_, existed := r.entities[e.Address]
	r.entities[e.Address] = e
	return !existed
}

func (r *Registry) Get(addr common.Address) (domain.Entity, bool) {
	e, ok := r.entities[addr]
	return e, ok
}

func (r *Registry) Contains(addr common.Address) bool {
	_, ok := r.entities[addr]
	return ok
}

func (r *Registry) Len() int {
	return len(r.entities)
}

// Intersect returns the addresses of addrs that are registered, deduplicated and sorted.
// Cost is one lookup per input address.
func (r *Registry) Intersect(addrs []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(addrs))
	out := make([]common.Address, 0)
	for _, a := range addrs {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		if r.Contains(a) {
			out = append(out, a)
		}
	}
	domain.SortAddresses(out)
	return out
}

// All returns every registered entity sorted by address.
func (r *Registry) All() []domain.Entity {
	addrs := make([]common.Address, 0, len(r.entities))
	for a := range r.entities {
		addrs = append(addrs, a)
	}
	domain.SortAddresses(addrs)

	out := make([]domain.Entity, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, r.entities[a])
	}
	return out
}
