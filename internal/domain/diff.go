package domain

import (
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountDelta is a partial update for one address.
// A nil field means "unchanged", never "set to zero".
type AccountDelta struct {
	Nonce   *uint64
	Balance *uint256.Int
	// Code is nil when unchanged. A non-nil empty slice sets empty code.
	Code    []byte
	Storage map[common.Hash]*uint256.Int

	// Destroyed drops every cached slot of the account before the other fields apply.
	Destroyed bool
}

// HasChanges reports whether the delta touches any field at all.
func (d AccountDelta) HasChanges() bool {
	return d.Destroyed || d.Nonce != nil || d.Balance != nil || d.Code != nil || len(d.Storage) > 0
}

// Slots returns the storage keys of the delta in ascending order.
func (d AccountDelta) Slots() []common.Hash {
	keys := make([]common.Hash, 0, len(d.Storage))
	for k := range d.Storage {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b common.Hash) int { return a.Cmp(b) })
	return keys
}

// Overlay returns a copy of d with every present field of next written on top.
// A destroyed next discards d entirely.
func (d AccountDelta) Overlay(next AccountDelta) AccountDelta {
	if next.Destroyed {
		d = AccountDelta{Destroyed: true}
	}
	out := AccountDelta{
		Destroyed: d.Destroyed,
		Nonce:     d.Nonce,
		Balance:   d.Balance,
		Code:      d.Code,
		Storage:   make(map[common.Hash]*uint256.Int, len(d.Storage)+len(next.Storage)),
	}
	for k, v := range d.Storage {
		out.Storage[k] = v
	}
	if next.Nonce != nil {
		out.Nonce = next.Nonce
	}
	if next.Balance != nil {
		out.Balance = next.Balance
	}
	if next.Code != nil {
		out.Code = next.Code
	}
	for k, v := range next.Storage {
		out.Storage[k] = v
	}
	return out
}

// Diff is the state change produced by one transaction, one entry per address.
type Diff map[common.Address]AccountDelta

// Addresses returns the touched addresses in ascending order.
func (d Diff) Addresses() []common.Address {
	addrs := make([]common.Address, 0, len(d))
	for a := range d {
		addrs = append(addrs, a)
	}
	SortAddresses(addrs)
	return addrs
}

// DiffBatch holds the diffs of one block in execution order.
type DiffBatch []Diff

// TouchedAddresses returns every address touched by the batch, deduplicated and sorted.
func (b DiffBatch) TouchedAddresses() []common.Address {
	seen := make(map[common.Address]struct{})
	for _, d := range b {
		for a := range d {
			seen[a] = struct{}{}
		}
	}
	addrs := make([]common.Address, 0, len(seen))
	for a := range seen {
		addrs = append(addrs, a)
	}
	SortAddresses(addrs)
	return addrs
}

// DiffEnvelope carries one block's batch together with the block identity.
type DiffEnvelope struct {
	Height uint64
	Hash   common.Hash
	Batch  DiffBatch
}

// MergeDiffs collapses diffs into a single net diff. Later diffs win per field
// and per storage slot; fields absent everywhere stay absent.
func MergeDiffs(diffs ...Diff) Diff {
	merged := make(Diff)
	for _, d := range diffs {
		for addr, delta := range d {
			merged[addr] = merged[addr].Overlay(delta)
		}
	}
	return merged
}

// SortAddresses sorts addrs in place in ascending byte order.
func SortAddresses(addrs []common.Address) {
	slices.SortFunc(addrs, func(a, b common.Address) int { return a.Cmp(b) })
}
