package strategy

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"pool_sync/internal/domain"
	"pool_sync/internal/infra/uniswap"
)

// StateReader is the read surface of Market State a watcher needs.
type StateReader interface {
	StorageAt(addr common.Address, key common.Hash) (*uint256.Int, bool)
}

// ReserveWatcher tracks the spot price of every changed pool from the replicated
// storage and signals moves of at least threshold relative to the last seen price.
// It is stateful and not safe for concurrent use.
type ReserveWatcher struct {
	state     StateReader
	threshold decimal.Decimal
	last      map[common.Address]decimal.Decimal
}

// NewReserveWatcher creates a watcher; threshold is a fraction (0.01 = 1%).
func NewReserveWatcher(state StateReader, threshold decimal.Decimal) *ReserveWatcher {
	return &ReserveWatcher{
		state:     state,
		threshold: threshold,
		last:      make(map[common.Address]decimal.Decimal),
	}
}

// OnEntityChanged reads the pool's price slot and compares it to the previous price.
func (w *ReserveWatcher) OnEntityChanged(change Change) []Signal {
	e := change.Entity

	price, ok := PoolPrice(w.state, e)
	if !ok {
		return nil
	}

	prev, seen := w.last[e.Address]
	w.last[e.Address] = price
	if !seen {
		// first observation: compare against the price captured at load time
		if prev, seen = e.SpotPrice(); !seen {
			return nil
		}
	}
	if prev.IsZero() {
		return nil
	}

	move := price.Sub(prev).Div(prev).Abs()
	if move.LessThan(w.threshold) {
		return nil
	}

	sig := Signal{
		Type:     SignalPriceUp,
		Entity:   e.Address,
		Height:   change.Height,
		OldPrice: prev,
		NewPrice: price,
		Move:     move,
	}
	if price.LessThan(prev) {
		sig.Type = SignalPriceDown
	}
	return []Signal{sig}
}

// LastPrice returns the last price observed for addr
func (w *ReserveWatcher) LastPrice(addr common.Address) (decimal.Decimal, bool) {
	p, ok := w.last[addr]
	return p, ok
}

// PoolPrice reads the current spot price of e out of the replicated storage.
// ok is false while the price slot has not been replicated yet.
func PoolPrice(state StateReader, e domain.Entity) (decimal.Decimal, bool) {
	switch e.Class {
	case domain.ClassConstantProduct:
		// only pools whose reserves slot was verified at load time can be read from storage
		if e.ConstantProduct == nil || e.ConstantProduct.ReservesSlot == nil {
			return decimal.Zero, false
		}
		raw, ok := state.StorageAt(e.Address, common.Hash(e.ConstantProduct.ReservesSlot.Bytes32()))
		if !ok {
			return decimal.Zero, false
		}
		r0, r1 := uniswap.UnpackReserves(raw)
		return domain.ReservePrice(r0, r1)

	case domain.ClassConcentrated:
		raw, ok := state.StorageAt(e.Address, uniswap.Slot0Key)
		if !ok {
			return decimal.Zero, false
		}
		sqrtPrice, _ := uniswap.UnpackSlot0(raw)
		return domain.Entity{Concentrated: &domain.Concentrated{SqrtPriceX96: sqrtPrice}}.SpotPrice()
	}
	return decimal.Zero, false
}
