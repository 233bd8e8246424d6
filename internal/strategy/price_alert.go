package strategy

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Direction of a price alert
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// PriceAlert fires when a pool's spot price reaches Target.
type PriceAlert struct {
	Pool         common.Address
	Target       decimal.Decimal
	Direction    Direction
	IsPersistent bool
	active       bool
}

// NewPriceAlert creates an active alert.
// Direction is derived from currentPrice:
// - UP: target >= current (waiting for price to rise)
// - DOWN: target < current (waiting for price to fall)
func NewPriceAlert(pool common.Address, target, current decimal.Decimal, persistent bool) *PriceAlert {
	direction := DirectionUp
	if target.LessThan(current) {
		direction = DirectionDown
	}
	return &PriceAlert{
		Pool:         pool,
		Target:       target,
		Direction:    direction,
		IsPersistent: persistent,
		active:       true,
	}
}

func (a *PriceAlert) IsActive() bool {
	return a.active
}

func (a *PriceAlert) SetActive(active bool) {
	a.active = active
}

// CheckCondition reports whether price satisfies the alert.
func (a *PriceAlert) CheckCondition(price decimal.Decimal) bool {
	if !a.active {
		return false
	}
	switch a.Direction {
	case DirectionUp:
		return price.GreaterThanOrEqual(a.Target)
	case DirectionDown:
		return price.LessThanOrEqual(a.Target)
	default:
		return false
	}
}

// AlertTarget is the static description of an alert; its direction is fixed
// by the first price observed for the pool.
type AlertTarget struct {
	Pool       common.Address
	Target     decimal.Decimal
	Persistent bool
}

// AlertBook evaluates price alerts against changed pools.
// One-shot alerts deactivate after firing; persistent alerts re-arm once
// the price moves back across the target.
type AlertBook struct {
	state StateReader

	mu      sync.Mutex
	pending map[common.Address][]AlertTarget
	alerts  map[common.Address][]*PriceAlert
}

func NewAlertBook(state StateReader, targets ...AlertTarget) *AlertBook {
	b := &AlertBook{
		state:   state,
		pending: make(map[common.Address][]AlertTarget),
		alerts:  make(map[common.Address][]*PriceAlert),
	}
	for _, t := range targets {
		b.pending[t.Pool] = append(b.pending[t.Pool], t)
	}
	return b
}

// OnEntityChanged checks the alerts of the changed pool.
func (b *AlertBook) OnEntityChanged(change Change) []Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	addr := change.Entity.Address
	if len(b.pending[addr]) == 0 && len(b.alerts[addr]) == 0 {
		return nil
	}
	price, ok := PoolPrice(b.state, change.Entity)
	if !ok {
		return nil
	}

	// arm pending targets relative to the first observed price
	for _, t := range b.pending[addr] {
		b.alerts[addr] = append(b.alerts[addr], NewPriceAlert(addr, t.Target, price, t.Persistent))
	}
	delete(b.pending, addr)

	var out []Signal
	for _, a := range b.alerts[addr] {
		if !a.IsActive() {
			if a.IsPersistent && !a.crossed(price) {
				a.SetActive(true)
			}
			continue
		}
		if !a.CheckCondition(price) {
			continue
		}
		a.SetActive(false)
		out = append(out, Signal{
			Type:     SignalAlertTriggered,
			Entity:   addr,
			Height:   change.Height,
			OldPrice: a.Target,
			NewPrice: price,
			Move:     price.Sub(a.Target).Abs(),
		})
	}
	return out
}

// Alerts returns the armed alerts of pool
func (b *AlertBook) Alerts(pool common.Address) []PriceAlert {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]PriceAlert, 0, len(b.alerts[pool]))
	for _, a := range b.alerts[pool] {
		out = append(out, *a)
	}
	return out
}

// crossed reports whether price is still on the triggered side of the target.
func (a *PriceAlert) crossed(price decimal.Decimal) bool {
	if a.Direction == DirectionUp {
		return price.GreaterThanOrEqual(a.Target)
	}
	return price.LessThanOrEqual(a.Target)
}

var _ Reactor = (*AlertBook)(nil)
var _ Reactor = Reactors(nil)
