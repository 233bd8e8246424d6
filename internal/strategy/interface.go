package strategy

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"pool_sync/internal/domain"
)

// SignalType defines the kind of reaction a Reactor emits
type SignalType int

const (
	SignalPriceUp SignalType = iota + 1
	SignalPriceDown
	SignalAlertTriggered
)

// String returns the string representation of SignalType
func (s SignalType) String() string {
	switch s {
	case SignalPriceUp:
		return "PRICE_UP"
	case SignalPriceDown:
		return "PRICE_DOWN"
	case SignalAlertTriggered:
		return "ALERT_TRIGGERED"
	default:
		return "UNKNOWN"
	}
}

// Signal is a reaction to a change of one tracked entity.
type Signal struct {
	Type     SignalType
	Entity   common.Address
	Height   uint64
	OldPrice decimal.Decimal
	NewPrice decimal.Decimal
	// Move is |new-old|/old
	Move decimal.Decimal
}

// Change describes one affected entity of an applied block.
type Change struct {
	Height uint64
	Entity domain.Entity
	// Delta is the net change of the entity's account over the whole block.
	Delta domain.AccountDelta
}

// Reactor is the extension point invoked by a ChangeConsumer for every affected entity.
// It is called synchronously from the consumer's goroutine.
type Reactor interface {
	// OnEntityChanged returns the signals raised by the change, if any.
	OnEntityChanged(change Change) []Signal
}

// Reactors runs several reactors in order and concatenates their signals.
type Reactors []Reactor

func (rs Reactors) OnEntityChanged(change Change) []Signal {
	var out []Signal
	for _, r := range rs {
		out = append(out, r.OnEntityChanged(change)...)
	}
	return out
}
