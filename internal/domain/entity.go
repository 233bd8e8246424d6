package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Class identifies the family of a tracked pool.
type Class uint8

const (
	ClassUnknown Class = iota
	// ClassConstantProduct is a two-token x*y=k pool (Uniswap V2 style).
	ClassConstantProduct
	// ClassConcentrated is a two-token concentrated-liquidity pool (Uniswap V3 style).
	ClassConcentrated
)

// String returns the string representation of Class
func (c Class) String() string {
	switch c {
	case ClassConstantProduct:
		return "constant_product"
	case ClassConcentrated:
		return "concentrated"
	default:
		return "unknown"
	}
}

// ParseClass is the inverse of Class.String.
func ParseClass(s string) (Class, error) {
	switch s {
	case "constant_product":
		return ClassConstantProduct, nil
	case "concentrated":
		return ClassConcentrated, nil
	default:
		return ClassUnknown, fmt.Errorf("%w: %q", ErrUnknownClass, s)
	}
}

// Protocol is the concrete deployment a pool belongs to.
type Protocol uint8

const (
	ProtocolUnknown Protocol = iota
	ProtocolUniswapV2
	ProtocolSushiSwap
	ProtocolUniswapV2Like
	ProtocolUniswapV3
	ProtocolSushiSwapV3
	ProtocolPancakeV3
	ProtocolUniswapV3Like
)

var protocolNames = map[Protocol]string{
	ProtocolUniswapV2:     "uniswap_v2",
	ProtocolSushiSwap:     "sushiswap",
	ProtocolUniswapV2Like: "uniswap_v2_like",
	ProtocolUniswapV3:     "uniswap_v3",
	ProtocolSushiSwapV3:   "sushiswap_v3",
	ProtocolPancakeV3:     "pancake_v3",
	ProtocolUniswapV3Like: "uniswap_v3_like",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParseProtocol is the inverse of Protocol.String. Unknown names map to ProtocolUnknown.
func ParseProtocol(s string) Protocol {
	for p, name := range protocolNames {
		if name == s {
			return p
		}
	}
	return ProtocolUnknown
}

// Candidate is a discovered address that has not been loaded yet.
type Candidate struct {
	Address common.Address
	Class   Class
}

// ConstantProduct holds the class specific fields of a ClassConstantProduct pool.
type ConstantProduct struct {
	Reserve0 *uint256.Int
	Reserve1 *uint256.Int
	// ReservesSlot is set only when the packed reserves slot was verified against getReserves().
	ReservesSlot *uint256.Int
}

// Concentrated holds the class specific fields of a ClassConcentrated pool.
type Concentrated struct {
	Liquidity    *uint256.Int
	SqrtPriceX96 *uint256.Int
	Tick         int32
}

// Entity is the decoded descriptor of a tracked pool.
// Entities are immutable once built: a re-fetch produces a new value.
// Exactly one of ConstantProduct and Concentrated is set, matching Class.
type Entity struct {
	Address  common.Address
	Class    Class
	Protocol Protocol
	Token0   common.Address
	Token1   common.Address
	Factory  common.Address
	// Fee is expressed in parts per million of the input amount (3000 = 0.3%).
	Fee uint32

	ConstantProduct *ConstantProduct
	Concentrated    *Concentrated
}

// Tokens returns the token pair of the pool.
func (e Entity) Tokens() (common.Address, common.Address) {
	return e.Token0, e.Token1
}

// Validate checks that the class specific payload matches Class.
func (e Entity) Validate() error {
	switch e.Class {
	case ClassConstantProduct:
		if e.ConstantProduct == nil || e.Concentrated != nil {
			return fmt.Errorf("entity %s: constant product payload mismatch", e.Address.Hex())
		}
	case ClassConcentrated:
		if e.Concentrated == nil || e.ConstantProduct != nil {
			return fmt.Errorf("entity %s: concentrated payload mismatch", e.Address.Hex())
		}
	default:
		return fmt.Errorf("entity %s: %w", e.Address.Hex(), ErrUnknownClass)
	}
	return nil
}

var q192 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 192), 0)

// SpotPrice returns the price of token0 denominated in token1 (raw units).
// ok is false when the pool holds no usable price.
func (e Entity) SpotPrice() (price decimal.Decimal, ok bool) {
	switch {
	case e.ConstantProduct != nil:
		return ReservePrice(e.ConstantProduct.Reserve0, e.ConstantProduct.Reserve1)
	case e.Concentrated != nil:
		sp := e.Concentrated.SqrtPriceX96
		if sp == nil || sp.IsZero() {
			return decimal.Zero, false
		}
		d := decimal.NewFromBigInt(sp.ToBig(), 0)
		return d.Mul(d).Div(q192), true
	}
	return decimal.Zero, false
}

// ReservePrice returns reserve1/reserve0.
func ReservePrice(reserve0, reserve1 *uint256.Int) (decimal.Decimal, bool) {
	if reserve0 == nil || reserve1 == nil || reserve0.IsZero() {
		return decimal.Zero, false
	}
	r0 := decimal.NewFromBigInt(reserve0.ToBig(), 0)
	r1 := decimal.NewFromBigInt(reserve1.ToBig(), 0)
	return r1.Div(r0), true
}
