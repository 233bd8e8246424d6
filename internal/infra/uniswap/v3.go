package uniswap

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"pool_sync/internal/domain"
)

// V3 pool events
var (
	TopicV3Swap       = Topic("Swap(address,address,int256,int256,uint160,uint128,int24)")
	TopicV3Mint       = Topic("Mint(address,address,int24,int24,uint128,uint256,uint256)")
	TopicV3Burn       = Topic("Burn(address,int24,int24,uint128,uint256,uint256)")
	TopicV3Initialize = Topic("Initialize(uint160,int24)")

	v3Topics = map[common.Hash]struct{}{
		TopicV3Swap: {}, TopicV3Mint: {}, TopicV3Burn: {}, TopicV3Initialize: {},
	}
)

// ConcentratedHandler recognises and loads Uniswap V3 style pools.
type ConcentratedHandler struct {
	caller domain.ContractCaller
}

func NewConcentratedHandler(caller domain.ContractCaller) *ConcentratedHandler {
	return &ConcentratedHandler{caller: caller}
}

func (h *ConcentratedHandler) Class() domain.Class {
	return domain.ClassConcentrated
}

func (h *ConcentratedHandler) Topics() []common.Hash {
	return []common.Hash{TopicV3Swap, TopicV3Mint, TopicV3Burn, TopicV3Initialize}
}

func (h *ConcentratedHandler) Recognize(log *types.Log) (common.Address, bool) {
	if len(log.Topics) == 0 {
		return common.Address{}, false
	}
	if _, ok := v3Topics[log.Topics[0]]; !ok {
		return common.Address{}, false
	}
	return log.Address, true
}

// Load reads token0, token1, factory, fee, liquidity and slot0 concurrently.
func (h *ConcentratedHandler) Load(ctx context.Context, addr common.Address) (domain.Entity, error) {
	var (
		token0, token1, factory common.Address
		fee, liquidity          *uint256.Int
		slot0                   []byte
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		token0, err = callAddress(gctx, h.caller, addr, methodToken0)
		return err
	})
	g.Go(func() (err error) {
		token1, err = callAddress(gctx, h.caller, addr, methodToken1)
		return err
	})
	g.Go(func() (err error) {
		factory, err = callAddress(gctx, h.caller, addr, methodFactory)
		return err
	})
	g.Go(func() (err error) {
		fee, err = callUint(gctx, h.caller, addr, methodFee)
		return err
	})
	g.Go(func() (err error) {
		liquidity, err = callUint(gctx, h.caller, addr, methodLiquidity)
		return err
	})
	g.Go(func() (err error) {
		slot0, err = call(gctx, h.caller, addr, methodSlot0)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.Entity{}, err
	}

	sqrtPrice, err := decodeUint(slot0, 0)
	if err != nil {
		return domain.Entity{}, &domain.RemoteCallError{Address: addr, Method: methodSlot0.name, Err: err}
	}
	tick, err := decodeInt24(slot0, 1)
	if err != nil {
		return domain.Entity{}, &domain.RemoteCallError{Address: addr, Method: methodSlot0.name, Err: err}
	}

	return domain.Entity{
		Address:  addr,
		Class:    domain.ClassConcentrated,
		Protocol: concentratedProtocol(factory),
		Token0:   token0,
		Token1:   token1,
		Factory:  factory,
		Fee:      uint32(fee.Uint64()),
		Concentrated: &domain.Concentrated{
			Liquidity:    liquidity,
			SqrtPriceX96: sqrtPrice,
			Tick:         tick,
		},
	}, nil
}
