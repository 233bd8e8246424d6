package uniswap

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"pool_sync/internal/domain"
)

// ReservesSlot is the storage slot holding the packed reserves of a V2 pair.
const ReservesSlot = 8

// ReservesSlotKey is ReservesSlot as a storage key.
var ReservesSlotKey = common.Hash(uint256.NewInt(ReservesSlot).Bytes32())

// V2 pair events
var (
	TopicV2Swap = Topic("Swap(address,uint256,uint256,uint256,uint256,address)")
	TopicV2Sync = Topic("Sync(uint112,uint112)")
	TopicV2Mint = Topic("Mint(address,uint256,uint256)")
	TopicV2Burn = Topic("Burn(address,uint256,uint256,address)")

	v2Topics = map[common.Hash]struct{}{
		TopicV2Swap: {}, TopicV2Sync: {}, TopicV2Mint: {}, TopicV2Burn: {},
	}
)

// ConstantProductHandler recognises and loads Uniswap V2 style pairs.
type ConstantProductHandler struct {
	caller domain.ContractCaller
}

func NewConstantProductHandler(caller domain.ContractCaller) *ConstantProductHandler {
	return &ConstantProductHandler{caller: caller}
}

func (h *ConstantProductHandler) Class() domain.Class {
	return domain.ClassConstantProduct
}

// Topics returns the event topics that identify a pair.
func (h *ConstantProductHandler) Topics() []common.Hash {
	return []common.Hash{TopicV2Swap, TopicV2Sync, TopicV2Mint, TopicV2Burn}
}

// Recognize reports the emitting address of a V2 pair event.
func (h *ConstantProductHandler) Recognize(log *types.Log) (common.Address, bool) {
	if len(log.Topics) == 0 {
		return common.Address{}, false
	}
	if _, ok := v2Topics[log.Topics[0]]; !ok {
		return common.Address{}, false
	}
	return log.Address, true
}

// Load reads token0, token1, factory and reserves concurrently.
// The packed reserves slot is then cross-checked against getReserves().
func (h *ConstantProductHandler) Load(ctx context.Context, addr common.Address) (domain.Entity, error) {
	var (
		token0, token1, factory common.Address
		reserves                []byte
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
		reserves, err = call(gctx, h.caller, addr, methodGetReserves)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.Entity{}, err
	}

	reserve0, err := decodeUint(reserves, 0)
	if err != nil {
		return domain.Entity{}, &domain.RemoteCallError{Address: addr, Method: methodGetReserves.name, Err: err}
	}
	reserve1, err := decodeUint(reserves, 1)
	if err != nil {
		return domain.Entity{}, &domain.RemoteCallError{Address: addr, Method: methodGetReserves.name, Err: err}
	}

	cp := &domain.ConstantProduct{Reserve0: reserve0, Reserve1: reserve1}
	if h.verifyReservesSlot(ctx, addr, reserve0, reserve1) {
		cp.ReservesSlot = uint256.NewInt(ReservesSlot)
	}

	return domain.Entity{
		Address:         addr,
		Class:           domain.ClassConstantProduct,
		Protocol:        constantProductProtocol(factory),
		Token0:          token0,
		Token1:          token1,
		Factory:         factory,
		Fee:             3000,
		ConstantProduct: cp,
	}, nil
}

// verifyReservesSlot reads the raw reserves slot and compares both halves with
// the decoded reserves. A mismatch or read error only disables slot tracking.
func (h *ConstantProductHandler) verifyReservesSlot(ctx context.Context, addr common.Address, reserve0, reserve1 *uint256.Int) bool {
	raw, err := h.caller.StorageAt(ctx, addr, ReservesSlotKey)
	if err != nil {
		slog.Debug("Reserves slot read failed", slog.String("address", addr.Hex()), slog.Any("error", err))
		return false
	}
	r0, r1 := UnpackReserves(new(uint256.Int).SetBytes(raw.Bytes()))
	if !r0.Eq(reserve0) || !r1.Eq(reserve1) {
		slog.Debug("Reserves slot mismatch",
			slog.String("address", addr.Hex()),
			slog.String("slot_reserve0", r0.Dec()),
			slog.String("call_reserve0", reserve0.Dec()),
		)
		return false
	}
	return true
}
