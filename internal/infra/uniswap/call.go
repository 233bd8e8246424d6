package uniswap

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"pool_sync/internal/domain"
)

// method is a zero-argument view function.
type method struct {
	name     string
	selector []byte
}

func newMethod(signature string) method {
	name := signature
	for i, r := range signature {
		if r == '(' {
			name = signature[:i]
			break
		}
	}
	return method{name: name, selector: Selector(signature)}
}

var (
	methodToken0      = newMethod("token0()")
	methodToken1      = newMethod("token1()")
	methodFactory     = newMethod("factory()")
	methodGetReserves = newMethod("getReserves()")
	methodFee         = newMethod("fee()")
	methodLiquidity   = newMethod("liquidity()")
	methodSlot0       = newMethod("slot0()")
)

// call invokes m on addr and wraps every failure into *domain.RemoteCallError.
func call(ctx context.Context, caller domain.ContractCaller, addr common.Address, m method) ([]byte, error) {
	out, err := caller.CallContract(ctx, addr, m.selector)
	if err != nil {
		return nil, &domain.RemoteCallError{Address: addr, Method: m.name, Err: err}
	}
	if len(out) == 0 {
		return nil, &domain.RemoteCallError{Address: addr, Method: m.name, Err: domain.ErrEmptyResult}
	}
	return out, nil
}

func callAddress(ctx context.Context, caller domain.ContractCaller, addr common.Address, m method) (common.Address, error) {
	out, err := call(ctx, caller, addr, m)
	if err != nil {
		return common.Address{}, err
	}
	a, err := decodeAddress(out, 0)
	if err != nil {
		return common.Address{}, &domain.RemoteCallError{Address: addr, Method: m.name, Err: err}
	}
	return a, nil
}

func callUint(ctx context.Context, caller domain.ContractCaller, addr common.Address, m method) (*uint256.Int, error) {
	out, err := call(ctx, caller, addr, m)
	if err != nil {
		return nil, err
	}
	v, err := decodeUint(out, 0)
	if err != nil {
		return nil, &domain.RemoteCallError{Address: addr, Method: m.name, Err: err}
	}
	return v, nil
}
