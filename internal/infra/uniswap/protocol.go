package uniswap

import (
	"github.com/ethereum/go-ethereum/common"

	"pool_sync/internal/domain"
)

// Mainnet factory deployments
var (
	UniswapV2Factory   = common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	SushiSwapFactory   = common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac")
	UniswapV3Factory   = common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984")
	SushiSwapV3Factory = common.HexToAddress("0xbACEB8eC6b9355Dfc0269C18bac9d6E2Bdc29C4F")
	PancakeV3Factory   = common.HexToAddress("0x0BFbCF9fa4f9C56B0F40a671Ad40E0805A091865")
)

// constantProductProtocol maps a class A factory to its protocol variant.
func constantProductProtocol(factory common.Address) domain.Protocol {
	switch factory {
	case UniswapV2Factory:
		return domain.ProtocolUniswapV2
	case SushiSwapFactory:
		return domain.ProtocolSushiSwap
	default:
		return domain.ProtocolUniswapV2Like
	}
}

// concentratedProtocol maps a class B factory to its protocol variant.
func concentratedProtocol(factory common.Address) domain.Protocol {
	switch factory {
	case UniswapV3Factory:
		return domain.ProtocolUniswapV3
	case SushiSwapV3Factory:
		return domain.ProtocolSushiSwapV3
	case PancakeV3Factory:
		return domain.ProtocolPancakeV3
	default:
		return domain.ProtocolUniswapV3Like
	}
}
