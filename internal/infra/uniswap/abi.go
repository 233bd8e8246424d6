package uniswap

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

const wordSize = 32

// keccak returns the Keccak-256 hash of s.
func keccak(s string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(s))
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// Selector returns the 4-byte function selector of a canonical signature.
func Selector(signature string) []byte {
	return keccak(signature).Bytes()[:4]
}

// Topic returns the event topic of a canonical event signature.
func Topic(signature string) common.Hash {
	return keccak(signature)
}

func word(data []byte, i int) ([]byte, error) {
	start := i * wordSize
	if len(data) < start+wordSize {
		return nil, fmt.Errorf("return data too short: %d bytes, need word %d", len(data), i)
	}
	return data[start : start+wordSize], nil
}

func decodeAddress(data []byte, i int) (common.Address, error) {
	w, err := word(data, i)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(w[12:]), nil
}

func decodeUint(data []byte, i int) (*uint256.Int, error) {
	w, err := word(data, i)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(w), nil
}

// decodeInt24 reads an int24 from the low three bytes of word i and sign-extends it.
func decodeInt24(data []byte, i int) (int32, error) {
	w, err := word(data, i)
	if err != nil {
		return 0, err
	}
	raw := binary.BigEndian.Uint32(w[28:]) & 0xFFFFFF
	if raw&0x800000 != 0 {
		raw |= 0xFF000000
	}
	return int32(raw), nil
}

var mask112 = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 112), 1)

// UnpackReserves splits a packed reserves slot into its two uint112 halves:
// reserve0 in bits 0..111, reserve1 in bits 112..223.
func UnpackReserves(slot *uint256.Int) (reserve0, reserve1 *uint256.Int) {
	reserve0 = new(uint256.Int).And(slot, mask112)
	reserve1 = new(uint256.Int).Rsh(slot, 112)
	reserve1.And(reserve1, mask112)
	return reserve0, reserve1
}

// PackReserves is the inverse of UnpackReserves with a zero timestamp.
func PackReserves(reserve0, reserve1 *uint256.Int) *uint256.Int {
	out := new(uint256.Int).Lsh(new(uint256.Int).And(reserve1, mask112), 112)
	return out.Or(out, new(uint256.Int).And(reserve0, mask112))
}

var mask160 = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 160), 1)

// Slot0Key is the storage slot of a V3 pool's packed slot0 struct.
var Slot0Key = common.Hash{}

// UnpackSlot0 extracts sqrtPriceX96 (bits 0..159) and tick (bits 160..183)
// from the raw slot0 storage word.
func UnpackSlot0(slot *uint256.Int) (sqrtPriceX96 *uint256.Int, tick int32) {
	sqrtPriceX96 = new(uint256.Int).And(slot, mask160)
	raw := uint32(new(uint256.Int).Rsh(slot, 160).Uint64() & 0xFFFFFF)
	if raw&0x800000 != 0 {
		raw |= 0xFF000000
	}
	return sqrtPriceX96, int32(raw)
}
