package service

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"pool_sync/internal/domain"
)

// StorageCache is the local replica of remote contract storage and account scalars.
// A missing key means "unknown", never zero. StorageCache is not safe for
// concurrent use; MarketState serialises access to it.
type StorageCache struct {
	storage  map[common.Address]map[common.Hash]*uint256.Int
	balances map[common.Address]*uint256.Int
	nonces   map[common.Address]uint64
	codes    map[common.Address][]byte
}

// NewStorageCache creates an empty cache
func NewStorageCache() *StorageCache {
	return &StorageCache{
		storage:  make(map[common.Address]map[common.Hash]*uint256.Int),
		balances: make(map[common.Address]*uint256.Int),
		nonces:   make(map[common.Address]uint64),
		codes:    make(map[common.Address][]byte),
	}
}

// Read returns a copy of the value stored under key, or ok=false if the key was never seen.
func (c *StorageCache) Read(addr common.Address, key common.Hash) (*uint256.Int, bool) {
	slots, ok := c.storage[addr]
	if !ok {
		return nil, false
	}
	v, ok := slots[key]
	if !ok {
		return nil, false
	}
	return new(uint256.Int).Set(v), true
}

// Write upserts a single storage slot.
func (c *StorageCache) Write(addr common.Address, key common.Hash, value *uint256.Int) {
	slots, ok := c.storage[addr]
	if !ok {
		slots = make(map[common.Hash]*uint256.Int)
		c.storage[addr] = slots
	}
	slots[key] = new(uint256.Int).Set(value)
}

func (c *StorageCache) ReadBalance(addr common.Address) (*uint256.Int, bool) {
	v, ok := c.balances[addr]
	if !ok {
		return nil, false
	}
	return new(uint256.Int).Set(v), true
}

func (c *StorageCache) WriteBalance(addr common.Address, value *uint256.Int) {
	c.balances[addr] = new(uint256.Int).Set(value)
}

func (c *StorageCache) ReadNonce(addr common.Address) (uint64, bool) {
	n, ok := c.nonces[addr]
	return n, ok
}

func (c *StorageCache) WriteNonce(addr common.Address, nonce uint64) {
	c.nonces[addr] = nonce
}

func (c *StorageCache) ReadCode(addr common.Address) ([]byte, bool) {
	code, ok := c.codes[addr]
	if !ok {
		return nil, false
	}
	return append([]byte{}, code...), true
}

// ApplyDelta overwrites every present field of delta. Storage entries are a
// sparse overlay: slots not named in the delta keep their cached values.
func (c *StorageCache) ApplyDelta(addr common.Address, delta domain.AccountDelta) {
	if delta.Destroyed {
		delete(c.storage, addr)
		delete(c.balances, addr)
		delete(c.nonces, addr)
		delete(c.codes, addr)
	}
	if delta.Nonce != nil {
		c.nonces[addr] = *delta.Nonce
	}
	if delta.Balance != nil {
		c.WriteBalance(addr, delta.Balance)
	}
	if delta.Code != nil {
		c.codes[addr] = append([]byte{}, delta.Code...)
	}
	for key, value := range delta.Storage {
		if value == nil {
			continue
		}
		c.Write(addr, key, value)
	}
}

// KeyCount returns the number of cached storage slots across all addresses.
func (c *StorageCache) KeyCount() int {
	n := 0
	for _, slots := range c.storage {
		n += len(slots)
	}
	return n
}
