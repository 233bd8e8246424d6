package service

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"pool_sync/internal/domain"
)

// WatermarkPolicy controls how AdvanceWatermark treats non-consecutive heights.
type WatermarkPolicy uint8

const (
	// PolicyStrict accepts only watermark+1.
	PolicyStrict WatermarkPolicy = iota
	// PolicyBestEffort accepts any height above the watermark, warning on a jump.
	// Heights at or below the watermark are rejected under both policies.
	PolicyBestEffort
)

func (p WatermarkPolicy) String() string {
	if p == PolicyBestEffort {
		return "best_effort"
	}
	return "strict"
}

// ParseWatermarkPolicy parses "strict" or "best_effort". Empty selects strict.
func ParseWatermarkPolicy(s string) (WatermarkPolicy, error) {
	switch s {
	case "", "strict":
		return PolicyStrict, nil
	case "best_effort":
		return PolicyBestEffort, nil
	default:
		return PolicyStrict, fmt.Errorf("unknown watermark policy %q", s)
	}
}

const maxRecentGaps = 64

// MarketState is the single consistency boundary around the storage cache,
// the entity registry and the synchronization watermark.
// Every read and write goes through its methods under one RWMutex.
type MarketState struct {
	mu       sync.RWMutex
	cache    *StorageCache
	registry *Registry
	policy   WatermarkPolicy

	watermark uint64
	anchored  bool

	gaps       uint64
	recentGaps []uint64
	// heights above the watermark recorded as gaps and not applied since
	unapplied map[uint64]struct{}
}

// NewMarketState creates an empty MarketState with the given policy
func NewMarketState(policy WatermarkPolicy) *MarketState {
	return &MarketState{
		cache:    NewStorageCache(),
		registry:  NewRegistry(),
		policy:    policy,
		unapplied: make(map[uint64]struct{}),
	}
}

// Policy returns the configured watermark policy
func (m *MarketState) Policy() WatermarkPolicy {
	return m.policy
}

// ======================================================================================
// Writes
// ======================================================================================

// ApplyDiff applies one transaction's diff.
func (m *MarketState) ApplyDiff(d domain.Diff) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyDiff(d)
}

// ApplyBatch applies a block's diffs in execution order, so later transactions win.
func (m *MarketState) ApplyBatch(b domain.DiffBatch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyBatch(b)
}

// AdvanceWatermark records height as fully applied.
// Under PolicyStrict it returns *domain.OutOfOrderError unless height is watermark+1.
func (m *MarketState) AdvanceWatermark(height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOrder(height); err != nil {
		return err
	}
	m.advance(height)
	return nil
}

// ApplyBlock applies env.Batch, advances the watermark to env.Height and returns
// the tracked entities touched by the block, all inside one writer section.
// A block rejected by the watermark policy is not applied.
func (m *MarketState) ApplyBlock(env *domain.DiffEnvelope) ([]common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOrder(env.Height); err != nil {
		return nil, err
	}
	m.applyBatch(env.Batch)
	m.advance(env.Height)
	return m.registry.Intersect(env.Batch.TouchedAddresses()), nil
}

// ApplyBlockAcrossGaps applies env like ApplyBlock but lets the watermark jump
// over heights that were recorded with RecordGap. Every height between the
// watermark and env.Height must be such a gap, otherwise the block is rejected
// with *domain.OutOfOrderError and nothing is applied.
// The skipped heights are returned in ascending order.
func (m *MarketState) ApplyBlockAcrossGaps(env *domain.DiffEnvelope) (affected []common.Address, skipped []uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.anchored && env.Height > m.watermark+1 {
		for h := m.watermark + 1; h < env.Height; h++ {
			if _, ok := m.unapplied[h]; !ok {
				return nil, nil, &domain.OutOfOrderError{Watermark: m.watermark, Height: env.Height}
			}
		}
		for h := m.watermark + 1; h < env.Height; h++ {
			skipped = append(skipped, h)
		}
	} else if err := m.checkOrder(env.Height); err != nil {
		return nil, nil, err
	}

	m.applyBatch(env.Batch)
	m.advance(env.Height)
	return m.registry.Intersect(env.Batch.TouchedAddresses()), skipped, nil
}

// Anchor sets the watermark to the height ingestion resynchronises from.
// The watermark never moves backwards.
func (m *MarketState) Anchor(height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.anchored || height > m.watermark {
		m.watermark = height
	}
	m.anchored = true
}

// RecordGap marks height as skipped because its diff could not be fetched.
// The watermark does not move; only ApplyBlockAcrossGaps may later step over it.
func (m *MarketState) RecordGap(height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gaps++
	m.recentGaps = append(m.recentGaps, height)
	if len(m.recentGaps) > maxRecentGaps {
		m.recentGaps = m.recentGaps[len(m.recentGaps)-maxRecentGaps:]
	}
	if !m.anchored || height > m.watermark {
		m.unapplied[height] = struct{}{}
	}
}

// Register adds or replaces a descriptor. It reports whether the address was new.
func (m *MarketState) Register(e domain.Entity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.registry.Put(e)
}

// Must be called with lock held
func (m *MarketState) applyDiff(d domain.Diff) {
	for addr, delta := range d {
		m.cache.ApplyDelta(addr, delta)
	}
}

// Must be called with lock held
func (m *MarketState) applyBatch(b domain.DiffBatch) {
	for _, d := range b {
		m.applyDiff(d)
	}
}

// Must be called with lock held
func (m *MarketState) checkOrder(height uint64) error {
	if !m.anchored || height == m.watermark+1 {
		return nil
	}
	if m.policy == PolicyStrict || height <= m.watermark {
		return &domain.OutOfOrderError{Watermark: m.watermark, Height: height}
	}
	slog.Warn("Non-consecutive block accepted",
		slog.Uint64("watermark", m.watermark),
		slog.Uint64("height", height),
	)
	return nil
}

// Must be called with lock held
func (m *MarketState) advance(height uint64) {
	if !m.anchored || height > m.watermark {
		m.watermark = height
	}
	m.anchored = true
	for h := range m.unapplied {
		if h <= m.watermark {
			delete(m.unapplied, h)
		}
	}
}

// ======================================================================================
// Reads
// ======================================================================================

// AffectedEntities returns the tracked addresses touched by d, sorted.
func (m *MarketState) AffectedEntities(d domain.Diff) []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.registry.Intersect(d.Addresses())
}

// AffectedEntitiesBatch returns the tracked addresses touched anywhere in b,
// deduplicated and sorted.
func (m *MarketState) AffectedEntitiesBatch(b domain.DiffBatch) []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.registry.Intersect(b.TouchedAddresses())
}

func (m *MarketState) IsTracked(addr common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.registry.Contains(addr)
}

// Describe returns the descriptor registered for addr
func (m *MarketState) Describe(addr common.Address) (domain.Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.registry.Get(addr)
}

// Entities returns all tracked entities sorted by address
func (m *MarketState) Entities() []domain.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.registry.All()
}

// StorageAt returns the cached slot value; ok is false when the slot is unknown.
func (m *MarketState) StorageAt(addr common.Address, key common.Hash) (*uint256.Int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.cache.Read(addr, key)
}

func (m *MarketState) BalanceOf(addr common.Address) (*uint256.Int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.cache.ReadBalance(addr)
}

func (m *MarketState) NonceOf(addr common.Address) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.cache.ReadNonce(addr)
}

func (m *MarketState) CodeOf(addr common.Address) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.cache.ReadCode(addr)
}

// EntityCount returns the number of tracked entities
func (m *MarketState) EntityCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.registry.Len()
}

// Watermark returns the last fully applied height.
func (m *MarketState) Watermark() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.watermark
}

// Stats returns a consistent snapshot of counts and the watermark.
func (m *MarketState) Stats() domain.MarketStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recent []uint64
	if len(m.recentGaps) > 0 {
		recent = append(recent, m.recentGaps...)
	}
	return domain.MarketStats{
		Entities:    m.registry.Len(),
		Watermark:   m.watermark,
		StorageKeys: m.cache.KeyCount(),
		Gaps:        m.gaps,
		RecentGaps:  recent,
		PendingGaps: len(m.unapplied),
	}
}
