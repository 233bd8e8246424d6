package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pool_sync/internal/domain"
	"pool_sync/internal/event"
	"pool_sync/internal/infra"
	"pool_sync/internal/service"
)

func startIngestor(t *testing.T, ing *Ingestor) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- ing.Run(context.Background()) }()
	return done
}

func stopIngestor(t *testing.T, ing *Ingestor, done <-chan error) {
	t.Helper()
	ing.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ingestor did not stop")
	}
	if ing.State() != StateStopped {
		t.Errorf("Expected state stopped, got %s", ing.State())
	}
}

func TestIngestor_FollowsHead(t *testing.T) {
	chain := newFakeChain(100)
	market := service.NewMarketState(service.PolicyStrict)
	market.Register(testEntity(addr(1), domain.ClassConstantProduct))
	bus := event.NewBus(16)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()
	metrics := &infra.Metrics{}

	ing := NewIngestor(chain, chain, market, bus, metrics, IngestorConfig{PollInterval: 10 * time.Millisecond})
	done := startIngestor(t, ing)

	waitFor(t, time.Second, func() bool { return ing.Cursor() == 100 }, "anchor at head")
	if market.Watermark() != 100 {
		t.Fatalf("Expected watermark anchored at 100, got %d", market.Watermark())
	}

	chain.put(&domain.DiffEnvelope{
		Height: 101,
		Hash:   common.HexToHash("0x65"),
		Batch:  domain.DiffBatch{touch(addr(1), addr(2))},
	})
	chain.put(&domain.DiffEnvelope{Height: 102, Batch: domain.DiffBatch{touch(addr(3))}})
	chain.fail(103)
	chain.setHead(104)

	waitFor(t, 2*time.Second, func() bool { return ing.Cursor() == 104 }, "cursor reaches 104, at %d", ing.Cursor())
	stopIngestor(t, ing, done)

	if got := chain.fetchedHeights(); len(got) != 4 || got[0] != 101 || got[3] != 104 {
		t.Errorf("Expected fetches 101..104 in order, got %v", got)
	}

	stats := market.Stats()
	if stats.Watermark != 104 {
		t.Errorf("Expected watermark 104, got %d", stats.Watermark)
	}
	if stats.Gaps != 1 || len(stats.RecentGaps) != 1 || stats.RecentGaps[0] != 103 {
		t.Errorf("Expected one gap at 103, got %d %v", stats.Gaps, stats.RecentGaps)
	}
	if v, ok := market.StorageAt(addr(3), slotKey(0)); !ok || v.Uint64() != 1 {
		t.Error("Untracked address should still be replicated")
	}

	// only block 101 touched a tracked entity
	msg, ok, err := sub.TryRecv()
	if !ok || err != nil {
		t.Fatalf("Expected a published block, got ok=%v err=%v", ok, err)
	}
	pub, isBlock := msg.(*event.BlockDiffPublished)
	if !isBlock {
		t.Fatalf("Expected BlockDiffPublished, got %s", msg.Kind())
	}
	if pub.Envelope.Height != 101 || len(pub.Affected) != 1 || pub.Affected[0] != addr(1) {
		t.Errorf("Unexpected publication: height %d affected %v", pub.Envelope.Height, pub.Affected)
	}
	if _, ok, _ := sub.TryRecv(); ok {
		t.Error("Expected no further publications")
	}

	snap := metrics.Snapshot()
	if snap.BlocksApplied != 3 {
		t.Errorf("Expected 3 applied blocks, got %d", snap.BlocksApplied)
	}
	if snap.BlocksSkipped != 1 {
		t.Errorf("Expected 1 skipped block, got %d", snap.BlocksSkipped)
	}
	if snap.AffectedPublished != 1 {
		t.Errorf("Expected 1 affected entity, got %d", snap.AffectedPublished)
	}
	if snap.Watermark != 104 || snap.OutOfOrder != 0 {
		t.Errorf("Expected gauge 104 and no rejections, got %d and %d", snap.Watermark, snap.OutOfOrder)
	}
}

func TestIngestor_GapHoldsWatermark(t *testing.T) {
	chain := newFakeChain(20)
	market := service.NewMarketState(service.PolicyStrict)
	metrics := &infra.Metrics{}
	ing := NewIngestor(chain, chain, market, event.NewBus(4), metrics, IngestorConfig{PollInterval: 5 * time.Millisecond})
	done := startIngestor(t, ing)
	defer stopIngestor(t, ing, done)

	waitFor(t, time.Second, func() bool { return ing.Cursor() == 20 }, "anchor")

	chain.fail(21)
	chain.setHead(21)
	waitFor(t, 2*time.Second, func() bool { return ing.Cursor() == 21 }, "cursor passes the gap")

	// the cursor moved on but block 21 is not in the cache
	if w := market.Watermark(); w != 20 {
		t.Errorf("Expected watermark to stay at 20, got %d", w)
	}
	if w := metrics.Snapshot().Watermark; w != 20 {
		t.Errorf("Expected gauge 20, got %d", w)
	}
	if p := market.Stats().PendingGaps; p != 1 {
		t.Errorf("Expected 1 pending gap, got %d", p)
	}

	chain.put(&domain.DiffEnvelope{Height: 22, Batch: domain.DiffBatch{touch(addr(4))}})
	chain.setHead(22)
	waitFor(t, 2*time.Second, func() bool { return market.Watermark() == 22 }, "applied across the gap")

	if _, ok := market.StorageAt(addr(4), slotKey(0)); !ok {
		t.Error("Expected block 22 to be applied")
	}
	snap := metrics.Snapshot()
	if snap.Watermark != 22 || snap.OutOfOrder != 0 || snap.BlocksSkipped != 1 {
		t.Errorf("Unexpected metrics after gap: %+v", snap)
	}
	if p := market.Stats().PendingGaps; p != 0 {
		t.Errorf("Expected no pending gaps, got %d", p)
	}
}

func TestIngestor_BestEffortSkipsStaleBlock(t *testing.T) {
	chain := newFakeChain(10)
	market := service.NewMarketState(service.PolicyBestEffort)
	metrics := &infra.Metrics{}
	ing := NewIngestor(chain, chain, market, event.NewBus(4), metrics, IngestorConfig{PollInterval: 5 * time.Millisecond})
	done := startIngestor(t, ing)

	waitFor(t, time.Second, func() bool { return ing.Cursor() == 10 }, "anchor")

	// block 12 comes back labelled 9, below the watermark
	chain.put(&domain.DiffEnvelope{Height: 11, Batch: domain.DiffBatch{touch(addr(1))}})
	chain.mu.Lock()
	chain.envs[12] = &domain.DiffEnvelope{Height: 9, Batch: domain.DiffBatch{touch(addr(7))}}
	chain.mu.Unlock()
	chain.setHead(13)

	waitFor(t, 2*time.Second, func() bool { return ing.Cursor() == 13 }, "cursor reaches 13")
	stopIngestor(t, ing, done)

	if _, ok := market.StorageAt(addr(7), slotKey(0)); ok {
		t.Error("Stale envelope must not be applied")
	}
	if _, ok := market.StorageAt(addr(1), slotKey(0)); !ok {
		t.Error("Expected block 11 to be applied")
	}
	if w := market.Watermark(); w != 13 {
		t.Errorf("Expected watermark 13, got %d", w)
	}
	snap := metrics.Snapshot()
	if snap.OutOfOrder != 1 || snap.BlocksApplied != 2 {
		t.Errorf("Expected 1 rejection and 2 applied, got %d and %d", snap.OutOfOrder, snap.BlocksApplied)
	}
	if snap.Watermark != 13 {
		t.Errorf("Expected gauge 13, got %d", snap.Watermark)
	}
	if stats := market.Stats(); stats.Gaps != 1 || stats.RecentGaps[0] != 12 {
		t.Errorf("Expected gap at 12, got %v", stats.RecentGaps)
	}
}

func TestIngestor_RejectsMisnumberedEnvelope(t *testing.T) {
	chain := newFakeChain(10)
	market := service.NewMarketState(service.PolicyStrict)
	metrics := &infra.Metrics{}
	ing := NewIngestor(chain, chain, market, event.NewBus(4), metrics, IngestorConfig{PollInterval: 10 * time.Millisecond})
	done := startIngestor(t, ing)

	waitFor(t, time.Second, func() bool { return ing.Cursor() == 10 }, "anchor")

	// block 11 comes back labelled 15 and must not be applied
	chain.mu.Lock()
	chain.envs[11] = &domain.DiffEnvelope{Height: 15, Batch: domain.DiffBatch{touch(addr(7))}}
	chain.mu.Unlock()
	chain.setHead(12)

	waitFor(t, 2*time.Second, func() bool { return ing.Cursor() == 12 }, "cursor reaches 12")
	stopIngestor(t, ing, done)

	if _, ok := market.StorageAt(addr(7), slotKey(0)); ok {
		t.Error("Rejected envelope must not be applied")
	}
	if market.Watermark() != 12 {
		t.Errorf("Expected watermark 12, got %d", market.Watermark())
	}
	if w := metrics.Snapshot().Watermark; w != 12 {
		t.Errorf("Expected gauge 12, got %d", w)
	}
	if metrics.Snapshot().OutOfOrder != 1 {
		t.Errorf("Expected 1 out-of-order rejection, got %d", metrics.Snapshot().OutOfOrder)
	}
	if stats := market.Stats(); stats.Gaps != 1 || stats.RecentGaps[0] != 11 {
		t.Errorf("Expected gap at 11, got %v", stats.RecentGaps)
	}
}

func TestIngestor_RetriesHeightErrors(t *testing.T) {
	chain := newFakeChain(50)
	chain.headErr = domain.NewNetworkError("eth_blockNumber", errors.New("connection refused"))
	market := service.NewMarketState(service.PolicyStrict)
	metrics := &infra.Metrics{}
	ing := NewIngestor(chain, chain, market, event.NewBus(4), metrics, IngestorConfig{PollInterval: 5 * time.Millisecond})
	done := startIngestor(t, ing)

	waitFor(t, time.Second, func() bool { return metrics.Snapshot().RemoteErrors >= 3 }, "height errors recorded")
	if ing.State() != StateUninitialized {
		t.Errorf("Expected uninitialized while head unknown, got %s", ing.State())
	}

	chain.mu.Lock()
	chain.headErr = nil
	chain.mu.Unlock()

	waitFor(t, time.Second, func() bool { return ing.Cursor() == 50 }, "recovered")
	stopIngestor(t, ing, done)
}

func TestIngestor_StopWhilePolling(t *testing.T) {
	chain := newFakeChain(1)
	ing := NewIngestor(chain, chain, service.NewMarketState(service.PolicyStrict), event.NewBus(4), &infra.Metrics{},
		IngestorConfig{PollInterval: time.Hour})
	done := startIngestor(t, ing)

	waitFor(t, time.Second, func() bool { return ing.State() == StatePolling }, "polling")
	stopIngestor(t, ing, done)

	// Stop is idempotent
	ing.Stop()
}

func TestIngestor_ContextCancel(t *testing.T) {
	chain := newFakeChain(1)
	ing := NewIngestor(chain, chain, service.NewMarketState(service.PolicyStrict), event.NewBus(4), &infra.Metrics{},
		IngestorConfig{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return ing.State() == StatePolling }, "polling")
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ingestor ignored cancellation")
	}
}

func TestIngestState_String(t *testing.T) {
	tests := map[IngestState]string{
		StateUninitialized: "uninitialized",
		StatePolling:       "polling",
		StateFetching:      "fetching",
		StateApplying:      "applying",
		StatePublishing:    "publishing",
		StateStopped:       "stopped",
		IngestState(99):    "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d: expected %s, got %s", s, want, got)
		}
	}
}
