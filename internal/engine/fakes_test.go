package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"pool_sync/internal/domain"
)

var errRemote = errors.New("remote unavailable")

// fakeChain serves heights and block diffs from memory.
type fakeChain struct {
	mu       sync.Mutex
	head     uint64
	headErr  error
	envs     map[uint64]*domain.DiffEnvelope
	failing  map[uint64]bool
	fetched  []uint64
	fetchGap time.Duration
}

func newFakeChain(head uint64) *fakeChain {
	return &fakeChain{
		head:    head,
		envs:    make(map[uint64]*domain.DiffEnvelope),
		failing: make(map[uint64]bool),
	}
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.headErr != nil {
		return 0, c.headErr
	}
	return c.head, nil
}

func (c *fakeChain) BlockDiff(ctx context.Context, height uint64) (*domain.DiffEnvelope, error) {
	if c.fetchGap > 0 {
		time.Sleep(c.fetchGap)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fetched = append(c.fetched, height)
	if c.failing[height] {
		return nil, errRemote
	}
	if env, ok := c.envs[height]; ok {
		return env, nil
	}
	return &domain.DiffEnvelope{Height: height}, nil
}

func (c *fakeChain) setHead(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = h
}

func (c *fakeChain) put(env *domain.DiffEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs[env.Height] = env
}

func (c *fakeChain) fail(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing[h] = true
}

func (c *fakeChain) fetchedHeights() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.fetched...)
}

// fakeLogs returns one log per pool address for every scanned range.
type fakeLogs struct {
	mu     sync.Mutex
	logs   map[uint64][]types.Log // keyed by range start
	errs   map[uint64]error
	ranges [][2]uint64
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{logs: make(map[uint64][]types.Log), errs: make(map[uint64]error)}
}

func (f *fakeLogs) FilterLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ranges = append(f.ranges, [2]uint64{from, to})
	if err := f.errs[from]; err != nil {
		return nil, err
	}
	return f.logs[from], nil
}

func (f *fakeLogs) scanned() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint64(nil), f.ranges...)
}

// fakeHandler recognises logs carrying its topic and loads entities after a delay,
// recording the peak number of concurrent loads.
type fakeHandler struct {
	class   domain.Class
	topic   common.Hash
	delay   time.Duration
	failing map[common.Address]bool

	mu      sync.Mutex
	calls   map[common.Address]int
	active  atomic.Int32
	peak    atomic.Int32
	release chan struct{}
}

func newFakeHandler(class domain.Class, topic common.Hash) *fakeHandler {
	return &fakeHandler{
		class:   class,
		topic:   topic,
		failing: make(map[common.Address]bool),
		calls:   make(map[common.Address]int),
	}
}

func (h *fakeHandler) Class() domain.Class { return h.class }

func (h *fakeHandler) Topics() []common.Hash { return []common.Hash{h.topic} }

func (h *fakeHandler) Recognize(log *types.Log) (common.Address, bool) {
	if len(log.Topics) == 0 || log.Topics[0] != h.topic {
		return common.Address{}, false
	}
	return log.Address, true
}

func (h *fakeHandler) Load(ctx context.Context, addr common.Address) (domain.Entity, error) {
	n := h.active.Add(1)
	defer h.active.Add(-1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}

	h.mu.Lock()
	h.calls[addr]++
	failing := h.failing[addr]
	h.mu.Unlock()

	if h.release != nil {
		select {
		case <-h.release:
		case <-ctx.Done():
			return domain.Entity{}, ctx.Err()
		}
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	if failing {
		return domain.Entity{}, &domain.RemoteCallError{Address: addr, Method: "getReserves", Err: errRemote}
	}
	return testEntity(addr, h.class), nil
}

func (h *fakeHandler) callCount(addr common.Address) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[addr]
}

func testEntity(addr common.Address, class domain.Class) domain.Entity {
	e := domain.Entity{
		Address: addr,
		Class:   class,
		Token0:  common.HexToAddress("0xa0"),
		Token1:  common.HexToAddress("0xa1"),
		Fee:     3000,
	}
	switch class {
	case domain.ClassConstantProduct:
		e.Protocol = domain.ProtocolUniswapV2
		e.ConstantProduct = &domain.ConstantProduct{
			Reserve0: uint256.NewInt(1000),
			Reserve1: uint256.NewInt(2000),
		}
	case domain.ClassConcentrated:
		e.Protocol = domain.ProtocolUniswapV3
		e.Concentrated = &domain.Concentrated{
			Liquidity:    uint256.NewInt(1),
			SqrtPriceX96: new(uint256.Int).Lsh(uint256.NewInt(1), 96),
		}
	}
	return e
}

func addr(i int) common.Address {
	return common.BigToAddress(new(uint256.Int).SetUint64(uint64(i)).ToBig())
}

func poolLog(pool common.Address, topic common.Hash) types.Log {
	return types.Log{Address: pool, Topics: []common.Hash{topic}}
}

func slotKey(n uint64) common.Hash {
	return common.Hash(uint256.NewInt(n).Bytes32())
}

func touch(addrs ...common.Address) domain.Diff {
	d := make(domain.Diff, len(addrs))
	for _, a := range addrs {
		d[a] = domain.AccountDelta{Storage: map[common.Hash]*uint256.Int{slotKey(0): uint256.NewInt(1)}}
	}
	return d
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", fmt.Sprintf(format, args...))
}
