package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"

	"pool_sync/internal/domain"
	"pool_sync/internal/event"
	"pool_sync/internal/infra"
	"pool_sync/internal/service"
)

// DefaultMaxConcurrentFetches bounds outstanding entity loads when none is configured.
const DefaultMaxConcurrentFetches = 20

// Loader turns discovered candidates into registered entities.
// Each address is dispatched at most once while in flight or loaded; a failed
// load releases the address so a later discovery pass can retry it.
type Loader struct {
	classes *Classes
	market  *service.MarketState
	bus     *event.Bus
	sub     *event.Subscription
	metrics *infra.Metrics
	permits *semaphore.Weighted

	mu         sync.Mutex
	dispatched map[common.Address]struct{}

	wg sync.WaitGroup
}

// NewLoader subscribes to bus and allows at most maxConcurrent loads at once.
func NewLoader(classes *Classes, market *service.MarketState, bus *event.Bus, metrics *infra.Metrics, maxConcurrent int) *Loader {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentFetches
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Loader{
		classes:    classes,
		market:     market,
		bus:        bus,
		sub:        bus.Subscribe(),
		metrics:    metrics,
		permits:    semaphore.NewWeighted(int64(maxConcurrent)),
		dispatched: make(map[common.Address]struct{}),
	}
}

// Seed marks addresses as already loaded, e.g. after a warm start from a snapshot.
func (l *Loader) Seed(addrs []common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, a := range addrs {
		l.dispatched[a] = struct{}{}
	}
}

// Dispatched reports whether addr is in flight or loaded
func (l *Loader) Dispatched(addr common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.dispatched[addr]
	return ok
}

// Run consumes EntitiesDiscovered until Stop, bus close or ctx cancellation,
// then waits for in-flight loads to finish.
func (l *Loader) Run(ctx context.Context) error {
	defer l.sub.Unsubscribe()
	defer l.wg.Wait()

	for {
		msg, err := l.sub.Recv(ctx)
		if err != nil {
			var overflow *domain.OverflowError
			switch {
			case errors.As(err, &overflow):
				l.metrics.RecordOverflow(overflow.Dropped)
				slog.Warn("Loader fell behind, discoveries dropped", slog.Uint64("dropped", overflow.Dropped))
				continue
			case errors.Is(err, domain.ErrBusClosed):
				return nil
			default:
				return err
			}
		}

		switch m := msg.(type) {
		case *event.EntitiesDiscovered:
			for _, c := range m.Candidates {
				l.Dispatch(ctx, c)
			}
		case *event.Stop:
			return nil
		}
	}
}

// Dispatch starts a load task for c unless its address was already dispatched.
// It reports whether a task was started.
func (l *Loader) Dispatch(ctx context.Context, c domain.Candidate) bool {
	l.mu.Lock()
	if _, dup := l.dispatched[c.Address]; dup {
		l.mu.Unlock()
		l.metrics.RecordDuplicateLoad()
		return false
	}
	l.dispatched[c.Address] = struct{}{}
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.load(ctx, c)
	}()
	return true
}

// Wait blocks until every dispatched task has finished
func (l *Loader) Wait() {
	l.wg.Wait()
}

func (l *Loader) load(ctx context.Context, c domain.Candidate) {
	if err := l.permits.Acquire(ctx, 1); err != nil {
		l.release(c.Address)
		return
	}
	defer l.permits.Release(1)

	l.metrics.FetchStarted()
	entity, err := l.fetch(ctx, c)
	l.metrics.FetchDone()
	if err != nil {
		l.release(c.Address)
		l.metrics.RecordLoadFailure()
		slog.Warn("RemoteCallFailed",
			slog.String("address", c.Address.Hex()),
			slog.String("class", c.Class.String()),
			slog.Bool("retriable", domain.IsRetriable(err)),
			slog.Any("error", err),
		)
		return
	}

	l.market.Register(entity)
	l.metrics.RecordEntityLoaded()
	l.metrics.SetTrackedEntities(l.market.EntityCount())

	if _, err := l.bus.Publish(&event.EntityLoaded{Entity: entity}); err != nil &&
		!errors.Is(err, domain.ErrNoSubscribers) {
		slog.Warn("Publish failed", slog.String("address", entity.Address.Hex()), slog.Any("error", err))
	}
	slog.Debug("Entity loaded",
		slog.String("address", entity.Address.Hex()),
		slog.String("protocol", entity.Protocol.String()),
	)
}

func (l *Loader) fetch(ctx context.Context, c domain.Candidate) (domain.Entity, error) {
	loader, err := l.classes.Loader(c.Class)
	if err != nil {
		return domain.Entity{}, err
	}
	entity, err := loader.Load(ctx, c.Address)
	if err != nil {
		return domain.Entity{}, err
	}
	if err := entity.Validate(); err != nil {
		return domain.Entity{}, err
	}
	return entity, nil
}

func (l *Loader) release(addr common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.dispatched, addr)
}
