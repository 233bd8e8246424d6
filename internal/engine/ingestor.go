package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pool_sync/internal/domain"
	"pool_sync/internal/event"
	"pool_sync/internal/infra"
	"pool_sync/internal/service"
)

// IngestState is the current step of the Ingestor state machine.
type IngestState int32

const (
	StateUninitialized IngestState = iota
	StatePolling
	StateFetching
	StateApplying
	StatePublishing
	StateStopped
)

func (s IngestState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePolling:
		return "polling"
	case StateFetching:
		return "fetching"
	case StateApplying:
		return "applying"
	case StatePublishing:
		return "publishing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IngestorConfig holds the timing knobs of the Ingestor.
type IngestorConfig struct {
	PollInterval time.Duration
	FetchTimeout time.Duration
}

// Ingestor follows the remote head block by block: fetch the diff, apply it to
// Market State, publish the envelope when tracked entities were touched.
// A block whose diff cannot be fetched is skipped and recorded as a gap.
// Only Stop or context cancellation ends Run.
type Ingestor struct {
	heights domain.HeightSource
	diffs   domain.DiffSource
	market  *service.MarketState
	bus     *event.Bus
	metrics *infra.Metrics
	cfg     IngestorConfig

	state  atomic.Int32
	cursor atomic.Uint64

	quit     chan struct{}
	stopOnce sync.Once
}

// NewIngestor creates an ingestion actor
func NewIngestor(heights domain.HeightSource, diffs domain.DiffSource, market *service.MarketState, bus *event.Bus, metrics *infra.Metrics, cfg IngestorConfig) *Ingestor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Ingestor{
		heights: heights,
		diffs:   diffs,
		market:  market,
		bus:     bus,
		metrics: metrics,
		cfg:     cfg,
		quit:    make(chan struct{}),
	}
}

// State returns the current state
func (i *Ingestor) State() IngestState {
	return IngestState(i.state.Load())
}

// Cursor returns the last height the ingestor has handled
func (i *Ingestor) Cursor() uint64 {
	return i.cursor.Load()
}

// Stop asks Run to return at its next stop check. Safe to call more than once.
func (i *Ingestor) Stop() {
	i.stopOnce.Do(func() { close(i.quit) })
}

// Run drives the state machine until Stop is called or ctx is cancelled.
// A block that has started fetching is always applied or skipped completely.
func (i *Ingestor) Run(ctx context.Context) error {
	slog.Info("Ingestor started", slog.Duration("poll_interval", i.cfg.PollInterval))
	defer i.setState(StateStopped)

	defer func() {
		if r := recover(); r != nil {
			stats := i.market.Stats()
			slog.Error("CRITICAL_PANIC_DETECTED",
				slog.Any("panic", r),
				slog.Uint64("cursor", i.Cursor()),
				slog.Uint64("watermark", stats.Watermark),
				slog.Int("entities", stats.Entities),
			)
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	initialized := false
	for {
		if i.stopRequested(ctx) {
			slog.Info("Ingestor stopping...", slog.Uint64("cursor", i.Cursor()))
			return nil
		}
		if initialized {
			i.setState(StatePolling)
		}

		head, err := i.heights.BlockNumber(ctx)
		if err != nil {
			if i.stopRequested(ctx) {
				continue
			}
			i.metrics.RecordRemoteError()
			slog.Warn("Remote height unavailable",
				slog.Uint64("cursor", i.Cursor()),
				slog.Bool("retriable", domain.IsRetriable(err)),
				slog.Any("error", err),
			)
			i.sleep(ctx)
			continue
		}

		if !initialized {
			i.cursor.Store(head)
			i.market.Anchor(head)
			i.metrics.SetWatermark(i.market.Watermark())
			initialized = true
			i.setState(StatePolling)
			slog.Info("Ingestor synchronised to head", slog.Uint64("height", head))
			i.sleep(ctx)
			continue
		}

		if head <= i.Cursor() {
			i.sleep(ctx)
			continue
		}

		for h := i.Cursor() + 1; h <= head; h++ {
			if i.stopRequested(ctx) {
				break
			}
			i.processBlock(ctx, h)
			i.cursor.Store(h)
		}
	}
}

// processBlock runs Fetching, Applying and Publishing for one height.
func (i *Ingestor) processBlock(ctx context.Context, height uint64) {
	i.setState(StateFetching)

	// in-flight fetches complete even if ctx is cancelled meanwhile
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cfg.FetchTimeout)
	env, err := i.diffs.BlockDiff(fctx, height)
	cancel()
	if err == nil && env == nil {
		err = domain.ErrEmptyResult
	}
	if err != nil {
		ferr := &domain.DiffFetchError{Height: height, Err: err}
		i.market.RecordGap(height)
		i.metrics.RecordBlockSkipped()
		i.metrics.SetWatermark(i.market.Watermark())
		slog.Warn("Skipping block, diff unavailable",
			slog.Uint64("height", height),
			slog.Any("error", ferr),
		)
		return
	}

	i.setState(StateApplying)
	start := time.Now()
	affected, err := i.apply(env, height)
	i.metrics.SetWatermark(i.market.Watermark())
	if err != nil {
		if errors.Is(err, domain.ErrOutOfOrderBlock) {
			i.metrics.RecordOutOfOrder()
			i.market.RecordGap(height)
			slog.Warn("Rejected out of order block",
				slog.Uint64("height", height),
				slog.Uint64("envelope_height", env.Height),
				slog.Any("error", err),
			)
			return
		}
		slog.Error("Apply failed", slog.Uint64("height", height), slog.Any("error", err))
		return
	}
	i.metrics.RecordBlockApplied(time.Since(start).Nanoseconds(), len(affected))

	i.setState(StatePublishing)
	if len(affected) == 0 {
		slog.Debug("Block applied", slog.Uint64("height", env.Height), slog.Int("txs", len(env.Batch)))
		return
	}

	n, err := i.bus.Publish(&event.BlockDiffPublished{Envelope: env, Affected: affected})
	if err != nil && !errors.Is(err, domain.ErrNoSubscribers) {
		slog.Warn("Publish failed", slog.Uint64("height", env.Height), slog.Any("error", err))
		return
	}
	slog.Debug("Block published",
		slog.Uint64("height", env.Height),
		slog.Int("affected", len(affected)),
		slog.Int("subscribers", n),
	)
}

// apply hands env to Market State. A block that follows heights this ingestor
// recorded as gaps is rejected by ApplyBlock; it is then applied across those
// gaps, provided the envelope is the height that was asked for.
func (i *Ingestor) apply(env *domain.DiffEnvelope, height uint64) ([]common.Address, error) {
	affected, err := i.market.ApplyBlock(env)
	if err == nil || !errors.Is(err, domain.ErrOutOfOrderBlock) || env.Height != height {
		return affected, err
	}

	affected, skipped, err := i.market.ApplyBlockAcrossGaps(env)
	if err != nil {
		return nil, err
	}
	slog.Warn("Applied block across unfetched heights",
		slog.Uint64("height", height),
		slog.Any("skipped", skipped),
	)
	return affected, nil
}

func (i *Ingestor) setState(s IngestState) {
	i.state.Store(int32(s))
}

func (i *Ingestor) stopRequested(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-i.quit:
		return true
	default:
		return false
	}
}

func (i *Ingestor) sleep(ctx context.Context) {
	t := time.NewTimer(i.cfg.PollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-i.quit:
	case <-t.C:
	}
}
