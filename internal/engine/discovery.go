package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"pool_sync/internal/domain"
	"pool_sync/internal/event"
	"pool_sync/internal/infra"
)

// DiscoveryConfig bounds the backward log scan.
type DiscoveryConfig struct {
	// StartBlock is the height the scan starts below; 0 means the current head.
	StartBlock uint64
	BatchSize  uint64
	NumBatches int
}

// Discovery scans historical logs backwards in fixed-size batches and publishes
// the pools it recognises, one EntitiesDiscovered per non-empty batch.
type Discovery struct {
	heights domain.HeightSource
	logs    domain.LogSource
	classes *Classes
	bus     *event.Bus
	metrics *infra.Metrics
	cfg     DiscoveryConfig

	quit     chan struct{}
	stopOnce sync.Once
}

func NewDiscovery(heights domain.HeightSource, logs domain.LogSource, classes *Classes, bus *event.Bus, metrics *infra.Metrics, cfg DiscoveryConfig) *Discovery {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 5
	}
	if cfg.NumBatches <= 0 {
		cfg.NumBatches = 100
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Discovery{
		heights: heights,
		logs:    logs,
		classes: classes,
		bus:     bus,
		metrics: metrics,
		cfg:     cfg,
		quit:    make(chan struct{}),
	}
}

// Stop ends the scan before its next batch
func (d *Discovery) Stop() {
	d.stopOnce.Do(func() { close(d.quit) })
}

// Run performs one backward scan and returns the number of candidates published.
// A failed batch is logged and skipped; the scan continues with the next range.
func (d *Discovery) Run(ctx context.Context) (int, error) {
	current := d.cfg.StartBlock
	if current == 0 {
		head, err := d.heights.BlockNumber(ctx)
		if err != nil {
			return 0, err
		}
		current = head
	}
	slog.Info("Discovery started",
		slog.Uint64("start_block", current),
		slog.Uint64("batch_size", d.cfg.BatchSize),
		slog.Int("num_batches", d.cfg.NumBatches),
	)

	published := 0
	batch := d.cfg.BatchSize
	for i := 0; i < d.cfg.NumBatches; i++ {
		if d.stopped(ctx) {
			break
		}
		if current < batch+1 {
			break
		}
		current -= batch
		from, to := current, current+batch-1

		logs, err := d.logs.FilterLogs(ctx, from, to)
		if err != nil {
			if d.stopped(ctx) {
				break
			}
			d.metrics.RecordRemoteError()
			slog.Warn("Log scan failed",
				slog.Uint64("from", from),
				slog.Uint64("to", to),
				slog.Any("error", err),
			)
			continue
		}

		candidates := d.classify(logs)
		if len(candidates) == 0 {
			continue
		}
		if _, err := d.bus.Publish(&event.EntitiesDiscovered{Candidates: candidates}); err != nil &&
			!errors.Is(err, domain.ErrNoSubscribers) {
			return published, err
		}
		published += len(candidates)
		slog.Debug("Pools discovered",
			slog.Uint64("from", from),
			slog.Uint64("to", to),
			slog.Int("count", len(candidates)),
		)
	}

	slog.Info("Discovery finished", slog.Int("candidates", published), slog.Uint64("lowest_block", current))
	return published, ctx.Err()
}

// classify recognises logs and deduplicates by address, keeping the first
// classification seen in log order.
func (d *Discovery) classify(logs []types.Log) []domain.Candidate {
	seen := make(map[common.Address]struct{})
	var out []domain.Candidate
	for i := range logs {
		c, ok := d.classes.Identify(&logs[i])
		if !ok {
			continue
		}
		if _, dup := seen[c.Address]; dup {
			continue
		}
		seen[c.Address] = struct{}{}
		out = append(out, c)
	}
	return out
}

func (d *Discovery) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-d.quit:
		return true
	default:
		return false
	}
}
