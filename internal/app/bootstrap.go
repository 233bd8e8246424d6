package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"pool_sync/internal/domain"
	"pool_sync/internal/engine"
	"pool_sync/internal/event"
	"pool_sync/internal/infra"
	"pool_sync/internal/infra/rpc"
	"pool_sync/internal/infra/storage"
	"pool_sync/internal/infra/uniswap"
	"pool_sync/internal/service"
	"pool_sync/internal/strategy"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Storage *storage.Storage
	Client  *rpc.Client
	Market  *service.MarketState
	Bus     *event.Bus
	Classes *engine.Classes

	Ingestor  *engine.Ingestor
	Consumer  *engine.ChangeConsumer
	Loader    *engine.Loader
	Discovery *engine.Discovery
	Recorder  *engine.Recorder

	shutdownOnce sync.Once
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration, connects to the node and wires every actor.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	slog.Info("🚀 Bootstrapping pool sync...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	policy, err := service.ParseWatermarkPolicy(cfg.Ingestion.WatermarkPolicy)
	if err != nil {
		return err
	}
	b.Market = service.NewMarketState(policy)
	b.Bus = event.NewBus(cfg.Bus.Backlog)

	// 3. Initialize Storage (DB)
	if cfg.Storage.Enabled {
		store, err := storage.NewStorage(cfg.Storage.Path)
		if err != nil {
			return err
		}
		b.Storage = store
		slog.Info("✅ Snapshot store initialized", slog.String("path", cfg.Storage.Path))
	}

	// 4. Connect to the node; log filters are limited to the recognised pool events
	v2 := uniswap.NewConstantProductHandler(nil)
	v3 := uniswap.NewConcentratedHandler(nil)
	topics := engine.NewClasses(v2, v3).Topics()

	b.Client = rpc.NewClient(cfg.RPC.WSURL, cfg.RequestTimeout(), rpc.WithLogTopics(topics...))
	if err := b.Client.Connect(ctx); err != nil {
		return err
	}
	slog.Info("✅ Node connected", slog.String("url", cfg.RPC.WSURL))

	b.Classes = engine.NewClasses(
		uniswap.NewConstantProductHandler(b.Client),
		uniswap.NewConcentratedHandler(b.Client),
	)

	// 5. Actors. Subscriptions are taken here so nothing published at start-up is missed.
	metrics := infra.GlobalMetrics
	b.Ingestor = engine.NewIngestor(b.Client, b.Client, b.Market, b.Bus, metrics, engine.IngestorConfig{
		PollInterval: cfg.PollInterval(),
		FetchTimeout: cfg.FetchTimeout(),
	})
	b.Consumer = engine.NewChangeConsumer("strategy", b.Market, b.Bus, newReactors(cfg, b.Market), metrics)
	b.Loader = engine.NewLoader(b.Classes, b.Market, b.Bus, metrics, cfg.Loader.MaxConcurrentFetches)
	if cfg.Discovery.Enabled {
		b.Discovery = engine.NewDiscovery(b.Client, b.Client, b.Classes, b.Bus, metrics, engine.DiscoveryConfig{
			StartBlock: cfg.Discovery.StartBlock,
			BatchSize:  cfg.Discovery.BlockBatchSize,
			NumBatches: cfg.Discovery.NumBatches,
		})
	}
	if b.Storage != nil {
		b.Recorder = engine.NewRecorder(b.Storage, b.Bus)
		if err := b.warmStart(); err != nil {
			return err
		}
	}

	return nil
}

func newReactors(cfg *infra.Config, market *service.MarketState) strategy.Reactor {
	targets := make([]strategy.AlertTarget, 0, len(cfg.Strategy.Alerts))
	for _, a := range cfg.Strategy.Alerts {
		targets = append(targets, strategy.AlertTarget{
			Pool:       common.HexToAddress(a.Pool),
			Target:     a.Target,
			Persistent: a.Persistent,
		})
	}
	return strategy.Reactors{
		strategy.NewReserveWatcher(market, cfg.Strategy.PriceMoveThreshold),
		strategy.NewAlertBook(market, targets...),
	}
}

// warmStart registers the entities of the previous run and marks them as loaded.
func (b *Bootstrap) warmStart() error {
	entities, err := b.Storage.LoadEntities()
	if err != nil {
		return err
	}

	addrs := make([]common.Address, 0, len(entities))
	for _, e := range entities {
		b.Market.Register(e)
		addrs = append(addrs, e.Address)
	}
	b.Loader.Seed(addrs)
	infra.GlobalMetrics.SetTrackedEntities(len(addrs))

	height, ok, err := b.Storage.LoadWatermark()
	if err != nil {
		return err
	}
	slog.Info("✅ Warm start",
		slog.Int("entities", len(addrs)),
		slog.Uint64("last_watermark", height),
		slog.Bool("has_watermark", ok),
	)
	return nil
}

// Run starts every actor and blocks until they have all exited.
// Cancelling ctx triggers the cooperative shutdown: Stop is published on the bus
// and in-flight blocks and loads are allowed to finish.
func (b *Bootstrap) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return b.Consumer.Run(gctx) })
	g.Go(func() error { return b.Loader.Run(gctx) })
	if b.Recorder != nil {
		g.Go(func() error { return b.Recorder.Run(gctx) })
	}
	g.Go(func() error { return b.Ingestor.Run(gctx) })

	if b.Discovery != nil {
		g.Go(func() error {
			if _, err := b.Discovery.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Discovery failed", slog.Any("error", err))
			}
			return nil
		})
	}

	// the watcher lives outside the group so a direct Shutdown can end Run
	finished := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		case <-finished:
			return
		}
		b.Shutdown()
	}()

	slog.Info("✨ Pool sync fully operational", slog.Int("subscribers", b.Bus.SubscriberCount()))
	err := g.Wait()
	close(finished)
	<-watcherDone

	stats := b.Market.Stats()
	slog.Info("Final state",
		slog.Int("entities", stats.Entities),
		slog.Uint64("watermark", stats.Watermark),
		slog.Int("storage_keys", stats.StorageKeys),
		slog.Uint64("gaps", stats.Gaps),
	)
	return err
}

// Shutdown asks every actor to stop at its next suspension point.
// Only the first call has any effect.
func (b *Bootstrap) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.Ingestor.Stop()
		if b.Discovery != nil {
			b.Discovery.Stop()
		}
		if _, err := b.Bus.Publish(&event.Stop{}); err != nil && !errors.Is(err, domain.ErrNoSubscribers) {
			slog.Warn("Stop broadcast failed", slog.Any("error", err))
		}
	})
}

// Close releases the bus, the node connection and the snapshot store
func (b *Bootstrap) Close() {
	if b.Bus != nil {
		b.Bus.Close()
	}
	if b.Client != nil {
		b.Client.Close()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Error("Failed to close storage", slog.Any("error", err))
		}
	}
}
