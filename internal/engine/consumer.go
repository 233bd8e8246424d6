package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"pool_sync/internal/domain"
	"pool_sync/internal/event"
	"pool_sync/internal/infra"
	"pool_sync/internal/service"
	"pool_sync/internal/strategy"
)

// ConsumerStats are the running counters of a ChangeConsumer.
type ConsumerStats struct {
	Blocks     uint64 `json:"blocks"`
	Affected   uint64 `json:"affected"`
	LastHeight uint64 `json:"last_height"`
	Signals    uint64 `json:"signals"`
	Overflows  uint64 `json:"overflows"`
	Dropped    uint64 `json:"dropped"`
}

// ChangeConsumer reacts to published blocks. The affected set is recomputed
// against the current Market State rather than taken from the message.
type ChangeConsumer struct {
	name    string
	market  *service.MarketState
	sub     *event.Subscription
	reactor strategy.Reactor
	metrics *infra.Metrics

	mu    sync.Mutex
	stats ConsumerStats
}

// NewChangeConsumer subscribes to bus immediately so no message published after
// construction is missed. reactor may be nil.
func NewChangeConsumer(name string, market *service.MarketState, bus *event.Bus, reactor strategy.Reactor, metrics *infra.Metrics) *ChangeConsumer {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &ChangeConsumer{
		name:    name,
		market:  market,
		sub:     bus.Subscribe(),
		reactor: reactor,
		metrics: metrics,
	}
}

// Run processes messages until Stop, bus close or ctx cancellation.
func (c *ChangeConsumer) Run(ctx context.Context) error {
	defer c.sub.Unsubscribe()
	slog.Info("Consumer started", slog.String("consumer", c.name))

	for {
		msg, err := c.sub.Recv(ctx)
		if err != nil {
			var overflow *domain.OverflowError
			switch {
			case errors.As(err, &overflow):
				c.onOverflow(overflow)
				continue
			case errors.Is(err, domain.ErrBusClosed):
				c.flush()
				return nil
			default:
				c.flush()
				return err
			}
		}

		switch m := msg.(type) {
		case *event.BlockDiffPublished:
			c.onBlock(m)
		case *event.Stop:
			c.flush()
			return nil
		}
	}
}

// Stats returns a copy of the counters
func (c *ChangeConsumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}

func (c *ChangeConsumer) onBlock(m *event.BlockDiffPublished) {
	if m.Envelope == nil {
		return
	}
	env := m.Envelope
	affected := c.market.AffectedEntitiesBatch(env.Batch)

	c.mu.Lock()
	c.stats.Blocks++
	c.stats.Affected += uint64(len(affected))
	c.stats.LastHeight = env.Height
	c.mu.Unlock()

	if c.reactor == nil || len(affected) == 0 {
		return
	}

	net := domain.MergeDiffs(env.Batch...)
	var signals uint64
	for _, addr := range affected {
		entity, ok := c.market.Describe(addr)
		if !ok {
			continue
		}
		for _, sig := range c.reactor.OnEntityChanged(strategy.Change{
			Height: env.Height,
			Entity: entity,
			Delta:  net[addr],
		}) {
			signals++
			logSignal(c.name, sig)
		}
	}

	if signals > 0 {
		c.mu.Lock()
		c.stats.Signals += signals
		c.mu.Unlock()
	}
}

func (c *ChangeConsumer) onOverflow(err *domain.OverflowError) {
	c.metrics.RecordOverflow(err.Dropped)

	c.mu.Lock()
	c.stats.Overflows++
	c.stats.Dropped += err.Dropped
	c.mu.Unlock()

	slog.Warn("Consumer fell behind",
		slog.String("consumer", c.name),
		slog.Uint64("dropped", err.Dropped),
	)
}

func (c *ChangeConsumer) flush() {
	s := c.Stats()
	slog.Info("Consumer stopped",
		slog.String("consumer", c.name),
		slog.Uint64("blocks", s.Blocks),
		slog.Uint64("affected", s.Affected),
		slog.Uint64("last_height", s.LastHeight),
		slog.Uint64("signals", s.Signals),
		slog.Uint64("overflows", s.Overflows),
	)
}

func logSignal(consumer string, sig strategy.Signal) {
	slog.Info("Price move",
		slog.String("consumer", consumer),
		slog.String("type", sig.Type.String()),
		slog.String("pool", sig.Entity.Hex()),
		slog.Uint64("height", sig.Height),
		slog.String("old", sig.OldPrice.String()),
		slog.String("new", sig.NewPrice.String()),
		slog.String("move", sig.Move.StringFixed(6)),
	)
}
