package engine

import (
	"context"
	"errors"
	"log/slog"

	"pool_sync/internal/domain"
	"pool_sync/internal/event"
)

// Snapshotter persists registry contents and the watermark.
type Snapshotter interface {
	UpsertEntity(e domain.Entity) error
	SaveWatermark(height uint64) error
}

// Recorder mirrors loaded entities and the latest published height into a Snapshotter.
// Persistence failures are logged and never stop the pipeline.
type Recorder struct {
	store Snapshotter
	sub   *event.Subscription
}

func NewRecorder(store Snapshotter, bus *event.Bus) *Recorder {
	return &Recorder{store: store, sub: bus.Subscribe()}
}

func (r *Recorder) Run(ctx context.Context) error {
	defer r.sub.Unsubscribe()

	for {
		msg, err := r.sub.Recv(ctx)
		if err != nil {
			var overflow *domain.OverflowError
			switch {
			case errors.As(err, &overflow):
				// lost entities are picked up again by the next warm start's discovery
				slog.Warn("Recorder fell behind", slog.Uint64("dropped", overflow.Dropped))
				continue
			case errors.Is(err, domain.ErrBusClosed):
				return nil
			default:
				return err
			}
		}

		switch m := msg.(type) {
		case *event.EntityLoaded:
			if err := r.store.UpsertEntity(m.Entity); err != nil {
				slog.Error("Snapshot write failed",
					slog.String("address", m.Entity.Address.Hex()),
					slog.Any("error", err),
				)
			}
		case *event.BlockDiffPublished:
			if m.Envelope == nil {
				continue
			}
			if err := r.store.SaveWatermark(m.Envelope.Height); err != nil {
				slog.Error("Watermark write failed",
					slog.Uint64("height", m.Envelope.Height),
					slog.Any("error", err),
				)
			}
		case *event.Stop:
			return nil
		}
	}
}
