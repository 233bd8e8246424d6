package event

import (
	"github.com/ethereum/go-ethereum/common"

	"pool_sync/internal/domain"
)

// Kind identifies the type of a bus message
type Kind uint8

const (
	KindEntitiesDiscovered Kind = iota + 1
	KindEntityLoaded
	KindBlockDiffPublished
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindEntitiesDiscovered:
		return "entities_discovered"
	case KindEntityLoaded:
		return "entity_loaded"
	case KindBlockDiffPublished:
		return "block_diff_published"
	case KindStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Message is anything that travels on the Bus.
type Message interface {
	Kind() Kind
}

// EntitiesDiscovered carries candidates found by one discovery batch, deduplicated by address.
type EntitiesDiscovered struct {
	Candidates []domain.Candidate
}

func (*EntitiesDiscovered) Kind() Kind { return KindEntitiesDiscovered }

// EntityLoaded is published once a loader resolved and registered a descriptor.
type EntityLoaded struct {
	Entity domain.Entity
}

func (*EntityLoaded) Kind() Kind { return KindEntityLoaded }

// BlockDiffPublished is published after a block was applied to Market State.
// Affected is the publisher's view at apply time; consumers recompute it.
type BlockDiffPublished struct {
	Envelope *domain.DiffEnvelope
	Affected []common.Address
}

func (*BlockDiffPublished) Kind() Kind { return KindBlockDiffPublished }

// Stop asks every actor to finish at its next receive point.
type Stop struct{}

func (*Stop) Kind() Kind { return KindStop }
