package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// HeightSource reports the current head of the remote ledger.
type HeightSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// DiffSource retrieves the decoded diff envelope of one block.
type DiffSource interface {
	BlockDiff(ctx context.Context, height uint64) (*DiffEnvelope, error)
}

// LogSource returns raw log records for an inclusive block range.
type LogSource interface {
	FilterLogs(ctx context.Context, from, to uint64) ([]types.Log, error)
}

// ContractCaller performs read-only contract calls and raw storage reads.
type ContractCaller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	StorageAt(ctx context.Context, account common.Address, slot common.Hash) (common.Hash, error)
}

// Recognizer classifies a raw log record as belonging to a pool of one class.
type Recognizer interface {
	Recognize(log *types.Log) (common.Address, bool)
}

// EntityLoader resolves an address into a full descriptor.
// It fails with *RemoteCallError if any required remote read fails.
type EntityLoader interface {
	Load(ctx context.Context, addr common.Address) (Entity, error)
}

// ClassHandler bundles the recognizer and the loader of one entity class.
type ClassHandler interface {
	Class() Class
	Recognizer
	EntityLoader
}
