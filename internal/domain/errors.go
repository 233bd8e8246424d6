package domain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a failure to reach the remote ledger (RemoteUnavailable).
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "eth_blockNumber")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// DiffFetchError reports that the diff of one block could not be retrieved.
// The block is skipped and recorded as a gap.
type DiffFetchError struct {
	Height uint64
	Err    error
}

func (e *DiffFetchError) Error() string {
	return fmt.Sprintf("fetch diff for block %d: %v", e.Height, e.Err)
}

func (e *DiffFetchError) Unwrap() error {
	return e.Err
}

// OutOfOrderError is returned when a block does not directly follow the watermark
// under the strict watermark policy.
type OutOfOrderError struct {
	Watermark uint64
	Height    uint64
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out of order block: watermark %d, got %d", e.Watermark, e.Height)
}

func (e *OutOfOrderError) Is(target error) bool {
	return target == ErrOutOfOrderBlock
}

// RemoteCallError reports a failed remote read while loading an entity.
type RemoteCallError struct {
	Address common.Address
	Method  string
	Err     error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("remote call %s on %s: %v", e.Method, e.Address.Hex(), e.Err)
}

func (e *RemoteCallError) Unwrap() error {
	return e.Err
}

// IsRetriable reports whether the underlying failure was transient.
func (e *RemoteCallError) IsRetriable() bool {
	return IsRetriable(e.Err)
}

// OverflowError is delivered to a subscriber that fell behind its backlog.
type OverflowError struct {
	Dropped uint64
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("bus overflow: %d messages dropped", e.Dropped)
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrOutOfOrderBlock matches every *OutOfOrderError.
	ErrOutOfOrderBlock = errors.New("out of order block")

	// ErrNoSubscribers is returned by a publish that reached nobody. Callers treat it as success.
	ErrNoSubscribers = errors.New("no subscribers")

	// ErrBusClosed is returned by Recv after the bus has been closed and drained.
	ErrBusClosed = errors.New("bus closed")

	// ErrUnknownClass is returned for an entity class without a registered handler.
	ErrUnknownClass = errors.New("unknown entity class")

	// ErrEmptyResult is returned when a remote call answered with no data.
	ErrEmptyResult = errors.New("empty result")
)
