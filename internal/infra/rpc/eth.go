package rpc

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// WithLogTopics restricts FilterLogs to logs whose first topic is one of topics.
func WithLogTopics(topics ...common.Hash) Option {
	return func(c *Client) {
		c.topics = append(c.topics, topics...)
	}
}

// BlockNumber returns the current head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.Call(ctx, &n, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

type blockHeader struct {
	Number hexutil.Uint64 `json:"number"`
	Hash   common.Hash    `json:"hash"`
}

// BlockHash returns the hash of the block at height.
func (c *Client) BlockHash(ctx context.Context, height uint64) (common.Hash, error) {
	var h blockHeader
	if err := c.Call(ctx, &h, "eth_getBlockByNumber", hexutil.EncodeUint64(height), false); err != nil {
		return common.Hash{}, err
	}
	return h.Hash, nil
}

type filterQuery struct {
	FromBlock string          `json:"fromBlock"`
	ToBlock   string          `json:"toBlock"`
	Topics    [][]common.Hash `json:"topics,omitempty"`
}

// FilterLogs returns the logs of the inclusive block range [from, to].
func (c *Client) FilterLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	if from > to {
		return nil, fmt.Errorf("invalid range [%d, %d]", from, to)
	}
	q := filterQuery{
		FromBlock: hexutil.EncodeUint64(from),
		ToBlock:   hexutil.EncodeUint64(to),
	}
	if len(c.topics) > 0 {
		q.Topics = [][]common.Hash{c.topics}
	}

	var logs []types.Log
	if err := c.Call(ctx, &logs, "eth_getLogs", q); err != nil {
		return nil, err
	}
	return logs, nil
}

type callMsg struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// CallContract executes a read-only call against the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.Call(ctx, &out, "eth_call", callMsg{To: to, Data: data}, "latest"); err != nil {
		return nil, err
	}
	return out, nil
}

// StorageAt reads one raw storage slot at the latest block.
func (c *Client) StorageAt(ctx context.Context, account common.Address, slot common.Hash) (common.Hash, error) {
	var out hexutil.Bytes
	if err := c.Call(ctx, &out, "eth_getStorageAt", account, slot, "latest"); err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(out), nil
}
