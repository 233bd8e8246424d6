package rpc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"pool_sync/internal/domain"
)

type tracerConfig struct {
	Tracer       string `json:"tracer"`
	TracerConfig struct {
		DiffMode bool `json:"diffMode"`
	} `json:"tracerConfig"`
}

// prestateAccount is one account of a prestateTracer result. Every field is optional.
type prestateAccount struct {
	Balance *hexutil.Big      `json:"balance"`
	Nonce   *uint64           `json:"nonce"`
	Code    *hexutil.Bytes    `json:"code"`
	Storage map[string]string `json:"storage"`
}

type prestateDiff struct {
	Pre  map[string]prestateAccount `json:"pre"`
	Post map[string]prestateAccount `json:"post"`
}

type txTrace struct {
	TxHash common.Hash  `json:"txHash"`
	Result prestateDiff `json:"result"`
	Error  string       `json:"error"`
}

// BlockDiff retrieves the per-transaction state diffs of one block through
// debug_traceBlockByNumber with the prestate tracer in diff mode.
func (c *Client) BlockDiff(ctx context.Context, height uint64) (*domain.DiffEnvelope, error) {
	hash, err := c.BlockHash(ctx, height)
	if err != nil {
		return nil, err
	}

	cfg := tracerConfig{Tracer: "prestateTracer"}
	cfg.TracerConfig.DiffMode = true

	var traces []txTrace
	if err := c.Call(ctx, &traces, "debug_traceBlockByNumber", hexutil.EncodeUint64(height), cfg); err != nil {
		return nil, err
	}

	batch := make(domain.DiffBatch, 0, len(traces))
	for i, tr := range traces {
		if tr.Error != "" {
			return nil, fmt.Errorf("trace tx %d (%s): %s", i, tr.TxHash.Hex(), tr.Error)
		}
		d, err := decodePrestateDiff(tr.Result)
		if err != nil {
			return nil, fmt.Errorf("decode tx %d (%s): %w", i, tr.TxHash.Hex(), err)
		}
		batch = append(batch, d)
	}

	return &domain.DiffEnvelope{Height: height, Hash: hash, Batch: batch}, nil
}

// decodePrestateDiff turns one transaction's pre/post maps into a Diff.
// The tracer omits slots that became zero from post, so slots that appear
// only in pre for an account present in post are written as zero.
// An account present only in pre no longer exists and is marked Destroyed.
func decodePrestateDiff(pd prestateDiff) (domain.Diff, error) {
	d := make(domain.Diff, len(pd.Post))

	for rawAddr, post := range pd.Post {
		if !common.IsHexAddress(rawAddr) {
			return nil, fmt.Errorf("invalid address %q", rawAddr)
		}
		addr := common.HexToAddress(rawAddr)

		var delta domain.AccountDelta
		delta.Nonce = post.Nonce
		if post.Balance != nil {
			v, overflow := uint256.FromBig(post.Balance.ToInt())
			if overflow {
				return nil, fmt.Errorf("balance overflow for %s", addr.Hex())
			}
			delta.Balance = v
		}
		if post.Code != nil {
			delta.Code = append([]byte{}, (*post.Code)...)
		}

		if len(post.Storage) > 0 || len(pd.Pre[rawAddr].Storage) > 0 {
			delta.Storage = make(map[common.Hash]*uint256.Int, len(post.Storage))
		}
		for rawKey, rawVal := range post.Storage {
			v, err := decodeWord(rawVal)
			if err != nil {
				return nil, fmt.Errorf("slot %s of %s: %w", rawKey, addr.Hex(), err)
			}
			delta.Storage[common.HexToHash(rawKey)] = v
		}
		for rawKey := range pd.Pre[rawAddr].Storage {
			if _, ok := post.Storage[rawKey]; !ok {
				delta.Storage[common.HexToHash(rawKey)] = new(uint256.Int)
			}
		}

		d[addr] = delta
	}

	// accounts listed in pre but missing from post were self-destructed
	for rawAddr, pre := range pd.Pre {
		if _, ok := pd.Post[rawAddr]; ok {
			continue
		}
		if !common.IsHexAddress(rawAddr) {
			return nil, fmt.Errorf("invalid address %q", rawAddr)
		}
		addr := common.HexToAddress(rawAddr)

		var nonce uint64
		delta := domain.AccountDelta{
			Destroyed: true,
			Nonce:     &nonce,
			Balance:   new(uint256.Int),
			Code:      []byte{},
		}
		if len(pre.Storage) > 0 {
			delta.Storage = make(map[common.Hash]*uint256.Int, len(pre.Storage))
			for rawKey := range pre.Storage {
				delta.Storage[common.HexToHash(rawKey)] = new(uint256.Int)
			}
		}
		slog.Debug("Account destroyed in transaction",
			slog.String("address", addr.Hex()),
			slog.Int("slots", len(pre.Storage)),
		)
		d[addr] = delta
	}
	return d, nil
}

func decodeWord(s string) (*uint256.Int, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, err
	}
	if len(b) > 32 {
		return nil, fmt.Errorf("word longer than 32 bytes")
	}
	return new(uint256.Int).SetBytes(b), nil
}
