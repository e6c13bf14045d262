// Package onchain implements the read-through loader for fuzzing live
// targets: lazy fetch of bytecode, storage slots and balances from an
// upstream JSON-RPC node at a pinned block height, memoised in memory and on
// disk so results are stable across runs.
package onchain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/snapfuzz/snapfuzz/core/types"
	"github.com/snapfuzz/snapfuzz/log"
)

// Source is the upstream adapter: everything the fetch middleware and the
// target loader need from a chain.
type Source interface {
	Code(addr types.Address) ([]byte, error)
	Storage(addr types.Address, key types.Hash) (types.Hash, error)
	Balance(addr types.Address) (*big.Int, error)
}

// ClientConfig tunes the RPC source.
type ClientConfig struct {
	URL         string
	ChainID     uint64
	BlockNumber uint64

	// CallTimeout bounds each upstream call; on expiry the fetch returns an
	// error and the caller proceeds without the enrichment.
	CallTimeout time.Duration
	// Retries bounds the retries after a failed first attempt: a call makes
	// at most Retries+1 attempts.
	Retries int
	// Backoff is the initial retry delay, doubled per attempt.
	Backoff time.Duration
}

// DefaultClientConfig returns the standard upstream tuning.
func DefaultClientConfig(url string, chainID, block uint64) ClientConfig {
	return ClientConfig{
		URL:         url,
		ChainID:     chainID,
		BlockNumber: block,
		CallTimeout: 8 * time.Second,
		Retries:     3,
		Backoff:     250 * time.Millisecond,
	}
}

// Client is the JSON-RPC implementation of Source, pinned to one block.
// Fetches are one-by-one: the safe default among the upstream access modes.
type Client struct {
	cfg      ClientConfig
	rpc      *rpc.Client
	blockTag string
	logger   *log.Logger
}

// Dial connects to the upstream node.
func Dial(cfg ClientConfig, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	c, err := rpc.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("onchain: dial %s: %w", cfg.URL, err)
	}
	return &Client{
		cfg:      cfg,
		rpc:      c,
		blockTag: hexutil.EncodeUint64(cfg.BlockNumber),
		logger:   logger.Module("onchain"),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// call performs one RPC with timeout and bounded exponential backoff.
func (c *Client) call(result any, method string, args ...any) error {
	delay := c.cfg.Backoff
	var err error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		err = c.rpc.CallContext(ctx, result, method, args...)
		cancel()
		if err == nil {
			return nil
		}
		c.logger.Debug("upstream call failed", "method", method, "attempt", attempt, "err", err)
	}
	return fmt.Errorf("onchain: %s after %d attempts: %w", method, c.cfg.Retries+1, err)
}

// Code implements Source.
func (c *Client) Code(addr types.Address) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.call(&out, "eth_getCode", addr.Hex(), c.blockTag); err != nil {
		return nil, err
	}
	return out, nil
}

// Storage implements Source.
func (c *Client) Storage(addr types.Address, key types.Hash) (types.Hash, error) {
	var out hexutil.Bytes
	if err := c.call(&out, "eth_getStorageAt", addr.Hex(), key.Hex(), c.blockTag); err != nil {
		return types.Hash{}, err
	}
	return types.BytesToHash(out), nil
}

// Balance implements Source.
func (c *Client) Balance(addr types.Address) (*big.Int, error) {
	var out hexutil.Big
	if err := c.call(&out, "eth_getBalance", addr.Hex(), c.blockTag); err != nil {
		return nil, err
	}
	return (*big.Int)(&out), nil
}

// blockTxsResult is the minimal eth_getBlockByNumber shape the calldata
// harvester reads.
type blockTxsResult struct {
	Transactions []struct {
		To    *string       `json:"to"`
		Input hexutil.Bytes `json:"input"`
	} `json:"transactions"`
}

// TxCalldata returns the calldata of historical transactions addressed to
// one of the targets, scanning the pinned block and lookback blocks before
// it. The fuzzer seeds its constants pool from these.
func (c *Client) TxCalldata(targets []types.Address, lookback uint64) ([][]byte, error) {
	want := make(map[types.Address]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}
	var out [][]byte
	start := c.cfg.BlockNumber
	for i := uint64(0); i <= lookback && i <= start; i++ {
		var blk blockTxsResult
		if err := c.call(&blk, "eth_getBlockByNumber", hexutil.EncodeUint64(start-i), true); err != nil {
			return out, err
		}
		for _, tx := range blk.Transactions {
			if tx.To == nil || len(tx.Input) < 4 {
				continue
			}
			if want[types.HexToAddress(*tx.To)] {
				out = append(out, []byte(tx.Input))
			}
		}
	}
	return out, nil
}
