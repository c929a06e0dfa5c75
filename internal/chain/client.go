package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityVault/internal/model"
)

// Client wraps go-ethereum RPC and provides helper methods.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client

	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger

	mu        sync.RWMutex
	metaCache map[common.Address]model.TokenMeta
	tsCache   map[uint64]uint64
}

// NewClient creates a new chain client from the RPC URL.
func NewClient(ctx context.Context, rpcURL string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		rpcClient:  rpcClient,
		ethClient:  ethclient.NewClient(rpcClient),
		maxRetries: 3,
		retryDelay: 200 * time.Millisecond,
		logger:     zap.NewNop(),
		metaCache:  make(map[common.Address]model.TokenMeta),
		tsCache:    make(map[uint64]uint64),
	}, nil
}

// SetRetry configures retries of read calls.
func (c *Client) SetRetry(maxRetries int, baseDelay time.Duration) {
	c.maxRetries = maxRetries
	c.retryDelay = baseDelay
}

// SetLogger sets the logger used for metadata fallbacks.
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// GetChainID returns the chain ID.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	return c.ethClient.ChainID(ctx)
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// CurrentBlock returns the latest block number, retrying transient failures.
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	var number uint64
	err := Retry(ctx, c.maxRetries, c.retryDelay, func(ctx context.Context) error {
		n, err := c.LatestBlockNumber(ctx)
		if err != nil {
			return err
		}
		number = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("latest block: %w", err)
	}
	return number, nil
}

// BlockTimestamp returns the block timestamp, using an in-memory cache.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	c.mu.RLock()
	ts, ok := c.tsCache[number]
	c.mu.RUnlock()
	if ok {
		return ts, nil
	}

	header, err := c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, err
	}

	ts = header.Time
	c.mu.Lock()
	c.tsCache[number] = ts
	c.mu.Unlock()
	return ts, nil
}

// FilterLogs returns logs emitted by addresses in [fromBlock, toBlock] matching topics.
func (c *Client) FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topics [][]common.Hash) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
		Topics:    topics,
	}
	return c.ethClient.FilterLogs(ctx, query)
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}

// NativeBalance returns the native coin balance of account.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := Retry(ctx, c.maxRetries, c.retryDelay, func(ctx context.Context) error {
		bal, err := c.ethClient.BalanceAt(ctx, account, nil)
		if err != nil {
			return err
		}
		v, overflow := uint256.FromBig(bal)
		if overflow {
			return fmt.Errorf("balance overflows uint256")
		}
		out = v
		return nil
	})
	return out, err
}

// TokenMeta returns cached ERC20 metadata, loading it on first use.
func (c *Client) TokenMeta(ctx context.Context, token common.Address) (model.TokenMeta, error) {
	c.mu.RLock()
	meta, ok := c.metaCache[token]
	c.mu.RUnlock()
	if ok {
		return meta, nil
	}

	var err error
	retryErr := Retry(ctx, c.maxRetries, c.retryDelay, func(ctx context.Context) error {
		meta, err = FetchTokenMeta(ctx, c, token, c.logger)
		return err
	})
	if retryErr != nil {
		return meta, retryErr
	}

	c.mu.Lock()
	c.metaCache[token] = meta
	c.mu.Unlock()
	return meta, nil
}

// BalanceOf returns the ERC20 balance of holder.
func (c *Client) BalanceOf(ctx context.Context, token, holder common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := Retry(ctx, c.maxRetries, c.retryDelay, func(ctx context.Context) error {
		bal, err := FetchBalance(ctx, c, token, holder)
		if err != nil {
			return err
		}
		out = bal
		return nil
	})
	return out, err
}
