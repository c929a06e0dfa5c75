package swap

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityVault/internal/vaulterr"
)

// NativeAdapter converts a token amount into the chain's native asset.
type NativeAdapter interface {
	SwapToNative(ctx context.Context, token common.Address, amountIn, minAmountOut *uint256.Int, data []byte) (*uint256.Int, error)
}

// NativeQuoter is implemented by adapters that can price a top-up without
// executing it.
type NativeQuoter interface {
	QuoteNative(ctx context.Context, token common.Address, amountIn *uint256.Int, data []byte) (*uint256.Int, error)
}

// NativeSwappers holds the native top-up adapters by nativeSwapperId.
type NativeSwappers struct {
	mu       sync.RWMutex
	adapters map[uint64]NativeAdapter
	logger   *zap.Logger
}

func NewNativeSwappers(logger *zap.Logger) *NativeSwappers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NativeSwappers{adapters: make(map[uint64]NativeAdapter), logger: logger}
}

func (n *NativeSwappers) Register(id uint64, adapter NativeAdapter) {
	n.mu.Lock()
	n.adapters[id] = adapter
	n.mu.Unlock()
}

func (n *NativeSwappers) IDs() []uint64 {
	n.mu.RLock()
	out := make([]uint64, 0, len(n.adapters))
	for id := range n.adapters {
		out = append(out, id)
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks a native top-up request without calling any adapter.
// Order: feature flag, amount bound, adapter registration.
func (n *NativeSwappers) Validate(enabled bool, id uint64, amountToSwap, total *uint256.Int) error {
	if !enabled {
		return vaulterr.ErrUnable
	}
	if amountToSwap.Gt(total) {
		return vaulterr.Wrapf(vaulterr.ErrTooHigh, "native swap %s above withdrawal %s", amountToSwap.Dec(), total.Dec())
	}
	n.mu.RLock()
	_, ok := n.adapters[id]
	n.mu.RUnlock()
	if !ok {
		return vaulterr.Wrapf(vaulterr.ErrNotSet, "native swapper %d", id)
	}
	return nil
}

// CheckQuote fails with ERR: MIN AMOUNT OUT when the adapter under id prices
// amountIn below minAmountOut. Adapters without a quote pass.
func (n *NativeSwappers) CheckQuote(ctx context.Context, id uint64, token common.Address, amountIn, minAmountOut *uint256.Int, data []byte) error {
	n.mu.RLock()
	adapter, ok := n.adapters[id]
	n.mu.RUnlock()
	if !ok {
		return vaulterr.Wrapf(vaulterr.ErrNotSet, "native swapper %d", id)
	}
	quoter, ok := adapter.(NativeQuoter)
	if !ok || minAmountOut == nil {
		return nil
	}
	out, err := quoter.QuoteNative(ctx, token, amountIn, data)
	if err != nil {
		return vaulterr.Adapter(vaulterr.ErrAMM, err)
	}
	if out.Lt(minAmountOut) {
		return vaulterr.Wrapf(vaulterr.ErrMinAmountOut, "native swap quoted %s, want %s", out.Dec(), minAmountOut.Dec())
	}
	return nil
}

// SwapToNative runs the adapter registered under id.
func (n *NativeSwappers) SwapToNative(ctx context.Context, id uint64, token common.Address, amountIn, minAmountOut *uint256.Int, data []byte) (*uint256.Int, error) {
	n.mu.RLock()
	adapter, ok := n.adapters[id]
	n.mu.RUnlock()
	if !ok {
		return nil, vaulterr.Wrapf(vaulterr.ErrNotSet, "native swapper %d", id)
	}
	if minAmountOut == nil {
		minAmountOut = new(uint256.Int)
	}
	out, err := adapter.SwapToNative(ctx, token, amountIn, minAmountOut, data)
	if err != nil {
		n.logger.Warn("native swap failed", zap.Uint64("swapper_id", id), zap.Error(err))
		return nil, vaulterr.Adapter(vaulterr.ErrAMM, err)
	}
	if out == nil || out.Lt(minAmountOut) {
		return nil, vaulterr.Wrapf(vaulterr.ErrMinAmountOut, "native swap returned %s, want %s", amountString(out), minAmountOut.Dec())
	}
	return out, nil
}

// PoolNativeSwapper tops up native through a constant-product pool paired
// with the wrapped native token.
type PoolNativeSwapper struct {
	Pool   *ConstantProduct
	Native common.Address
}

func (p PoolNativeSwapper) SwapToNative(ctx context.Context, token common.Address, amountIn, minAmountOut *uint256.Int, data []byte) (*uint256.Int, error) {
	return p.Pool.Swap(ctx, token, p.Native, amountIn, minAmountOut, data)
}

func (p PoolNativeSwapper) QuoteNative(ctx context.Context, token common.Address, amountIn *uint256.Int, data []byte) (*uint256.Int, error) {
	return p.Pool.GetAmountsOut(ctx, token, p.Native, amountIn, data)
}
