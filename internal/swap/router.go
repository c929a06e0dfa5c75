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

// AMM is a swap adapter registered under an amm id.
type AMM interface {
	GetAmountsOut(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int, data []byte) (*uint256.Int, error)
	Swap(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minAmountOut *uint256.Int, data []byte) (*uint256.Int, error)
}

// Router resolves AMM adapters by id at call time.
type Router struct {
	mu     sync.RWMutex
	amms   map[uint64]AMM
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{amms: make(map[uint64]AMM), logger: logger}
}

// Register binds adapter to ammID, replacing any previous adapter.
func (r *Router) Register(ammID uint64, adapter AMM) {
	r.mu.Lock()
	r.amms[ammID] = adapter
	r.mu.Unlock()
	r.logger.Info("amm registered", zap.Uint64("amm_id", ammID))
}

func (r *Router) Remove(ammID uint64) {
	r.mu.Lock()
	delete(r.amms, ammID)
	r.mu.Unlock()
}

// IDs lists registered amm ids.
func (r *Router) IDs() []uint64 {
	r.mu.RLock()
	out := make([]uint64, 0, len(r.amms))
	for id := range r.amms {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Router) resolve(ammID uint64) (AMM, error) {
	r.mu.RLock()
	adapter, ok := r.amms[ammID]
	r.mu.RUnlock()
	if !ok {
		return nil, vaulterr.Wrapf(vaulterr.ErrAMM, "amm %d not registered", ammID)
	}
	return adapter, nil
}

// Has reports whether ammID has an adapter.
func (r *Router) Has(ammID uint64) bool {
	_, err := r.resolve(ammID)
	return err == nil
}

// Quote returns the expected output for amountIn.
func (r *Router) Quote(ctx context.Context, ammID uint64, tokenIn, tokenOut common.Address, amountIn *uint256.Int, data []byte) (*uint256.Int, error) {
	adapter, err := r.resolve(ammID)
	if err != nil {
		return nil, err
	}
	if amountIn == nil || amountIn.IsZero() {
		return nil, vaulterr.ErrAmount
	}
	out, err := adapter.GetAmountsOut(ctx, tokenIn, tokenOut, amountIn, data)
	if err != nil {
		return nil, vaulterr.Adapter(vaulterr.ErrAMM, err)
	}
	return out, nil
}

// Swap executes through ammID and fails unless at least minAmountOut is realized.
func (r *Router) Swap(ctx context.Context, ammID uint64, tokenIn, tokenOut common.Address, amountIn, minAmountOut *uint256.Int, data []byte) (*uint256.Int, error) {
	adapter, err := r.resolve(ammID)
	if err != nil {
		return nil, err
	}
	if amountIn == nil || amountIn.IsZero() {
		return nil, vaulterr.ErrAmount
	}
	if minAmountOut == nil {
		minAmountOut = new(uint256.Int)
	}
	out, err := adapter.Swap(ctx, tokenIn, tokenOut, amountIn, minAmountOut, data)
	if err != nil {
		r.logger.Warn("amm swap failed", zap.Uint64("amm_id", ammID), zap.Error(err))
		return nil, vaulterr.Adapter(vaulterr.ErrAMM, err)
	}
	if out == nil || out.Lt(minAmountOut) {
		return nil, vaulterr.Wrapf(vaulterr.ErrMinAmountOut, "amm %d returned %s, want %s", ammID, amountString(out), minAmountOut.Dec())
	}
	return out, nil
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
