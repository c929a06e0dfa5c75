package swap

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

// DefaultFeeBps is the 0.3% pool fee.
const DefaultFeeBps = 30

type pairKey struct {
	token0 common.Address
	token1 common.Address
}

func sortPair(a, b common.Address) (pairKey, bool) {
	if a.Hex() < b.Hex() {
		return pairKey{a, b}, false
	}
	return pairKey{b, a}, true
}

type reserves struct {
	r0 *uint256.Int
	r1 *uint256.Int
}

// ConstantProduct is an in-process x*y=k pool set.
type ConstantProduct struct {
	mu     sync.Mutex
	feeBps uint64
	pairs  map[pairKey]*reserves
}

func NewConstantProduct(feeBps uint64) *ConstantProduct {
	if feeBps >= model.FeeFactor {
		feeBps = DefaultFeeBps
	}
	return &ConstantProduct{feeBps: feeBps, pairs: make(map[pairKey]*reserves)}
}

// AddLiquidity seeds or grows the tokenA/tokenB pool.
func (c *ConstantProduct) AddLiquidity(tokenA, tokenB common.Address, amountA, amountB *uint256.Int) error {
	if tokenA == tokenB {
		return fmt.Errorf("identical pool tokens %s", tokenA.Hex())
	}
	key, flipped := sortPair(tokenA, tokenB)
	if flipped {
		amountA, amountB = amountB, amountA
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.pairs[key]
	if !ok {
		res = &reserves{r0: new(uint256.Int), r1: new(uint256.Int)}
		c.pairs[key] = res
	}
	res.r0.Add(res.r0, amountA)
	res.r1.Add(res.r1, amountB)
	return nil
}

// Reserves returns the pool reserves ordered as (tokenA, tokenB).
func (c *ConstantProduct) Reserves(tokenA, tokenB common.Address) (*uint256.Int, *uint256.Int) {
	key, flipped := sortPair(tokenA, tokenB)
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.pairs[key]
	if !ok {
		return new(uint256.Int), new(uint256.Int)
	}
	if flipped {
		return model.Amount(res.r1), model.Amount(res.r0)
	}
	return model.Amount(res.r0), model.Amount(res.r1)
}

// amountOut = amountIn*(F-fee)*rOut / (rIn*F + amountIn*(F-fee))
func (c *ConstantProduct) amountOut(amountIn, rIn, rOut *uint256.Int) *uint256.Int {
	withFee := new(uint256.Int).Mul(amountIn, uint256.NewInt(model.FeeFactor-c.feeBps))
	num := new(uint256.Int).Mul(withFee, rOut)
	den := new(uint256.Int).Mul(rIn, uint256.NewInt(model.FeeFactor))
	den.Add(den, withFee)
	if den.IsZero() {
		return new(uint256.Int)
	}
	return num.Div(num, den)
}

func (c *ConstantProduct) lookup(tokenIn, tokenOut common.Address) (*reserves, bool, error) {
	key, flipped := sortPair(tokenIn, tokenOut)
	res, ok := c.pairs[key]
	if !ok || res.r0.IsZero() || res.r1.IsZero() {
		return nil, false, vaulterr.Wrapf(vaulterr.ErrLiquidity, "no pool for %s/%s", tokenIn.Hex(), tokenOut.Hex())
	}
	return res, flipped, nil
}

func (c *ConstantProduct) GetAmountsOut(_ context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int, _ []byte) (*uint256.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, flipped, err := c.lookup(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	if flipped {
		return c.amountOut(amountIn, res.r1, res.r0), nil
	}
	return c.amountOut(amountIn, res.r0, res.r1), nil
}

func (c *ConstantProduct) Swap(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minAmountOut *uint256.Int, _ []byte) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	res, flipped, err := c.lookup(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	rIn, rOut := res.r0, res.r1
	if flipped {
		rIn, rOut = res.r1, res.r0
	}
	out := c.amountOut(amountIn, rIn, rOut)
	if minAmountOut != nil && out.Lt(minAmountOut) {
		return nil, vaulterr.Wrapf(vaulterr.ErrMinAmountOut, "pool out %s, want %s", out.Dec(), minAmountOut.Dec())
	}
	rIn.Add(rIn, amountIn)
	rOut.Sub(rOut, out)
	return out, nil
}
