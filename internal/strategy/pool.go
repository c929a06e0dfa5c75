package strategy

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

// PoolStrategy provides liquidity to a two-token AMM pool. Trading fees
// accrue to the reserves and are paid out pro rata on withdrawal.
type PoolStrategy struct {
	mu        sync.Mutex
	token0    common.Address
	token1    common.Address
	principal map[common.Address]*uint256.Int
	reserves  map[common.Address]*uint256.Int
	shares    *uint256.Int
	logger    *zap.Logger
}

func NewPoolStrategy(token0, token1 common.Address, logger *zap.Logger) *PoolStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PoolStrategy{
		token0:    token0,
		token1:    token1,
		principal: map[common.Address]*uint256.Int{token0: new(uint256.Int), token1: new(uint256.Int)},
		reserves:  map[common.Address]*uint256.Int{token0: new(uint256.Int), token1: new(uint256.Int)},
		shares:    new(uint256.Int),
		logger:    logger,
	}
}

func (p *PoolStrategy) pairAmounts(investments []model.Investment) (*uint256.Int, *uint256.Int, error) {
	if len(investments) != 2 {
		return nil, nil, vaulterr.Wrapf(vaulterr.ErrStrategy, "pool takes exactly two tokens, got %d", len(investments))
	}
	var a0, a1 *uint256.Int
	for _, inv := range investments {
		switch inv.Token {
		case p.token0:
			a0 = inv.Amount
		case p.token1:
			a1 = inv.Amount
		}
	}
	if a0 == nil || a1 == nil {
		return nil, nil, vaulterr.Wrapf(vaulterr.ErrToken, "pool pair is %s/%s", p.token0.Hex(), p.token1.Hex())
	}
	return a0, a1, nil
}

// Invest deposits both tokens. data is an optional ABI (uint256 minShares).
func (p *PoolStrategy) Invest(ctx context.Context, investments []model.Investment, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	minShares, err := decodeMinShares(data)
	if err != nil {
		return err
	}
	a0, a1, err := p.pairAmounts(investments)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var minted *uint256.Int
	if p.shares.IsZero() {
		minted = new(uint256.Int).Mul(a0, a1)
		minted.Sqrt(minted)
	} else {
		s0, _ := new(uint256.Int).MulDivOverflow(a0, p.shares, p.reserves[p.token0])
		s1, _ := new(uint256.Int).MulDivOverflow(a1, p.shares, p.reserves[p.token1])
		minted = s0
		if s1.Lt(s0) {
			minted = s1
		}
	}
	if minted.IsZero() || minted.Lt(minShares) {
		return vaulterr.Wrapf(vaulterr.ErrSlippage, "minted %s shares, want %s", minted.Dec(), minShares.Dec())
	}
	p.shares.Add(p.shares, minted)
	p.principal[p.token0].Add(p.principal[p.token0], a0)
	p.principal[p.token1].Add(p.principal[p.token1], a1)
	p.reserves[p.token0].Add(p.reserves[p.token0], a0)
	p.reserves[p.token1].Add(p.reserves[p.token1], a1)
	p.logger.Debug("pool deposit", zap.String("shares", minted.Dec()))
	return nil
}

// WithdrawInvestment redeems the given principal of each token, plus its
// share of accrued fees.
func (p *PoolStrategy) WithdrawInvestment(ctx context.Context, investments []model.Investment, _ []byte) ([]model.Investment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inv := range investments {
		principal, ok := p.principal[inv.Token]
		if !ok {
			return nil, vaulterr.Wrapf(vaulterr.ErrToken, "token %s not in pool", inv.Token.Hex())
		}
		if inv.Amount.Gt(principal) {
			return nil, vaulterr.Wrapf(vaulterr.ErrBalance, "pool principal for %s", inv.Token.Hex())
		}
	}
	out := make([]model.Investment, 0, len(investments))
	for _, inv := range investments {
		principal := p.principal[inv.Token]
		reserve := p.reserves[inv.Token]
		returned, _ := new(uint256.Int).MulDivOverflow(inv.Amount, reserve, principal)
		burned, _ := new(uint256.Int).MulDivOverflow(inv.Amount, p.shares, principal)
		principal.Sub(principal, inv.Amount)
		reserve.Sub(reserve, returned)
		if inv.Token == p.token0 {
			p.shares.Sub(p.shares, burned)
		}
		out = append(out, model.Investment{Token: inv.Token, Amount: returned})
	}
	if p.principal[p.token0].IsZero() && p.principal[p.token1].IsZero() {
		p.shares.Clear()
	}
	return out, nil
}

// ClaimRewards is a no-op: pool fees compound into the reserves.
func (p *PoolStrategy) ClaimRewards(ctx context.Context, _ []byte) ([]model.Investment, error) {
	return nil, ctx.Err()
}

// AccrueFees adds trading fees to the pool reserves.
func (p *PoolStrategy) AccrueFees(fee0, fee1 *uint256.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shares.IsZero() {
		return
	}
	p.reserves[p.token0].Add(p.reserves[p.token0], model.Amount(fee0))
	p.reserves[p.token1].Add(p.reserves[p.token1], model.Amount(fee1))
}

// Shares returns the outstanding LP shares.
func (p *PoolStrategy) Shares() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return model.Amount(p.shares)
}
