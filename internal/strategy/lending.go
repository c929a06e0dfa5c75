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

type supply struct {
	principal *uint256.Int
	value     *uint256.Int
}

// LendingStrategy supplies tokens to a lending market. Each underlying token
// must be mapped to its market token before it can be invested; supplied value
// grows with Accrue and is redeemed pro rata.
type LendingStrategy struct {
	mu       sync.Mutex
	markets  map[common.Address]common.Address
	supplies map[common.Address]*supply
	rewards  map[common.Address]*uint256.Int
	logger   *zap.Logger
}

func NewLendingStrategy(logger *zap.Logger) *LendingStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LendingStrategy{
		markets:  make(map[common.Address]common.Address),
		supplies: make(map[common.Address]*supply),
		rewards:  make(map[common.Address]*uint256.Int),
		logger:   logger,
	}
}

// SetMarket maps token to its market token. A zero market removes the mapping.
func (s *LendingStrategy) SetMarket(token, market common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if market == (common.Address{}) {
		delete(s.markets, token)
		return
	}
	s.markets[token] = market
}

func (s *LendingStrategy) Market(token common.Address) (common.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[token]
	return m, ok
}

func (s *LendingStrategy) Invest(ctx context.Context, investments []model.Investment, _ []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range investments {
		if _, ok := s.markets[inv.Token]; !ok {
			return vaulterr.Wrapf(vaulterr.ErrMarketNotSet, "token %s", inv.Token.Hex())
		}
	}
	for _, inv := range investments {
		sp, ok := s.supplies[inv.Token]
		if !ok {
			sp = &supply{principal: new(uint256.Int), value: new(uint256.Int)}
			s.supplies[inv.Token] = sp
		}
		sp.principal.Add(sp.principal, inv.Amount)
		sp.value.Add(sp.value, inv.Amount)
		s.logger.Debug("market supply", zap.String("token", inv.Token.Hex()), zap.String("amount", inv.Amount.Dec()))
	}
	return nil
}

func (s *LendingStrategy) WithdrawInvestment(ctx context.Context, investments []model.Investment, _ []byte) ([]model.Investment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range investments {
		if _, ok := s.markets[inv.Token]; !ok {
			return nil, vaulterr.Wrapf(vaulterr.ErrMarketNotSet, "token %s", inv.Token.Hex())
		}
		sp, ok := s.supplies[inv.Token]
		if !ok || inv.Amount.Gt(sp.principal) {
			return nil, vaulterr.Wrapf(vaulterr.ErrBalance, "market supply for %s", inv.Token.Hex())
		}
	}
	out := make([]model.Investment, 0, len(investments))
	for _, inv := range investments {
		sp := s.supplies[inv.Token]
		// redeemed = amount * value / principal, value >= principal
		redeemed, _ := new(uint256.Int).MulDivOverflow(inv.Amount, sp.value, sp.principal)
		sp.principal.Sub(sp.principal, inv.Amount)
		sp.value.Sub(sp.value, redeemed)
		if sp.principal.IsZero() {
			delete(s.supplies, inv.Token)
		}
		out = append(out, model.Investment{Token: inv.Token, Amount: redeemed})
	}
	return out, nil
}

// ClaimRewards pays out accumulated rewards of the asset encoded in data.
func (s *LendingStrategy) ClaimRewards(ctx context.Context, data []byte) ([]model.Investment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	asset, err := decodeRewardAsset(data)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	amount, ok := s.rewards[asset]
	if !ok || amount.IsZero() {
		return nil, nil
	}
	delete(s.rewards, asset)
	return []model.Investment{{Token: asset, Amount: amount}}, nil
}

// Accrue grows the supplied value of token by bps basis points.
func (s *LendingStrategy) Accrue(token common.Address, bps uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.supplies[token]
	if !ok {
		return
	}
	interest, _ := new(uint256.Int).MulDivOverflow(sp.value, uint256.NewInt(bps), uint256.NewInt(model.FeeFactor))
	sp.value.Add(sp.value, interest)
}

// AddRewards credits claimable incentive tokens.
func (s *LendingStrategy) AddRewards(asset common.Address, amount *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewards[asset] = new(uint256.Int).Add(model.Amount(s.rewards[asset]), amount)
}

// Value returns the current redeemable value supplied for token.
func (s *LendingStrategy) Value(token common.Address) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.supplies[token]; ok {
		return model.Amount(sp.value)
	}
	return new(uint256.Int)
}
