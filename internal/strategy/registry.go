package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityVault/internal/access"
	"liquidityVault/internal/barrier"
	"liquidityVault/internal/events"
	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

// Strategy is an external yield protocol adapter.
type Strategy interface {
	Invest(ctx context.Context, investments []model.Investment, data []byte) error
	// WithdrawInvestment returns, per token, the amount actually received.
	WithdrawInvestment(ctx context.Context, investments []model.Investment, data []byte) ([]model.Investment, error)
	ClaimRewards(ctx context.Context, data []byte) ([]model.Investment, error)
}

// Holding is the custody view the registry moves funds through.
type Holding interface {
	Delegate(token common.Address, amount *uint256.Int) error
	Undelegate(token common.Address, amount *uint256.Int)
	Return(token common.Address, principal, returned *uint256.Int) error
	Custody(token common.Address, amount *uint256.Int) error
}

// Config tunes strategy calls.
type Config struct {
	CallTimeout time.Duration
}

// Result describes a completed strategy operation.
type Result struct {
	Key        string             `json:"key"`
	Operation  string             `json:"operation"`
	StrategyID string             `json:"strategy_id"`
	Amounts    []model.Investment `json:"-"`
	Err        string             `json:"error,omitempty"`
}

type posKey struct {
	strategy string
	token    common.Address
}

// Registry dispatches invest/withdraw/claim calls to strategies by id.
type Registry struct {
	mu         sync.Mutex
	strategies map[string]Strategy
	callLocks  map[string]*sync.Mutex
	positions  map[posKey]*uint256.Int
	ops        map[string]Result

	holding Holding
	auth    *access.Authorizer
	emitter events.Emitter
	barrier *barrier.Barrier
	timeout time.Duration
	logger  *zap.Logger
}

func NewRegistry(cfg Config, holding Holding, auth *access.Authorizer, emitter events.Emitter, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Registry{
		strategies: make(map[string]Strategy),
		callLocks:  make(map[string]*sync.Mutex),
		positions:  make(map[posKey]*uint256.Int),
		ops:        make(map[string]Result),
		holding:    holding,
		auth:       auth,
		emitter:    emitter,
		timeout:    cfg.CallTimeout,
		logger:     logger,
	}
}

// SetBarrier makes Invest, WithdrawInvestment and ClaimRewards run inside b.
func (r *Registry) SetBarrier(b *barrier.Barrier) {
	r.barrier = b
}

// Register binds a strategy to id.
func (r *Registry) Register(id string, s Strategy) error {
	if id == "" || s == nil {
		return fmt.Errorf("strategy id and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[id]; ok {
		return fmt.Errorf("strategy %s already registered", id)
	}
	r.strategies[id] = s
	r.callLocks[id] = &sync.Mutex{}
	return nil
}

// IDs lists registered strategy ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

func (r *Registry) resolve(id string) (Strategy, *sync.Mutex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[id]
	if !ok {
		return nil, nil, vaulterr.Wrapf(vaulterr.ErrStrategy, "unknown strategy %q", id)
	}
	return s, r.callLocks[id], nil
}

// lookupOp returns the stored result for an idempotency key.
func (r *Registry) lookupOp(key, operation, strategyID string) (Result, bool, error) {
	if key == "" {
		return Result{}, false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.ops[key]
	if !ok {
		return Result{}, false, nil
	}
	if res.Operation != operation || res.StrategyID != strategyID {
		return Result{}, false, vaulterr.Wrapf(vaulterr.ErrWithdrawn, "idempotency key %s reused for %s/%s", key, operation, strategyID)
	}
	return res, true, nil
}

func (r *Registry) storeOp(res Result) {
	r.mu.Lock()
	r.ops[res.Key] = res
	r.mu.Unlock()
}

func storedErr(res Result) error {
	if res.Err == "" {
		return nil
	}
	return vaulterr.Wrap(vaulterr.ErrStrategy, errors.New(res.Err))
}

// call runs fn under the registry timeout. A call that never confirms is
// reported as a timeout; a late completion is logged for reconciliation.
func (r *Registry) call(ctx context.Context, op, strategyID, key string, fn func(context.Context) ([]model.Investment, error)) ([]model.Investment, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		out []model.Investment
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := fn(callCtx)
		done <- outcome{out, err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-callCtx.Done():
		go func() {
			late := <-done
			if late.err == nil {
				r.logger.Error("strategy confirmed after rollback",
					zap.String("op", op),
					zap.String("strategy", strategyID),
					zap.String("key", key),
				)
			}
		}()
		return nil, fmt.Errorf("%s %s: %w", op, strategyID, callCtx.Err())
	}
}

func validateInvestments(investments []model.Investment) error {
	if len(investments) == 0 {
		return vaulterr.Wrapf(vaulterr.ErrAmount, "no investments")
	}
	seen := make(map[common.Address]bool, len(investments))
	for _, inv := range investments {
		if inv.Amount == nil || inv.Amount.IsZero() {
			return vaulterr.ErrAmount
		}
		if seen[inv.Token] {
			return vaulterr.Wrapf(vaulterr.ErrToken, "duplicate token %s", inv.Token.Hex())
		}
		seen[inv.Token] = true
	}
	return nil
}

// Invest delegates idle liquidity to strategyID. key makes retries safe; an
// empty key gets a fresh one.
func (r *Registry) Invest(ctx context.Context, caller common.Address, strategyID string, investments []model.Investment, data []byte, key string) (Result, error) {
	defer r.barrier.Enter()()
	if err := r.auth.Check(access.OpInvest, caller); err != nil {
		return Result{}, err
	}
	return r.invest(ctx, strategyID, investments, data, key)
}

func (r *Registry) invest(ctx context.Context, strategyID string, investments []model.Investment, data []byte, key string) (Result, error) {
	if err := validateInvestments(investments); err != nil {
		return Result{}, err
	}
	s, lock, err := r.resolve(strategyID)
	if err != nil {
		return Result{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	if prev, ok, err := r.lookupOp(key, "invest", strategyID); err != nil || ok {
		return prev, firstErr(err, storedErr(prev))
	}
	if key == "" {
		key = uuid.NewString()
	}

	delegated := make([]model.Investment, 0, len(investments))
	rollback := func() {
		for _, inv := range delegated {
			r.holding.Undelegate(inv.Token, inv.Amount)
		}
	}
	for _, inv := range investments {
		if err := r.holding.Delegate(inv.Token, inv.Amount); err != nil {
			rollback()
			return Result{}, err
		}
		delegated = append(delegated, inv)
	}

	_, err = r.call(ctx, "invest", strategyID, key, func(ctx context.Context) ([]model.Investment, error) {
		return nil, s.Invest(ctx, investments, data)
	})
	res := Result{Key: key, Operation: "invest", StrategyID: strategyID, Amounts: investments}
	if err != nil {
		rollback()
		res.Err = err.Error()
		r.storeOp(res)
		r.logger.Warn("invest failed, rolled back to idle custody", zap.String("strategy", strategyID), zap.String("key", key), zap.Error(err))
		return res, vaulterr.Adapter(vaulterr.ErrStrategy, err)
	}

	r.mu.Lock()
	for _, inv := range investments {
		k := posKey{strategyID, inv.Token}
		r.positions[k] = new(uint256.Int).Add(model.Amount(r.positions[k]), inv.Amount)
	}
	r.ops[key] = res
	r.mu.Unlock()

	for _, inv := range investments {
		r.logger.Info("funds invested", zap.String("strategy", strategyID), zap.String("token", inv.Token.Hex()), zap.String("amount", inv.Amount.Dec()))
		events.Emit(ctx, r.emitter, model.Event{
			Type:       model.EventFundsInvested,
			Token:      inv.Token.Hex(),
			Amount:     inv.Amount.Dec(),
			Attributes: map[string]string{"strategy": strategyID, "key": key},
		})
	}
	return res, nil
}

// WithdrawInvestment pulls principal back from strategyID into idle custody.
func (r *Registry) WithdrawInvestment(ctx context.Context, caller common.Address, strategyID string, investments []model.Investment, data []byte, key string) (Result, error) {
	defer r.barrier.Enter()()
	if err := r.auth.Check(access.OpWithdrawInvestment, caller); err != nil {
		return Result{}, err
	}
	return r.withdraw(ctx, strategyID, investments, data, key)
}

func (r *Registry) withdraw(ctx context.Context, strategyID string, investments []model.Investment, data []byte, key string) (Result, error) {
	if err := validateInvestments(investments); err != nil {
		return Result{}, err
	}
	s, lock, err := r.resolve(strategyID)
	if err != nil {
		return Result{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	if prev, ok, err := r.lookupOp(key, "withdraw", strategyID); err != nil || ok {
		return prev, firstErr(err, storedErr(prev))
	}
	if key == "" {
		key = uuid.NewString()
	}

	r.mu.Lock()
	for _, inv := range investments {
		pos := model.Amount(r.positions[posKey{strategyID, inv.Token}])
		if inv.Amount.Gt(pos) {
			r.mu.Unlock()
			return Result{}, vaulterr.Wrapf(vaulterr.ErrBalance, "position %s in %s is %s", inv.Token.Hex(), strategyID, pos.Dec())
		}
	}
	r.mu.Unlock()

	returned, err := r.call(ctx, "withdraw", strategyID, key, func(ctx context.Context) ([]model.Investment, error) {
		return s.WithdrawInvestment(ctx, investments, data)
	})
	res := Result{Key: key, Operation: "withdraw", StrategyID: strategyID}
	if err == nil {
		err = checkReturned(investments, returned)
	}
	if err != nil {
		res.Err = err.Error()
		r.storeOp(res)
		r.logger.Warn("withdraw investment failed", zap.String("strategy", strategyID), zap.String("key", key), zap.Error(err))
		return res, vaulterr.Adapter(vaulterr.ErrStrategy, err)
	}

	got := make(map[common.Address]*uint256.Int, len(returned))
	for _, ret := range returned {
		got[ret.Token] = ret.Amount
	}
	for _, inv := range investments {
		if err := r.holding.Return(inv.Token, inv.Amount, got[inv.Token]); err != nil {
			// checkReturned guarantees returned >= principal and positions bound
			// principal, so this only fires on a holding/registry mismatch.
			r.logger.Error("strategy return rejected by holding", zap.String("token", inv.Token.Hex()), zap.Error(err))
			return res, err
		}
	}

	r.mu.Lock()
	for _, inv := range investments {
		k := posKey{strategyID, inv.Token}
		rest := new(uint256.Int).Sub(model.Amount(r.positions[k]), inv.Amount)
		if rest.IsZero() {
			delete(r.positions, k)
		} else {
			r.positions[k] = rest
		}
	}
	res.Amounts = returned
	r.ops[key] = res
	r.mu.Unlock()

	for _, inv := range investments {
		events.Emit(ctx, r.emitter, model.Event{
			Type:       model.EventInvestmentWithdrawn,
			Token:      inv.Token.Hex(),
			Amount:     got[inv.Token].Dec(),
			Attributes: map[string]string{"strategy": strategyID, "principal": inv.Amount.Dec(), "key": key},
		})
	}
	return res, nil
}

// checkReturned enforces that every requested token came back with at least its principal.
func checkReturned(requested, returned []model.Investment) error {
	got := make(map[common.Address]*uint256.Int, len(returned))
	for _, ret := range returned {
		if ret.Amount != nil {
			got[ret.Token] = ret.Amount
		}
	}
	for _, inv := range requested {
		amount, ok := got[inv.Token]
		if !ok || amount.Lt(inv.Amount) {
			return vaulterr.Wrapf(vaulterr.ErrStrategy, "strategy returned %s of %s for %s", model.AmountString(amount), inv.Amount.Dec(), inv.Token.Hex())
		}
	}
	return nil
}

// ClaimRewards collects strategy rewards into custody without touching principal.
func (r *Registry) ClaimRewards(ctx context.Context, caller common.Address, strategyID string, data []byte, key string) (Result, error) {
	defer r.barrier.Enter()()
	if err := r.auth.Check(access.OpClaimRewards, caller); err != nil {
		return Result{}, err
	}
	s, lock, err := r.resolve(strategyID)
	if err != nil {
		return Result{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	if prev, ok, err := r.lookupOp(key, "claim", strategyID); err != nil || ok {
		return prev, firstErr(err, storedErr(prev))
	}
	if key == "" {
		key = uuid.NewString()
	}

	rewards, err := r.call(ctx, "claim", strategyID, key, func(ctx context.Context) ([]model.Investment, error) {
		return s.ClaimRewards(ctx, data)
	})
	res := Result{Key: key, Operation: "claim", StrategyID: strategyID}
	if err != nil {
		res.Err = err.Error()
		r.storeOp(res)
		return res, vaulterr.Adapter(vaulterr.ErrStrategy, err)
	}
	for _, reward := range rewards {
		if reward.Amount == nil || reward.Amount.IsZero() {
			continue
		}
		if err := r.holding.Custody(reward.Token, reward.Amount); err != nil {
			return res, err
		}
		events.Emit(ctx, r.emitter, model.Event{
			Type:       model.EventRewardsClaimed,
			Token:      reward.Token.Hex(),
			Amount:     reward.Amount.Dec(),
			Attributes: map[string]string{"strategy": strategyID, "key": key},
		})
	}
	res.Amounts = rewards
	r.storeOp(res)
	return res, nil
}

// CoverShortfall withdraws up to need of token from the listed strategies, in
// order, and returns how much principal came back. Used by settlement when
// idle liquidity is short; authorisation is the caller's.
func (r *Registry) CoverShortfall(ctx context.Context, token common.Address, need *uint256.Int, strategyIDs []string, data [][]byte) (*uint256.Int, error) {
	recovered := new(uint256.Int)
	for i, id := range strategyIDs {
		if !recovered.Lt(need) {
			break
		}
		pos := r.Position(id, token)
		if pos.IsZero() {
			continue
		}
		take := new(uint256.Int).Sub(need, recovered)
		if take.Gt(pos) {
			take = pos
		}
		var payload []byte
		if i < len(data) {
			payload = data[i]
		}
		if _, err := r.withdraw(ctx, id, []model.Investment{{Token: token, Amount: take}}, payload, ""); err != nil {
			return recovered, err
		}
		recovered.Add(recovered, take)
	}
	return recovered, nil
}

// Position returns the principal strategyID holds for token.
func (r *Registry) Position(strategyID string, token common.Address) *uint256.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.Amount(r.positions[posKey{strategyID, token}])
}

// Positions lists every open position.
func (r *Registry) Positions() []model.InvestmentPosition {
	r.mu.Lock()
	out := make([]model.InvestmentPosition, 0, len(r.positions))
	for k, v := range r.positions {
		out = append(out, model.InvestmentPosition{StrategyID: k.strategy, Token: k.token, Principal: v.Dec()})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyID != out[j].StrategyID {
			return out[i].StrategyID < out[j].StrategyID
		}
		return out[i].Token.Hex() < out[j].Token.Hex()
	})
	return out
}

// HasPositions reports whether any strategy still holds token.
func (r *Registry) HasPositions(token common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.positions {
		if k.token == token {
			return true
		}
	}
	return false
}

// Restore replaces the recorded positions.
func (r *Registry) Restore(positions []model.InvestmentPosition) error {
	next := make(map[posKey]*uint256.Int, len(positions))
	for _, p := range positions {
		amount, err := model.ParseAmount(p.Principal)
		if err != nil {
			return err
		}
		if !amount.IsZero() {
			next[posKey{p.StrategyID, p.Token}] = amount
		}
	}
	r.mu.Lock()
	r.positions = next
	r.mu.Unlock()
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
