package holding

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityVault/internal/access"
	"liquidityVault/internal/events"
	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

type pendingLockUp struct {
	value       time.Duration
	effectiveAt time.Time
}

type saveFundsOrder struct {
	token        common.Address
	to           common.Address
	executableAt time.Time
}

// Pause blocks releases, reservations and delegations.
func (h *Holding) Pause(_ context.Context, caller common.Address) error {
	return h.setPaused(caller, true)
}

// Unpause lifts Pause and drops any pending save-funds order.
func (h *Holding) Unpause(_ context.Context, caller common.Address) error {
	return h.setPaused(caller, false)
}

func (h *Holding) setPaused(caller common.Address, paused bool) error {
	if err := h.auth.Check(access.OpSaveFunds, caller); err != nil {
		return err
	}
	h.mu.Lock()
	h.paused = paused
	if !paused {
		h.saveFunds = nil
	}
	h.mu.Unlock()
	h.logger.Info("holding pause changed", zap.Bool("paused", paused))
	return nil
}

// Paused reports the holding pause state.
func (h *Holding) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// StartSaveFundsLockUpTimerChange schedules a new save-funds lock-up. It takes
// effect after the current lock-up has elapsed.
func (h *Holding) StartSaveFundsLockUpTimerChange(ctx context.Context, caller common.Address, lockUp time.Duration) error {
	if err := h.auth.Check(access.OpSaveFunds, caller); err != nil {
		return err
	}
	if lockUp <= 0 {
		return vaulterr.Wrapf(vaulterr.ErrTimelock, "lock-up must be positive")
	}
	h.mu.Lock()
	h.pendingLock = &pendingLockUp{value: lockUp, effectiveAt: h.now().Add(h.saveFundsLock)}
	effective := h.pendingLock.effectiveAt
	h.mu.Unlock()

	h.logger.Info("save funds lock-up change started", zap.Duration("lock_up", lockUp), zap.Time("effective_at", effective))
	return nil
}

// SetSaveFundsLockUpTime applies a scheduled lock-up change once its timelock expired.
func (h *Holding) SetSaveFundsLockUpTime(ctx context.Context, caller common.Address) error {
	if err := h.auth.Check(access.OpSaveFunds, caller); err != nil {
		return err
	}
	h.mu.Lock()
	pending := h.pendingLock
	if pending == nil || h.now().Before(pending.effectiveAt) {
		h.mu.Unlock()
		return vaulterr.ErrTimelock
	}
	h.saveFundsLock = pending.value
	h.pendingLock = nil
	h.mu.Unlock()

	events.Emit(ctx, h.emitter, model.Event{
		Type:       model.EventSaveFundsLockUpTimeSet,
		Attributes: map[string]string{"lock_up": pending.value.String()},
	})
	return nil
}

// SaveFundsLockUp returns the active save-funds lock-up.
func (h *Holding) SaveFundsLockUp() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.saveFundsLock
}

// StartSaveFunds schedules moving the idle balance of token to to. The holding must be paused.
func (h *Holding) StartSaveFunds(ctx context.Context, caller, token, to common.Address) error {
	if err := h.auth.Check(access.OpSaveFunds, caller); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return vaulterr.Wrapf(vaulterr.ErrToken, "zero destination")
	}
	h.mu.Lock()
	if !h.paused {
		h.mu.Unlock()
		return vaulterr.ErrNotPaused
	}
	order := &saveFundsOrder{token: token, to: to, executableAt: h.now().Add(h.saveFundsLock)}
	h.saveFunds = order
	h.mu.Unlock()

	h.logger.Warn("save funds started", zap.String("token", token.Hex()), zap.String("to", to.Hex()), zap.Time("executable_at", order.executableAt))
	events.Emit(ctx, h.emitter, model.Event{
		Type:         model.EventSaveFundsStarted,
		Token:        token.Hex(),
		Counterparty: to.Hex(),
		Attributes:   map[string]string{"executable_at": order.executableAt.UTC().Format(time.RFC3339)},
	})
	return nil
}

// ExecuteSaveFunds moves the whole idle balance once the lock-up has passed.
func (h *Holding) ExecuteSaveFunds(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	defer h.barrier.Enter()()
	if err := h.auth.Check(access.OpSaveFunds, caller); err != nil {
		return nil, err
	}
	h.mu.Lock()
	if !h.paused {
		h.mu.Unlock()
		return nil, vaulterr.ErrNotPaused
	}
	order := h.saveFunds
	if order == nil || h.now().Before(order.executableAt) {
		h.mu.Unlock()
		return nil, vaulterr.ErrTimelock
	}
	b := h.balanceLocked(order.token)
	moved := b.idle()
	b.custodied = new(uint256.Int).Sub(b.custodied, moved)
	if b.earmarked.Gt(b.custodied) {
		b.earmarked = new(uint256.Int).Set(b.custodied)
	}
	h.saveFunds = nil
	h.publishLocked(order.token, b)
	h.mu.Unlock()

	h.logger.Warn("save funds executed", zap.String("token", order.token.Hex()), zap.String("amount", moved.Dec()))
	events.Emit(ctx, h.emitter, model.Event{
		Type:         model.EventLiquidityMoved,
		Token:        order.token.Hex(),
		Counterparty: order.to.Hex(),
		Amount:       moved.Dec(),
		Attributes:   map[string]string{"reason": "save_funds"},
	})
	return moved, nil
}

// BalanceState is one serialised token balance.
type BalanceState struct {
	Token     common.Address `json:"token"`
	Custodied string         `json:"custodied"`
	Invested  string         `json:"invested"`
	Earmarked string         `json:"earmarked"`
	Fees      string         `json:"fees"`
}

// State is the serialisable holding content. Reservations are not persisted:
// snapshots are taken while the vault barrier holds settlements off.
type State struct {
	Balances        []BalanceState `json:"balances"`
	Commitments     []Commitment   `json:"commitments,omitempty"`
	Paused          bool           `json:"paused"`
	SaveFundsLockUp time.Duration  `json:"save_funds_lock_up"`
}

// Snapshot captures the holding.
func (h *Holding) Snapshot() State {
	h.mu.Lock()
	defer h.mu.Unlock()

	tokens := make(map[common.Address]struct{})
	for token := range h.balances {
		tokens[token] = struct{}{}
	}
	for token := range h.fees {
		tokens[token] = struct{}{}
	}
	st := State{Paused: h.paused, SaveFundsLockUp: h.saveFundsLock}
	for token := range tokens {
		b, ok := h.balances[token]
		if !ok {
			b = newTokenBalance()
		}
		st.Balances = append(st.Balances, BalanceState{
			Token:     token,
			Custodied: b.custodied.Dec(),
			Invested:  b.invested.Dec(),
			Earmarked: b.earmarked.Dec(),
			Fees:      model.AmountString(h.fees[token]),
		})
	}
	sort.Slice(st.Balances, func(i, j int) bool { return st.Balances[i].Token.Hex() < st.Balances[j].Token.Hex() })
	for k, list := range h.commitments {
		for _, c := range list {
			st.Commitments = append(st.Commitments, Commitment{Holder: k.holder, Token: k.token, Amount: c.amount.Dec(), UnlockBlock: c.unlockBlock})
		}
	}
	sort.Slice(st.Commitments, func(i, j int) bool {
		a, b := st.Commitments[i], st.Commitments[j]
		if a.Holder != b.Holder {
			return a.Holder.Hex() < b.Holder.Hex()
		}
		if a.Token != b.Token {
			return a.Token.Hex() < b.Token.Hex()
		}
		return a.UnlockBlock < b.UnlockBlock
	})
	return st
}

// Restore replaces the holding content.
func (h *Holding) Restore(st State) error {
	balances := make(map[common.Address]*tokenBalance, len(st.Balances))
	fees := make(map[common.Address]*uint256.Int)
	for _, bs := range st.Balances {
		b := newTokenBalance()
		var err error
		if b.custodied, err = model.ParseAmount(bs.Custodied); err != nil {
			return err
		}
		if b.invested, err = model.ParseAmount(bs.Invested); err != nil {
			return err
		}
		if b.earmarked, err = model.ParseAmount(bs.Earmarked); err != nil {
			return err
		}
		fee, err := model.ParseAmount(bs.Fees)
		if err != nil {
			return err
		}
		if !fee.IsZero() {
			fees[bs.Token] = fee
		}
		balances[bs.Token] = b
	}
	commitments := make(map[commitKey][]commitment)
	for _, c := range st.Commitments {
		amount, err := model.ParseAmount(c.Amount)
		if err != nil {
			return err
		}
		k := commitKey{c.Holder, c.Token}
		commitments[k] = append(commitments[k], commitment{amount: amount, unlockBlock: c.UnlockBlock})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.balances = balances
	h.fees = fees
	h.commitments = commitments
	h.paused = st.Paused
	if st.SaveFundsLockUp > 0 {
		h.saveFundsLock = st.SaveFundsLockUp
	}
	return nil
}
