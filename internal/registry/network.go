package registry

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityVault/internal/access"
	"liquidityVault/internal/events"
	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

// PauseNetwork stops transfers towards networkID.
func (r *Registry) PauseNetwork(ctx context.Context, caller common.Address, networkID uint64) error {
	return r.setPaused(ctx, caller, networkID, true)
}

// UnpauseNetwork resumes transfers towards networkID.
func (r *Registry) UnpauseNetwork(ctx context.Context, caller common.Address, networkID uint64) error {
	return r.setPaused(ctx, caller, networkID, false)
}

func (r *Registry) setPaused(ctx context.Context, caller common.Address, networkID uint64, paused bool) error {
	if err := r.auth.Check(access.OpPauseNetwork, caller); err != nil {
		return err
	}
	r.mu.Lock()
	if paused {
		r.paused[networkID] = true
	} else {
		delete(r.paused, networkID)
	}
	r.mu.Unlock()

	evType := model.EventUnpauseNetwork
	if paused {
		evType = model.EventPauseNetwork
	}
	r.logger.Info("network pause changed", zap.Uint64("network_id", networkID), zap.Bool("paused", paused))
	events.Emit(ctx, r.emitter, model.Event{Type: evType, NetworkID: networkID})
	return nil
}

// IsPaused reports whether networkID is paused.
func (r *Registry) IsPaused(networkID uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused[networkID]
}

// SetMinFee sets the lower fee percentage bound in basis points.
func (r *Registry) SetMinFee(ctx context.Context, caller common.Address, fee uint64) error {
	if err := r.auth.Check(access.OpSetFees, caller); err != nil {
		return err
	}
	r.mu.Lock()
	if fee > r.cfg.MaxFee {
		r.mu.Unlock()
		return vaulterr.ErrMinMax
	}
	r.cfg.MinFee = fee
	r.mu.Unlock()

	events.Emit(ctx, r.emitter, model.Event{Type: model.EventMinFeeChanged, Amount: strconv.FormatUint(fee, 10)})
	return nil
}

// SetMaxFee sets the upper fee percentage bound in basis points.
func (r *Registry) SetMaxFee(ctx context.Context, caller common.Address, fee uint64) error {
	if err := r.auth.Check(access.OpSetFees, caller); err != nil {
		return err
	}
	if fee > model.FeeFactor {
		return vaulterr.Wrapf(vaulterr.ErrFee, "max fee %d above %d", fee, model.FeeFactor)
	}
	r.mu.Lock()
	if fee < r.cfg.MinFee {
		r.mu.Unlock()
		return vaulterr.ErrMinMax
	}
	r.cfg.MaxFee = fee
	r.mu.Unlock()

	events.Emit(ctx, r.emitter, model.Event{Type: model.EventMaxFeeChanged, Amount: strconv.FormatUint(fee, 10)})
	return nil
}

// FeeBounds returns the configured [min, max] fee percentage.
func (r *Registry) FeeBounds() (uint64, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.MinFee, r.cfg.MaxFee
}

// CheckFeePercentage validates a per-withdrawal fee percentage. Zero is always allowed.
func (r *Registry) CheckFeePercentage(fee uint64) error {
	min, max := r.FeeBounds()
	if fee == 0 {
		return nil
	}
	if fee < min || fee > max {
		return vaulterr.Wrapf(vaulterr.ErrFee, "fee %d outside [%d, %d]", fee, min, max)
	}
	return nil
}

// SetFeeToken accepts feeToken on networkID with a flat amount charged per transfer.
func (r *Registry) SetFeeToken(_ context.Context, caller common.Address, networkID uint64, feeToken common.Address, amount *uint256.Int) error {
	if err := r.auth.Check(access.OpSetFees, caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byToken, ok := r.feeTokens[networkID]
	if !ok {
		byToken = make(map[common.Address]*uint256.Int)
		r.feeTokens[networkID] = byToken
	}
	byToken[feeToken] = model.Amount(amount)
	return nil
}

// RemoveFeeToken stops accepting feeToken on networkID.
func (r *Registry) RemoveFeeToken(_ context.Context, caller common.Address, networkID uint64, feeToken common.Address) error {
	if err := r.auth.Check(access.OpSetFees, caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.feeTokens[networkID], feeToken)
	return nil
}

// FeeTokenAmount returns the flat fee for feeToken on networkID.
func (r *Registry) FeeTokenAmount(networkID uint64, feeToken common.Address) (*uint256.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	amount, ok := r.feeTokens[networkID][feeToken]
	if !ok {
		return nil, vaulterr.Wrapf(vaulterr.ErrFeeToken, "%s not accepted on network %d", feeToken.Hex(), networkID)
	}
	return model.Amount(amount), nil
}

// SetSmallBalanceSwap toggles native top-up swaps during settlement.
func (r *Registry) SetSmallBalanceSwap(_ context.Context, caller common.Address, enabled bool) error {
	if err := r.auth.Check(access.OpSetVaultConfig, caller); err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg.SmallBalanceSwap = enabled
	r.mu.Unlock()
	return nil
}

// SmallBalanceSwapEnabled reports the native top-up flag.
func (r *Registry) SmallBalanceSwapEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.SmallBalanceSwap
}

// SetTransferLockup sets the minimum interval between transfers of one sender and token.
func (r *Registry) SetTransferLockup(_ context.Context, caller common.Address, d time.Duration) error {
	if err := r.auth.Check(access.OpSetVaultConfig, caller); err != nil {
		return err
	}
	if d < 0 {
		return vaulterr.Wrapf(vaulterr.ErrTimestamp, "negative lockup")
	}
	r.mu.Lock()
	r.cfg.TransferLockup = d
	r.mu.Unlock()
	return nil
}

// TransferLockup returns the transfer lockup interval.
func (r *Registry) TransferLockup() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.TransferLockup
}

// SetWrappedNative registers the wrapped native token used for native transfers.
func (r *Registry) SetWrappedNative(_ context.Context, caller common.Address, token common.Address) error {
	if err := r.auth.Check(access.OpSetVaultConfig, caller); err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg.WrappedNative = token
	r.mu.Unlock()
	return nil
}

// WrappedNative returns the wrapped native token, zero when unset.
func (r *Registry) WrappedNative() common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.WrappedNative
}

// State is the serialisable registry content.
type State struct {
	Tokens           []model.Token   `json:"tokens"`
	PausedNetworks   []uint64        `json:"paused_networks,omitempty"`
	FeeTokens        []FeeTokenState `json:"fee_tokens,omitempty"`
	MinFee           uint64          `json:"min_fee"`
	MaxFee           uint64          `json:"max_fee"`
	TransferLockup   time.Duration   `json:"transfer_lockup"`
	SmallBalanceSwap bool            `json:"small_balance_swap"`
	WrappedNative    common.Address  `json:"wrapped_native"`
}

// FeeTokenState is one accepted fee token.
type FeeTokenState struct {
	NetworkID uint64         `json:"network_id"`
	Token     common.Address `json:"token"`
	Amount    string         `json:"amount"`
}

// Snapshot captures the registry for persistence.
func (r *Registry) Snapshot() State {
	st := State{Tokens: r.Tokens()}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.paused {
		st.PausedNetworks = append(st.PausedNetworks, id)
	}
	sort.Slice(st.PausedNetworks, func(i, j int) bool { return st.PausedNetworks[i] < st.PausedNetworks[j] })
	for id, byToken := range r.feeTokens {
		for token, amount := range byToken {
			st.FeeTokens = append(st.FeeTokens, FeeTokenState{NetworkID: id, Token: token, Amount: amount.Dec()})
		}
	}
	sort.Slice(st.FeeTokens, func(i, j int) bool {
		if st.FeeTokens[i].NetworkID != st.FeeTokens[j].NetworkID {
			return st.FeeTokens[i].NetworkID < st.FeeTokens[j].NetworkID
		}
		return st.FeeTokens[i].Token.Hex() < st.FeeTokens[j].Token.Hex()
	})
	st.MinFee = r.cfg.MinFee
	st.MaxFee = r.cfg.MaxFee
	st.TransferLockup = r.cfg.TransferLockup
	st.SmallBalanceSwap = r.cfg.SmallBalanceSwap
	st.WrappedNative = r.cfg.WrappedNative
	return st
}

// Restore replaces the registry content with st.
func (r *Registry) Restore(st State) error {
	tokens := make(map[common.Address]*tokenEntry, len(st.Tokens))
	receipts := make(map[common.Address]common.Address, len(st.Tokens))
	for _, tok := range st.Tokens {
		min, err := model.ParseAmount(tok.MinTransfer)
		if err != nil {
			return err
		}
		max, err := model.ParseAmount(tok.MaxTransfer)
		if err != nil {
			return err
		}
		entry := &tokenEntry{
			address:  tok.Address,
			symbol:   tok.Symbol,
			decimals: tok.Decimals,
			receipt:  ReceiptAddress(tok.Address),
			min:      min,
			max:      max,
			remote:   make(map[uint64]model.RemoteMapping, len(tok.Remote)),
		}
		for id, m := range tok.Remote {
			entry.remote[id] = m
		}
		tokens[tok.Address] = entry
		receipts[entry.receipt] = tok.Address
	}
	feeTokens := make(map[uint64]map[common.Address]*uint256.Int)
	for _, ft := range st.FeeTokens {
		amount, err := model.ParseAmount(ft.Amount)
		if err != nil {
			return err
		}
		if feeTokens[ft.NetworkID] == nil {
			feeTokens[ft.NetworkID] = make(map[common.Address]*uint256.Int)
		}
		feeTokens[ft.NetworkID][ft.Token] = amount
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = tokens
	r.receipts = receipts
	r.feeTokens = feeTokens
	r.paused = make(map[uint64]bool, len(st.PausedNetworks))
	for _, id := range st.PausedNetworks {
		r.paused[id] = true
	}
	r.cfg.MinFee = st.MinFee
	if st.MaxFee > 0 {
		r.cfg.MaxFee = st.MaxFee
	}
	r.cfg.TransferLockup = st.TransferLockup
	r.cfg.SmallBalanceSwap = st.SmallBalanceSwap
	r.cfg.WrappedNative = st.WrappedNative
	return nil
}
