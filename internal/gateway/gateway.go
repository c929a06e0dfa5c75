package gateway

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityVault/internal/barrier"
	"liquidityVault/internal/events"
	"liquidityVault/internal/holding"
	"liquidityVault/internal/ledger"
	"liquidityVault/internal/metrics"
	"liquidityVault/internal/model"
	"liquidityVault/internal/registry"
	"liquidityVault/internal/vaulterr"
)

// Deps are the collaborators of a Gateway.
type Deps struct {
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Holding  *holding.Holding
	Emitter  events.Emitter
	Metrics  *metrics.VaultMetrics
	Barrier  *barrier.Barrier
	Now      func() time.Time
}

// Transfer is a cross-network transfer request.
type Transfer struct {
	Amount               *uint256.Int
	TokenIn              common.Address
	TokenOut             common.Address
	Destination          common.Address
	DestinationNetworkID uint64
	SlippageBps          uint64
	FeeToken             common.Address
	AmmID                uint64
	ExtraData            []byte
	IsNative             bool
}

type timerKey struct {
	sender common.Address
	token  common.Address
}

// Gateway accepts deposits and outbound transfers.
type Gateway struct {
	mu           sync.Mutex
	nonce        uint64
	lastTransfer map[timerKey]time.Time

	registry *registry.Registry
	ledger   *ledger.Ledger
	holding  *holding.Holding
	emitter  events.Emitter
	metrics  *metrics.VaultMetrics
	barrier  *barrier.Barrier
	now      func() time.Time
	logger   *zap.Logger
}

func New(deps Deps, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		lastTransfer: make(map[timerKey]time.Time),
		registry:     deps.Registry,
		ledger:       deps.Ledger,
		holding:      deps.Holding,
		emitter:      deps.Emitter,
		metrics:      deps.Metrics,
		barrier:      deps.Barrier,
		now:          now,
		logger:       logger,
	}
}

// TransferToLayer custodies amount of tokenIn for payout on another network.
func (g *Gateway) TransferToLayer(ctx context.Context, sender common.Address, t Transfer) (model.TransferRecord, error) {
	defer g.barrier.Enter()()
	start := time.Now()
	rec, err := g.transfer(ctx, sender, t)
	g.metrics.ObserveOperation("transfer_to_layer", err, time.Since(start))
	if err != nil {
		g.logger.Debug("transfer rejected", zap.String("sender", sender.Hex()), zap.Error(err))
	}
	return rec, err
}

func (g *Gateway) validate(sender common.Address, t Transfer) (model.RemoteMapping, *uint256.Int, error) {
	if t.Amount == nil || t.Amount.IsZero() {
		return model.RemoteMapping{}, nil, vaulterr.ErrAmount
	}
	if !g.registry.IsWhitelisted(t.TokenIn) {
		return model.RemoteMapping{}, nil, vaulterr.Wrapf(vaulterr.ErrTokenNotWhitelisted, "token %s", t.TokenIn.Hex())
	}
	if err := g.registry.CheckTransferAmount(t.TokenIn, t.Amount); err != nil {
		return model.RemoteMapping{}, nil, err
	}
	if t.DestinationNetworkID == g.registry.NetworkID() {
		return model.RemoteMapping{}, nil, vaulterr.Wrapf(vaulterr.ErrTokenNotWhitelistedRemote, "destination is this network")
	}
	if g.registry.IsPaused(t.DestinationNetworkID) {
		return model.RemoteMapping{}, nil, vaulterr.Wrapf(vaulterr.ErrPaused, "network %d", t.DestinationNetworkID)
	}
	fee, err := g.registry.FeeTokenAmount(t.DestinationNetworkID, t.FeeToken)
	if err != nil {
		return model.RemoteMapping{}, nil, err
	}
	mapping, ok := g.registry.RemoteToken(t.TokenIn, t.DestinationNetworkID)
	if !ok {
		return model.RemoteMapping{}, nil, vaulterr.Wrapf(vaulterr.ErrTokenNotWhitelistedRemote, "%s on network %d", t.TokenIn.Hex(), t.DestinationNetworkID)
	}
	if t.IsNative {
		wrapped := g.registry.WrappedNative()
		if wrapped == (common.Address{}) || wrapped != t.TokenIn {
			return model.RemoteMapping{}, nil, vaulterr.Wrapf(vaulterr.ErrNative, "native transfers use %s", wrapped.Hex())
		}
	}
	if t.SlippageBps > model.FeeFactor {
		return model.RemoteMapping{}, nil, vaulterr.Wrapf(vaulterr.ErrSlippage, "%d bps", t.SlippageBps)
	}
	if sender == (common.Address{}) {
		return model.RemoteMapping{}, nil, vaulterr.Wrapf(vaulterr.ErrAddress, "sender required")
	}
	return mapping, fee, nil
}

func (g *Gateway) transfer(ctx context.Context, sender common.Address, t Transfer) (model.TransferRecord, error) {
	mapping, fee, err := g.validate(sender, t)
	if err != nil {
		return model.TransferRecord{}, err
	}
	lockup := g.registry.TransferLockup()
	now := g.now()
	k := timerKey{sender, t.TokenIn}

	g.mu.Lock()
	if last, ok := g.lastTransfer[k]; ok && lockup > 0 && now.Before(last.Add(lockup)) {
		g.mu.Unlock()
		return model.TransferRecord{}, vaulterr.Wrapf(vaulterr.ErrTimestamp, "next transfer after %s", last.Add(lockup).UTC().Format(time.RFC3339))
	}
	g.nonce++
	nonce := g.nonce
	prev, hadPrev := g.lastTransfer[k]
	g.lastTransfer[k] = now
	g.mu.Unlock()

	if err := g.holding.Custody(t.TokenIn, t.Amount); err != nil {
		g.mu.Lock()
		if hadPrev {
			g.lastTransfer[k] = prev
		} else {
			delete(g.lastTransfer, k)
		}
		g.mu.Unlock()
		return model.TransferRecord{}, err
	}
	g.holding.CollectFee(t.FeeToken, fee)

	block, err := g.holding.CurrentBlock(ctx)
	if err != nil {
		g.logger.Warn("transfer block unavailable", zap.Error(err))
	}
	tokenOut := t.TokenOut
	if tokenOut == (common.Address{}) {
		tokenOut = mapping.RemoteToken
	}
	destination := t.Destination
	if destination == (common.Address{}) {
		destination = sender
	}
	rec := model.TransferRecord{
		ID:                   transferID(g.registry.NetworkID(), sender, t, nonce),
		Sender:               sender,
		Destination:          destination,
		TokenIn:              t.TokenIn,
		TokenOut:             tokenOut,
		RemoteToken:          mapping.RemoteToken,
		Amount:               t.Amount.Dec(),
		DestinationNetworkID: t.DestinationNetworkID,
		SlippageBps:          t.SlippageBps,
		FeeToken:             t.FeeToken,
		FeeAmount:            fee.Dec(),
		AmmID:                t.AmmID,
		IsNative:             t.IsNative,
		Block:                block,
	}

	g.logger.Info("transfer initiated",
		zap.String("id", rec.ID.Hex()),
		zap.String("sender", sender.Hex()),
		zap.String("token", t.TokenIn.Hex()),
		zap.String("amount", rec.Amount),
		zap.Uint64("destination_network", t.DestinationNetworkID),
	)
	events.Emit(ctx, g.emitter, model.Event{
		Type:         model.EventTransferInitiated,
		Token:        t.TokenIn.Hex(),
		Account:      sender.Hex(),
		Counterparty: destination.Hex(),
		Amount:       rec.Amount,
		NetworkID:    t.DestinationNetworkID,
		WithdrawalID: rec.ID.Hex(),
		Block:        block,
		Attributes: map[string]string{
			"token_out":    tokenOut.Hex(),
			"remote_token": mapping.RemoteToken.Hex(),
			"ratio":        fmt.Sprintf("%d", mapping.Ratio),
			"slippage_bps": fmt.Sprintf("%d", t.SlippageBps),
			"fee_token":    t.FeeToken.Hex(),
			"fee_amount":   rec.FeeAmount,
			"amm_id":       fmt.Sprintf("%d", t.AmmID),
			"is_native":    fmt.Sprintf("%t", t.IsNative),
		},
	})
	return rec, nil
}

// transferID is the withdrawal id the destination network settles against.
func transferID(networkID uint64, sender common.Address, t Transfer, nonce uint64) common.Hash {
	amount := t.Amount.Bytes32()
	var nums [24]byte
	binary.BigEndian.PutUint64(nums[0:8], networkID)
	binary.BigEndian.PutUint64(nums[8:16], t.DestinationNetworkID)
	binary.BigEndian.PutUint64(nums[16:24], nonce)
	return crypto.Keccak256Hash(sender.Bytes(), t.TokenIn.Bytes(), amount[:], nums[:])
}

// ProvideLiquidity mints receipts 1:1 for a passive deposit.
func (g *Gateway) ProvideLiquidity(ctx context.Context, provider common.Address, token common.Address, amount *uint256.Int) error {
	defer g.barrier.Enter()()
	start := time.Now()
	err := g.deposit(ctx, provider, token, amount, 0)
	g.metrics.ObserveOperation("provide_liquidity", err, time.Since(start))
	return err
}

// ProvideActiveLiquidity mints receipts 1:1 and locks them for lockBlocks blocks.
func (g *Gateway) ProvideActiveLiquidity(ctx context.Context, provider common.Address, token common.Address, amount *uint256.Int, lockBlocks uint64) (holding.Commitment, error) {
	defer g.barrier.Enter()()
	start := time.Now()
	var c holding.Commitment
	err := g.deposit(ctx, provider, token, amount, lockBlocks)
	if err == nil && lockBlocks > 0 {
		c, err = g.lock(ctx, provider, token, amount, lockBlocks)
	}
	g.metrics.ObserveOperation("provide_active_liquidity", err, time.Since(start))
	return c, err
}

func (g *Gateway) deposit(ctx context.Context, provider, token common.Address, amount *uint256.Int, lockBlocks uint64) error {
	if amount == nil || amount.IsZero() {
		return vaulterr.ErrAmount
	}
	if g.holding.Paused() {
		return vaulterr.ErrPaused
	}
	if err := g.ledger.Mint(token, provider, amount); err != nil {
		return err
	}
	if err := g.holding.Custody(token, amount); err != nil {
		if berr := g.ledger.Burn(token, provider, amount); berr != nil {
			g.logger.Error("burn after failed custody", zap.String("token", token.Hex()), zap.Error(berr))
		}
		return err
	}
	if lockBlocks == 0 {
		g.emitDeposit(ctx, provider, token, amount, 0)
	}
	return nil
}

func (g *Gateway) lock(ctx context.Context, provider, token common.Address, amount *uint256.Int, lockBlocks uint64) (holding.Commitment, error) {
	c, err := g.holding.LockActiveLiquidity(ctx, provider, token, amount, lockBlocks)
	if err != nil {
		if uerr := g.holding.Uncustody(token, amount); uerr != nil {
			g.logger.Error("uncustody after failed lock", zap.String("token", token.Hex()), zap.Error(uerr))
		}
		if berr := g.ledger.Burn(token, provider, amount); berr != nil {
			g.logger.Error("burn after failed lock", zap.String("token", token.Hex()), zap.Error(berr))
		}
		return holding.Commitment{}, err
	}
	g.emitDeposit(ctx, provider, token, amount, c.UnlockBlock)
	return c, nil
}

func (g *Gateway) emitDeposit(ctx context.Context, provider, token common.Address, amount *uint256.Int, unlockBlock uint64) {
	attrs := map[string]string{"receipt": registry.ReceiptAddress(token).Hex()}
	if unlockBlock > 0 {
		attrs["unlock_block"] = fmt.Sprintf("%d", unlockBlock)
	}
	g.logger.Info("liquidity deposited",
		zap.String("provider", provider.Hex()),
		zap.String("token", token.Hex()),
		zap.String("amount", amount.Dec()),
		zap.Uint64("unlock_block", unlockBlock),
	)
	events.Emit(ctx, g.emitter, model.Event{
		Type:       model.EventLiquidityDeposited,
		Token:      token.Hex(),
		Account:    provider.Hex(),
		Amount:     amount.Dec(),
		Attributes: attrs,
	})
}

// TransferTimer is the persisted last-transfer time of a sender and token.
type TransferTimer struct {
	Sender common.Address `json:"sender"`
	Token  common.Address `json:"token"`
	At     time.Time      `json:"at"`
}

// State is the persisted gateway state.
type State struct {
	Nonce  uint64          `json:"nonce"`
	Timers []TransferTimer `json:"timers"`
}

func (g *Gateway) Snapshot() State {
	g.mu.Lock()
	st := State{Nonce: g.nonce, Timers: make([]TransferTimer, 0, len(g.lastTransfer))}
	for k, at := range g.lastTransfer {
		st.Timers = append(st.Timers, TransferTimer{Sender: k.sender, Token: k.token, At: at})
	}
	g.mu.Unlock()
	sort.Slice(st.Timers, func(i, j int) bool {
		if st.Timers[i].Sender != st.Timers[j].Sender {
			return st.Timers[i].Sender.Hex() < st.Timers[j].Sender.Hex()
		}
		return st.Timers[i].Token.Hex() < st.Timers[j].Token.Hex()
	})
	return st
}

func (g *Gateway) Restore(st State) {
	timers := make(map[timerKey]time.Time, len(st.Timers))
	for _, t := range st.Timers {
		timers[timerKey{t.Sender, t.Token}] = t.At
	}
	g.mu.Lock()
	g.nonce = st.Nonce
	g.lastTransfer = timers
	g.mu.Unlock()
}
