package withdrawal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityVault/internal/access"
	"liquidityVault/internal/barrier"
	"liquidityVault/internal/events"
	"liquidityVault/internal/holding"
	"liquidityVault/internal/ledger"
	"liquidityVault/internal/metrics"
	"liquidityVault/internal/model"
	"liquidityVault/internal/registry"
	"liquidityVault/internal/swap"
	"liquidityVault/internal/vaulterr"
)

// ShortfallCoverer pulls liquidity back from strategies during settlement.
type ShortfallCoverer interface {
	CoverShortfall(ctx context.Context, token common.Address, need *uint256.Int, strategyIDs []string, data [][]byte) (*uint256.Int, error)
}

// Config tunes the coordinator.
type Config struct {
	FeeReceiver common.Address
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Registry   *registry.Registry
	Ledger     *ledger.Ledger
	Holding    *holding.Holding
	Strategies ShortfallCoverer
	Router     *swap.Router
	Natives    *swap.NativeSwappers
	Store      Store
	Auth       *access.Authorizer
	Emitter    events.Emitter
	Metrics    *metrics.VaultMetrics
	Barrier    *barrier.Barrier
	Now        func() time.Time
}

// Request asks for receipts to be redeemed, here or on another network.
type Request struct {
	ReceiptToken common.Address
	AmountIn     *uint256.Int
	TokenOut     common.Address
	Receiver     common.Address
	AmmID        uint64
	NetworkID    uint64
	Data         []byte
}

// Settlement is the relayer's instruction to pay out a withdrawal id.
type Settlement struct {
	ID              common.Hash
	Receiver        common.Address
	AmountIn        *uint256.Int
	RequestedAmount *uint256.Int
	TokenIn         common.Address
	TokenOut        common.Address
	AmountOutMin    *uint256.Int
	Fee             model.FeeSpec
	SwapData        []byte
}

// State is the persisted coordinator counters.
type State struct {
	Nonce          uint64      `json:"nonce"`
	LastWithdrawID common.Hash `json:"last_withdraw_id"`
}

// Coordinator runs the withdrawal state machine.
type Coordinator struct {
	reqMu sync.Mutex

	mu     sync.Mutex
	nonce  uint64
	lastID common.Hash

	cfg        Config
	registry   *registry.Registry
	ledger     *ledger.Ledger
	holding    *holding.Holding
	strategies ShortfallCoverer
	router     *swap.Router
	natives    *swap.NativeSwappers
	store      Store
	auth       *access.Authorizer
	emitter    events.Emitter
	metrics    *metrics.VaultMetrics
	barrier    *barrier.Barrier
	now        func() time.Time
	logger     *zap.Logger
}

func NewCoordinator(cfg Config, deps Deps, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	store := deps.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Coordinator{
		cfg:        cfg,
		registry:   deps.Registry,
		ledger:     deps.Ledger,
		holding:    deps.Holding,
		strategies: deps.Strategies,
		router:     deps.Router,
		natives:    deps.Natives,
		store:      store,
		auth:       deps.Auth,
		emitter:    deps.Emitter,
		metrics:    deps.Metrics,
		barrier:    deps.Barrier,
		now:        now,
		logger:     logger,
	}
}

func (c *Coordinator) timestamp() string {
	return c.now().UTC().Format(time.RFC3339Nano)
}

func (c *Coordinator) nextID(owner, receiver, token, tokenOut common.Address, amount *uint256.Int, networkID, ammID uint64) common.Hash {
	c.mu.Lock()
	c.nonce++
	nonce := c.nonce
	c.mu.Unlock()

	amountBytes := amount.Bytes32()
	var nums [32]byte
	binary.BigEndian.PutUint64(nums[0:8], c.registry.NetworkID())
	binary.BigEndian.PutUint64(nums[8:16], networkID)
	binary.BigEndian.PutUint64(nums[16:24], ammID)
	binary.BigEndian.PutUint64(nums[24:32], nonce)
	return crypto.Keccak256Hash(owner.Bytes(), receiver.Bytes(), token.Bytes(), tokenOut.Bytes(), amountBytes[:], nums[:])
}

// RequestWithdrawal escrows amountIn receipts of owner and records a pending
// withdrawal. Local requests also earmark the liquidity they will consume.
func (c *Coordinator) RequestWithdrawal(ctx context.Context, owner common.Address, req Request) (model.WithdrawalRecord, error) {
	defer c.barrier.Enter()()
	start := time.Now()
	rec, err := c.request(ctx, owner, req)
	c.metrics.ObserveOperation("request_withdrawal", err, time.Since(start))
	if err != nil {
		c.logger.Debug("withdrawal request rejected", zap.String("owner", owner.Hex()), zap.Error(err))
	}
	return rec, err
}

func (c *Coordinator) request(ctx context.Context, owner common.Address, req Request) (model.WithdrawalRecord, error) {
	if req.AmountIn == nil || req.AmountIn.IsZero() {
		return model.WithdrawalRecord{}, vaulterr.ErrAmount
	}
	token, ok := c.registry.UnderlyingOf(req.ReceiptToken)
	if !ok {
		if !c.registry.IsWhitelisted(req.ReceiptToken) {
			return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrToken, "unknown receipt token %s", req.ReceiptToken.Hex())
		}
		token = req.ReceiptToken
	}

	localID := c.registry.NetworkID()
	networkID := req.NetworkID
	if networkID == 0 {
		networkID = localID
	}
	local := networkID == localID
	tokenOut := req.TokenOut
	if local {
		if tokenOut == (common.Address{}) {
			tokenOut = token
		}
		if !c.registry.IsWhitelisted(tokenOut) {
			return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrTokenNotWhitelisted, "token out %s", tokenOut.Hex())
		}
		if tokenOut != token && !c.router.Has(req.AmmID) {
			return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrAMM, "amm %d not registered", req.AmmID)
		}
	} else {
		if c.registry.IsPaused(networkID) {
			return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrPaused, "network %d", networkID)
		}
		mapping, ok := c.registry.RemoteToken(token, networkID)
		if !ok {
			return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrTokenNotWhitelistedRemote, "%s on network %d", token.Hex(), networkID)
		}
		if tokenOut == (common.Address{}) {
			tokenOut = mapping.RemoteToken
		}
	}
	receiver := req.Receiver
	if receiver == (common.Address{}) {
		receiver = owner
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if free := c.ledger.Available(token, owner); free.Lt(req.AmountIn) {
		return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrBalance, "receipts %s requested %s", free.Dec(), req.AmountIn.Dec())
	}
	withdrawable, err := c.holding.WithdrawableReceipts(ctx, owner, token)
	if err != nil {
		return model.WithdrawalRecord{}, err
	}
	if withdrawable.Lt(req.AmountIn) {
		return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrLiquidity, "unlocked receipts %s requested %s", withdrawable.Dec(), req.AmountIn.Dec())
	}
	block, err := c.holding.CurrentBlock(ctx)
	if err != nil {
		return model.WithdrawalRecord{}, err
	}

	id := c.nextID(owner, receiver, token, tokenOut, req.AmountIn, networkID, req.AmmID)
	if err := c.ledger.Escrow(token, owner, req.AmountIn); err != nil {
		return model.WithdrawalRecord{}, err
	}
	if local {
		c.holding.Earmark(token, req.AmountIn)
	}

	now := c.timestamp()
	rec := model.WithdrawalRecord{
		ID:              id,
		Kind:            model.WithdrawalLiquidity,
		Status:          model.WithdrawalPending,
		Owner:           owner,
		Receiver:        receiver,
		NetworkID:       networkID,
		ReceiptToken:    registry.ReceiptAddress(token),
		TokenIn:         token,
		TokenOut:        tokenOut,
		AmountIn:        req.AmountIn.Dec(),
		RequestedAmount: req.AmountIn.Dec(),
		AmmID:           req.AmmID,
		RequestBlock:    block,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.store.PutPending(ctx, rec); err != nil {
		if local {
			c.holding.Unearmark(token, req.AmountIn)
		}
		if rerr := c.ledger.ReleaseEscrow(token, owner, req.AmountIn); rerr != nil {
			c.logger.Error("release escrow after failed request", zap.String("id", id.Hex()), zap.Error(rerr))
		}
		return model.WithdrawalRecord{}, fmt.Errorf("store withdrawal request: %w", err)
	}

	c.logger.Info("withdrawal requested",
		zap.String("id", id.Hex()),
		zap.String("owner", owner.Hex()),
		zap.String("token", token.Hex()),
		zap.String("amount", req.AmountIn.Dec()),
		zap.Uint64("network_id", networkID),
	)
	events.Emit(ctx, c.emitter, model.Event{
		Type:         model.EventWithdrawRequest,
		Token:        token.Hex(),
		Account:      owner.Hex(),
		Counterparty: receiver.Hex(),
		Amount:       req.AmountIn.Dec(),
		NetworkID:    networkID,
		WithdrawalID: id.Hex(),
		Block:        block,
		Attributes: map[string]string{
			"token_out": tokenOut.Hex(),
			"amm_id":    fmt.Sprintf("%d", req.AmmID),
		},
	})
	return rec, nil
}

type feeQuote struct {
	base   *uint256.Int
	pct    *uint256.Int
	total  *uint256.Int
	net    *uint256.Int
	native *uint256.Int
}

// quoteFees deducts base and percentage fees from amount. The native top-up
// is bounded by amount and must also fit in what the fees leave.
func (c *Coordinator) quoteFees(amount *uint256.Int, fee model.FeeSpec) (feeQuote, error) {
	if err := c.registry.CheckFeePercentage(fee.FeePercentage); err != nil {
		return feeQuote{}, err
	}
	pct, _ := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(fee.FeePercentage), uint256.NewInt(model.FeeFactor))
	base := model.Amount(fee.BaseFee)
	total, overflow := new(uint256.Int).AddOverflow(base, pct)
	if overflow || (!total.IsZero() && !total.Lt(amount)) {
		return feeQuote{}, vaulterr.Wrapf(vaulterr.ErrFee, "fee %s not below amount %s", total.Dec(), amount.Dec())
	}
	q := feeQuote{
		base:   base,
		pct:    pct,
		total:  total,
		net:    new(uint256.Int).Sub(amount, total),
		native: model.Amount(fee.AmountToSwapToNative),
	}
	if !q.native.IsZero() {
		if err := c.natives.Validate(c.registry.SmallBalanceSwapEnabled(), fee.NativeSwapperID, q.native, amount); err != nil {
			return feeQuote{}, err
		}
		if q.native.Gt(q.net) {
			return feeQuote{}, vaulterr.Wrapf(vaulterr.ErrTooHigh, "native swap %s above amount after fees %s", q.native.Dec(), q.net.Dec())
		}
	}
	return q, nil
}

// SettleWithdrawal pays out id. A pending local request is redeemed against
// its escrowed receipts; an unknown id is a cross-network transfer payout.
// Each id settles at most once.
func (c *Coordinator) SettleWithdrawal(ctx context.Context, caller common.Address, s Settlement) (model.WithdrawalRecord, error) {
	defer c.barrier.Enter()()
	start := time.Now()
	rec, err := c.settle(ctx, caller, s)
	c.metrics.ObserveOperation("settle_withdrawal", err, time.Since(start))
	if err != nil {
		c.logger.Debug("settlement rejected", zap.String("id", s.ID.Hex()), zap.Error(err))
	}
	return rec, err
}

func (c *Coordinator) settle(ctx context.Context, caller common.Address, s Settlement) (model.WithdrawalRecord, error) {
	if err := c.auth.Check(access.OpSettleWithdrawal, caller); err != nil {
		return model.WithdrawalRecord{}, err
	}
	if s.ID == (common.Hash{}) {
		return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrNotFound, "withdrawal id required")
	}
	if s.AmountIn == nil || s.AmountIn.IsZero() {
		return model.WithdrawalRecord{}, vaulterr.ErrAmount
	}
	if !c.registry.IsWhitelisted(s.TokenIn) {
		return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrTokenNotWhitelisted, "token in %s", s.TokenIn.Hex())
	}
	now := c.timestamp()
	requested := model.Amount(s.RequestedAmount)
	if requested.IsZero() {
		requested.Set(s.AmountIn)
	}
	rec, existed, err := c.store.Claim(ctx, s.ID, model.WithdrawalRecord{
		Kind:            model.WithdrawalTransfer,
		Receiver:        s.Receiver,
		NetworkID:       c.registry.NetworkID(),
		TokenIn:         s.TokenIn,
		TokenOut:        s.TokenOut,
		AmountIn:        s.AmountIn.Dec(),
		RequestedAmount: requested.Dec(),
		AmmID:           s.Fee.AmmID,
		CreatedAt:       now,
	})
	if err != nil {
		return model.WithdrawalRecord{}, err
	}
	abandon := func() {
		if err := c.store.Abandon(ctx, s.ID, existed); err != nil {
			c.logger.Error("abandon claim", zap.String("id", s.ID.Hex()), zap.Error(err))
		}
	}
	// The vault balance is checked before any fee validation.
	if err := c.holding.CheckCustodied(s.TokenIn, s.AmountIn); err != nil {
		abandon()
		return model.WithdrawalRecord{}, err
	}
	fees, err := c.quoteFees(s.AmountIn, s.Fee)
	if err != nil {
		abandon()
		return model.WithdrawalRecord{}, err
	}

	var earmark *uint256.Int
	if existed {
		if err := c.checkRedeemable(rec, s); err != nil {
			abandon()
			return model.WithdrawalRecord{}, err
		}
		earmark = s.AmountIn
		if s.Receiver == (common.Address{}) {
			s.Receiver = rec.Receiver
		}
		if s.TokenOut == (common.Address{}) {
			s.TokenOut = rec.TokenOut
		}
	}
	if s.Receiver == (common.Address{}) {
		abandon()
		return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrAddress, "receiver required")
	}
	if s.TokenOut == (common.Address{}) {
		s.TokenOut = s.TokenIn
	}
	swapping := s.TokenOut != s.TokenIn && fees.net.Gt(fees.native)
	if swapping && !c.router.Has(s.Fee.AmmID) {
		abandon()
		return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrAMM, "amm %d not registered", s.Fee.AmmID)
	}

	reservation, err := c.reserve(ctx, s, earmark)
	if err != nil {
		abandon()
		return model.WithdrawalRecord{}, err
	}

	swapIn := new(uint256.Int).Sub(fees.net, fees.native)
	// Both legs are priced before either executes, so a min-out miss leaves
	// no trade behind.
	if err := c.checkQuotes(ctx, s, fees, swapIn, swapping); err != nil {
		reservation.Cancel()
		abandon()
		return model.WithdrawalRecord{}, err
	}
	amountOut := swapIn
	if swapping {
		amountOut, err = c.router.Swap(ctx, s.Fee.AmmID, s.TokenIn, s.TokenOut, swapIn, s.AmountOutMin, s.SwapData)
		if err != nil {
			reservation.Cancel()
			abandon()
			return model.WithdrawalRecord{}, err
		}
	}
	nativeOut := new(uint256.Int)
	if !fees.native.IsZero() {
		nativeOut, err = c.natives.SwapToNative(ctx, s.Fee.NativeSwapperID, s.TokenIn, fees.native, s.Fee.MinAmountOutNative, nil)
		if err != nil {
			if swapping {
				c.logger.Error("native leg failed after router swap", zap.String("id", s.ID.Hex()), zap.String("amount_out", amountOut.Dec()), zap.Error(err))
			}
			reservation.Cancel()
			abandon()
			return model.WithdrawalRecord{}, err
		}
	}

	reservation.Commit()
	if existed {
		if err := c.ledger.BurnEscrow(s.TokenIn, rec.Owner, s.AmountIn); err != nil {
			// Funds have left; the id stays claimed so it cannot be paid twice.
			c.logger.Error("burn escrow after payout", zap.String("id", s.ID.Hex()), zap.Error(err))
			return model.WithdrawalRecord{}, fmt.Errorf("burn escrow for %s: %w", s.ID.Hex(), err)
		}
	}

	block, err := c.holding.CurrentBlock(ctx)
	if err != nil {
		c.logger.Warn("settled block unavailable", zap.String("id", s.ID.Hex()), zap.Error(err))
	}
	rec.Receiver = s.Receiver
	rec.TokenOut = s.TokenOut
	rec.AmountOut = amountOut.Dec()
	rec.RequestedAmount = requested.Dec()
	rec.AmmID = s.Fee.AmmID
	if !nativeOut.IsZero() {
		rec.NativeOut = nativeOut.Dec()
	}
	rec.Fee = model.FeeBreakdown{
		BaseFee:       fees.base.Dec(),
		PercentageFee: fees.pct.Dec(),
		Total:         fees.total.Dec(),
	}
	if !fees.total.IsZero() {
		rec.Fee.FeeReceiver = c.cfg.FeeReceiver.Hex()
	}
	rec.SettledBlock = block
	rec.UpdatedAt = c.timestamp()
	if err := c.store.Complete(ctx, rec); err != nil {
		// Funds have left; the id stays claimed so it cannot be paid twice.
		c.logger.Error("record settlement", zap.String("id", s.ID.Hex()), zap.Error(err))
		return model.WithdrawalRecord{}, fmt.Errorf("complete withdrawal %s: %w", s.ID.Hex(), err)
	}
	rec.Status = model.WithdrawalSettled

	c.mu.Lock()
	c.lastID = s.ID
	c.mu.Unlock()

	c.logger.Info("withdrawal settled",
		zap.String("id", s.ID.Hex()),
		zap.String("kind", string(rec.Kind)),
		zap.String("receiver", s.Receiver.Hex()),
		zap.String("amount_in", s.AmountIn.Dec()),
		zap.String("amount_out", amountOut.Dec()),
		zap.String("fee", fees.total.Dec()),
	)
	c.emitSettled(ctx, rec, existed)
	if !nativeOut.IsZero() {
		events.Emit(ctx, c.emitter, model.Event{
			Type:         model.EventSwappedToNative,
			Token:        s.TokenIn.Hex(),
			Counterparty: s.Receiver.Hex(),
			Amount:       fees.native.Dec(),
			WithdrawalID: s.ID.Hex(),
			Attributes:   map[string]string{"native_out": nativeOut.Dec()},
		})
	}
	return rec, nil
}

// checkRedeemable validates a settlement against the pending request it redeems.
func (c *Coordinator) checkRedeemable(rec model.WithdrawalRecord, s Settlement) error {
	if rec.NetworkID != c.registry.NetworkID() {
		return vaulterr.Wrapf(vaulterr.ErrToken, "withdrawal %s targets network %d", rec.ID.Hex(), rec.NetworkID)
	}
	if rec.TokenIn != s.TokenIn {
		return vaulterr.Wrapf(vaulterr.ErrToken, "withdrawal %s is for %s", rec.ID.Hex(), rec.TokenIn.Hex())
	}
	amount, err := model.ParseAmount(rec.AmountIn)
	if err != nil {
		return err
	}
	if amount.Cmp(s.AmountIn) != 0 {
		return vaulterr.Wrapf(vaulterr.ErrAmount, "withdrawal %s is for %s", rec.ID.Hex(), amount.Dec())
	}
	if escrowed := c.ledger.Escrowed(s.TokenIn, rec.Owner); escrowed.Lt(amount) {
		return vaulterr.Wrapf(vaulterr.ErrBalance, "escrowed %s", escrowed.Dec())
	}
	return nil
}

// checkQuotes prices the router leg against AmountOutMin and the native leg
// against MinAmountOutNative.
func (c *Coordinator) checkQuotes(ctx context.Context, s Settlement, fees feeQuote, swapIn *uint256.Int, swapping bool) error {
	if swapping {
		quoted, err := c.router.Quote(ctx, s.Fee.AmmID, s.TokenIn, s.TokenOut, swapIn, s.SwapData)
		if err != nil {
			return err
		}
		if s.AmountOutMin != nil && quoted.Lt(s.AmountOutMin) {
			return vaulterr.Wrapf(vaulterr.ErrMinAmountOut, "amm %d quoted %s, want %s", s.Fee.AmmID, quoted.Dec(), s.AmountOutMin.Dec())
		}
	}
	if !fees.native.IsZero() {
		return c.natives.CheckQuote(ctx, s.Fee.NativeSwapperID, s.TokenIn, fees.native, s.Fee.MinAmountOutNative, nil)
	}
	return nil
}

// reserve holds the payout in the holding, first pulling any shortfall out of
// the strategies listed in the FeeSpec.
func (c *Coordinator) reserve(ctx context.Context, s Settlement, earmark *uint256.Int) (*holding.Reservation, error) {
	res, err := c.holding.Reserve(s.TokenIn, s.AmountIn, earmark)
	if err == nil || !errors.Is(err, vaulterr.ErrLiquidity) || len(s.Fee.InvestmentStrategies) == 0 || c.strategies == nil {
		return res, err
	}

	available := c.holding.AvailableLiquidity(s.TokenIn)
	if earmark != nil {
		available.Add(available, earmark)
	}
	if !available.Lt(s.AmountIn) {
		return nil, err
	}
	need := new(uint256.Int).Sub(s.AmountIn, available)
	recovered, cerr := c.strategies.CoverShortfall(ctx, s.TokenIn, need, s.Fee.InvestmentStrategies, s.Fee.InvestmentStrategiesData)
	if cerr != nil {
		return nil, cerr
	}
	c.logger.Info("strategy liquidity recovered for settlement",
		zap.String("id", s.ID.Hex()),
		zap.String("token", s.TokenIn.Hex()),
		zap.String("need", need.Dec()),
		zap.String("recovered", recovered.Dec()),
	)
	return c.holding.Reserve(s.TokenIn, s.AmountIn, earmark)
}

func (c *Coordinator) emitSettled(ctx context.Context, rec model.WithdrawalRecord, redeemed bool) {
	typ := model.EventWithdrawalCompleted
	if redeemed {
		typ = model.EventLiquidityWithdrawn
	}
	events.Emit(ctx, c.emitter, model.Event{
		Type:         typ,
		Token:        rec.TokenIn.Hex(),
		Account:      rec.Owner.Hex(),
		Counterparty: rec.Receiver.Hex(),
		Amount:       rec.AmountIn,
		NetworkID:    rec.NetworkID,
		WithdrawalID: rec.ID.Hex(),
		Block:        rec.SettledBlock,
		Attributes: map[string]string{
			"token_out":  rec.TokenOut.Hex(),
			"amount_out": rec.AmountOut,
			"fee":        rec.Fee.Total,
			"requested":  rec.RequestedAmount,
		},
	})
}

// FinalizeRemote burns the escrow of a request paid out on another network.
func (c *Coordinator) FinalizeRemote(ctx context.Context, caller common.Address, id common.Hash) (model.WithdrawalRecord, error) {
	defer c.barrier.Enter()()
	start := time.Now()
	rec, err := c.finalize(ctx, caller, id)
	c.metrics.ObserveOperation("finalize_withdrawal", err, time.Since(start))
	return rec, err
}

func (c *Coordinator) finalize(ctx context.Context, caller common.Address, id common.Hash) (model.WithdrawalRecord, error) {
	if err := c.auth.Check(access.OpFinalizeWithdrawal, caller); err != nil {
		return model.WithdrawalRecord{}, err
	}
	cur, ok, err := c.store.Get(ctx, id)
	if err != nil {
		return model.WithdrawalRecord{}, fmt.Errorf("load withdrawal: %w", err)
	}
	if !ok {
		return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrNotFound, "withdrawal %s", id.Hex())
	}
	if cur.Status != model.WithdrawalPending {
		return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrWithdrawn, "withdrawal %s is %s", id.Hex(), cur.Status)
	}
	if cur.NetworkID == c.registry.NetworkID() {
		return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrToken, "local withdrawal %s must be settled", id.Hex())
	}

	rec, existed, err := c.store.Claim(ctx, id, model.WithdrawalRecord{})
	if err != nil {
		return model.WithdrawalRecord{}, err
	}
	if !existed {
		_ = c.store.Abandon(ctx, id, false)
		return model.WithdrawalRecord{}, vaulterr.Wrapf(vaulterr.ErrNotFound, "withdrawal %s", id.Hex())
	}
	amount, err := model.ParseAmount(rec.AmountIn)
	if err == nil {
		err = c.ledger.BurnEscrow(rec.TokenIn, rec.Owner, amount)
	}
	if err != nil {
		if aerr := c.store.Abandon(ctx, id, true); aerr != nil {
			c.logger.Error("abandon claim", zap.String("id", id.Hex()), zap.Error(aerr))
		}
		return model.WithdrawalRecord{}, err
	}

	block, err := c.holding.CurrentBlock(ctx)
	if err != nil {
		c.logger.Warn("finalized block unavailable", zap.String("id", id.Hex()), zap.Error(err))
	}
	rec.SettledBlock = block
	rec.UpdatedAt = c.timestamp()
	if err := c.store.Complete(ctx, rec); err != nil {
		c.logger.Error("record finalization", zap.String("id", id.Hex()), zap.Error(err))
		return model.WithdrawalRecord{}, fmt.Errorf("complete withdrawal %s: %w", id.Hex(), err)
	}
	rec.Status = model.WithdrawalSettled

	c.logger.Info("remote withdrawal finalized", zap.String("id", id.Hex()), zap.Uint64("network_id", rec.NetworkID))
	events.Emit(ctx, c.emitter, model.Event{
		Type:         model.EventWithdrawalFinalized,
		Token:        rec.TokenIn.Hex(),
		Account:      rec.Owner.Hex(),
		Amount:       rec.AmountIn,
		NetworkID:    rec.NetworkID,
		WithdrawalID: id.Hex(),
		Block:        block,
	})
	return rec, nil
}

// Get returns the record for id.
func (c *Coordinator) Get(ctx context.Context, id common.Hash) (model.WithdrawalRecord, bool, error) {
	return c.store.Get(ctx, id)
}

// List returns records with status, newest first.
func (c *Coordinator) List(ctx context.Context, status model.WithdrawalStatus, limit int) ([]model.WithdrawalRecord, error) {
	return c.store.List(ctx, status, limit)
}

// LastWithdrawID is the id of the most recent settlement.
func (c *Coordinator) LastWithdrawID() common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Nonce: c.nonce, LastWithdrawID: c.lastID}
}

func (c *Coordinator) Restore(st State) {
	c.mu.Lock()
	c.nonce = st.Nonce
	c.lastID = st.LastWithdrawID
	c.mu.Unlock()
}
