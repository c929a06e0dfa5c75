package holding

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityVault/internal/access"
	"liquidityVault/internal/barrier"
	"liquidityVault/internal/events"
	"liquidityVault/internal/metrics"
	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

// DefaultSaveFundsLockUp is the initial delay for emergency fund moves.
const DefaultSaveFundsLockUp = 12 * time.Hour

// BlockSource reports the current block height.
type BlockSource interface {
	CurrentBlock(ctx context.Context) (uint64, error)
}

// ReceiptSource is the ledger view needed for active-liquidity checks.
type ReceiptSource interface {
	Available(token, holder common.Address) *uint256.Int
}

// Config tunes the holding.
type Config struct {
	SaveFundsLockUp time.Duration
}

// Deps are the collaborators of a Holding.
type Deps struct {
	Auth     *access.Authorizer
	Blocks   BlockSource
	Receipts ReceiptSource
	Emitter  events.Emitter
	Metrics  *metrics.VaultMetrics
	Barrier  *barrier.Barrier
	Now      func() time.Time
}

type tokenBalance struct {
	custodied *uint256.Int
	invested  *uint256.Int
	reserved  *uint256.Int
	earmarked *uint256.Int
}

func newTokenBalance() *tokenBalance {
	return &tokenBalance{
		custodied: new(uint256.Int),
		invested:  new(uint256.Int),
		reserved:  new(uint256.Int),
		earmarked: new(uint256.Int),
	}
}

// available is custodied minus invested, reserved and earmarked, floored at zero.
func (b *tokenBalance) available() *uint256.Int {
	out := new(uint256.Int).Set(b.custodied)
	for _, part := range []*uint256.Int{b.invested, b.reserved, b.earmarked} {
		if part.Gt(out) {
			return new(uint256.Int)
		}
		out.Sub(out, part)
	}
	return out
}

// idle is what is physically held and not promised to an in-flight settlement.
func (b *tokenBalance) idle() *uint256.Int {
	out := new(uint256.Int).Set(b.custodied)
	for _, part := range []*uint256.Int{b.invested, b.reserved} {
		if part.Gt(out) {
			return new(uint256.Int)
		}
		out.Sub(out, part)
	}
	return out
}

type commitKey struct {
	holder common.Address
	token  common.Address
}

// Commitment is an active-liquidity lock.
type Commitment struct {
	Holder      common.Address `json:"holder"`
	Token       common.Address `json:"token"`
	Amount      string         `json:"amount"`
	UnlockBlock uint64         `json:"unlock_block"`
}

type commitment struct {
	amount      *uint256.Int
	unlockBlock uint64
}

// Balance is a point-in-time view of one token in the holding.
type Balance struct {
	Token     common.Address
	Custodied *uint256.Int
	Invested  *uint256.Int
	Reserved  *uint256.Int
	Earmarked *uint256.Int
	Available *uint256.Int
	Fees      *uint256.Int
}

// Holding custodies vault assets.
type Holding struct {
	mu          sync.Mutex
	balances    map[common.Address]*tokenBalance
	fees        map[common.Address]*uint256.Int
	commitments map[commitKey][]commitment

	paused        bool
	saveFundsLock time.Duration
	pendingLock   *pendingLockUp
	saveFunds     *saveFundsOrder

	auth     *access.Authorizer
	blocks   BlockSource
	receipts ReceiptSource
	emitter  events.Emitter
	metrics  *metrics.VaultMetrics
	barrier  *barrier.Barrier
	now      func() time.Time
	logger   *zap.Logger
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Holding {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SaveFundsLockUp <= 0 {
		cfg.SaveFundsLockUp = DefaultSaveFundsLockUp
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Holding{
		balances:      make(map[common.Address]*tokenBalance),
		fees:          make(map[common.Address]*uint256.Int),
		commitments:   make(map[commitKey][]commitment),
		saveFundsLock: cfg.SaveFundsLockUp,
		auth:          deps.Auth,
		blocks:        deps.Blocks,
		receipts:      deps.Receipts,
		emitter:       deps.Emitter,
		metrics:       deps.Metrics,
		barrier:       deps.Barrier,
		now:           now,
		logger:        logger,
	}
}

func (h *Holding) balanceLocked(token common.Address) *tokenBalance {
	b, ok := h.balances[token]
	if !ok {
		b = newTokenBalance()
		h.balances[token] = b
	}
	return b
}

// Custody records amount of token received by the holding.
func (h *Holding) Custody(token common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return vaulterr.ErrAmount
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.balanceLocked(token)
	sum, overflow := new(uint256.Int).AddOverflow(b.custodied, amount)
	if overflow {
		return vaulterr.Wrapf(vaulterr.ErrAmount, "custody overflow")
	}
	b.custodied = sum
	h.publishLocked(token, b)
	return nil
}

// Uncustody reverses a Custody made earlier in the same operation.
func (h *Holding) Uncustody(token common.Address, amount *uint256.Int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.balanceLocked(token)
	if amount.Gt(b.idle()) {
		return vaulterr.Wrapf(vaulterr.ErrVaultBalance, "cannot reverse custody of %s", amount.Dec())
	}
	b.custodied = new(uint256.Int).Sub(b.custodied, amount)
	h.publishLocked(token, b)
	return nil
}

// CollectFee books a flat transfer fee. Fees are not liquidity.
func (h *Holding) CollectFee(token common.Address, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	h.mu.Lock()
	h.fees[token] = new(uint256.Int).Add(model.Amount(h.fees[token]), amount)
	h.mu.Unlock()
}

// AvailableLiquidity is custodied minus invested, in-flight and earmarked amounts.
func (h *Holding) AvailableLiquidity(token common.Address) *uint256.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.balances[token]
	if !ok {
		return new(uint256.Int)
	}
	return b.available()
}

// Balance returns the full accounting view of token.
func (h *Holding) Balance(token common.Address) Balance {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.balances[token]
	if !ok {
		b = newTokenBalance()
	}
	return Balance{
		Token:     token,
		Custodied: new(uint256.Int).Set(b.custodied),
		Invested:  new(uint256.Int).Set(b.invested),
		Reserved:  new(uint256.Int).Set(b.reserved),
		Earmarked: new(uint256.Int).Set(b.earmarked),
		Available: b.available(),
		Fees:      model.Amount(h.fees[token]),
	}
}

// Tokens lists tokens with a balance record.
func (h *Holding) Tokens() []common.Address {
	h.mu.Lock()
	out := make([]common.Address, 0, len(h.balances))
	for token := range h.balances {
		out = append(out, token)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// HasFunds reports whether any custody, investment or fee balance remains for token.
func (h *Holding) HasFunds(token common.Address) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.fees[token]; ok && !f.IsZero() {
		return true
	}
	b, ok := h.balances[token]
	if !ok {
		return false
	}
	return !b.custodied.IsZero() || !b.invested.IsZero()
}

func checkRelease(b *tokenBalance, amount *uint256.Int) error {
	if amount.Gt(b.custodied) {
		return vaulterr.Wrapf(vaulterr.ErrVaultBalance, "custodied %s requested %s", b.custodied.Dec(), amount.Dec())
	}
	if avail := b.available(); amount.Gt(avail) {
		return vaulterr.Wrapf(vaulterr.ErrLiquidity, "available %s requested %s", avail.Dec(), amount.Dec())
	}
	return nil
}

// CheckCustodied fails with ERR: VAULT BAL when the holding custodies less
// than amount of token.
func (h *Holding) CheckCustodied(token common.Address, amount *uint256.Int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.balanceLocked(token)
	if amount.Gt(b.custodied) {
		return vaulterr.Wrapf(vaulterr.ErrVaultBalance, "custodied %s requested %s", b.custodied.Dec(), amount.Dec())
	}
	return nil
}

// Release pays amount of token out of the holding to destination.
func (h *Holding) Release(ctx context.Context, caller common.Address, token common.Address, amount *uint256.Int, destination common.Address) error {
	defer h.barrier.Enter()()
	if err := h.auth.Check(access.OpRelease, caller); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return vaulterr.ErrAmount
	}

	h.mu.Lock()
	if h.paused {
		h.mu.Unlock()
		return vaulterr.ErrPaused
	}
	b := h.balanceLocked(token)
	if err := checkRelease(b, amount); err != nil {
		h.mu.Unlock()
		return err
	}
	b.custodied = new(uint256.Int).Sub(b.custodied, amount)
	h.publishLocked(token, b)
	h.mu.Unlock()

	h.logger.Info("liquidity released",
		zap.String("token", token.Hex()),
		zap.String("amount", amount.Dec()),
		zap.String("destination", destination.Hex()),
	)
	events.Emit(ctx, h.emitter, model.Event{
		Type:         model.EventLiquidityMoved,
		Token:        token.Hex(),
		Counterparty: destination.Hex(),
		Amount:       amount.Dec(),
		Attributes:   map[string]string{"reason": "release"},
	})
	return nil
}

// ExtractForRebalancing moves funds to another protocol holding. It checks the
// idle balance only; liquidity earmarked for pending requests may be moved.
func (h *Holding) ExtractForRebalancing(ctx context.Context, caller common.Address, token common.Address, amount *uint256.Int, destination common.Address) error {
	defer h.barrier.Enter()()
	if err := h.auth.Check(access.OpRebalance, caller); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return vaulterr.ErrAmount
	}

	h.mu.Lock()
	if h.paused {
		h.mu.Unlock()
		return vaulterr.ErrPaused
	}
	b := h.balanceLocked(token)
	if idle := b.idle(); amount.Gt(idle) {
		h.mu.Unlock()
		return vaulterr.Wrapf(vaulterr.ErrVaultBalance, "idle %s requested %s", idle.Dec(), amount.Dec())
	}
	b.custodied = new(uint256.Int).Sub(b.custodied, amount)
	h.publishLocked(token, b)
	h.mu.Unlock()

	h.logger.Info("rebalancing extraction",
		zap.String("token", token.Hex()),
		zap.String("amount", amount.Dec()),
		zap.String("destination", destination.Hex()),
	)
	events.Emit(ctx, h.emitter, model.Event{
		Type:         model.EventRebalancingExtraction,
		Token:        token.Hex(),
		Account:      caller.Hex(),
		Counterparty: destination.Hex(),
		Amount:       amount.Dec(),
	})
	return nil
}

// Earmark sets aside liquidity for a pending local withdrawal request. It never
// fails on shortage; available liquidity saturates at zero instead.
func (h *Holding) Earmark(token common.Address, amount *uint256.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.balanceLocked(token)
	b.earmarked = new(uint256.Int).Add(b.earmarked, amount)
	h.publishLocked(token, b)
}

// Unearmark drops an earmark, capped at the earmarked total.
func (h *Holding) Unearmark(token common.Address, amount *uint256.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.balanceLocked(token)
	if amount.Gt(b.earmarked) {
		b.earmarked = new(uint256.Int)
	} else {
		b.earmarked = new(uint256.Int).Sub(b.earmarked, amount)
	}
}

// Reservation holds liquidity for an in-flight settlement.
type Reservation struct {
	h        *Holding
	token    common.Address
	amount   *uint256.Int
	earmark  *uint256.Int
	finished bool
}

// Reserve earmarks amount for an in-flight settlement. releaseEarmark is the
// pending-request earmark the settlement consumes, or nil.
func (h *Holding) Reserve(token common.Address, amount, releaseEarmark *uint256.Int) (*Reservation, error) {
	if amount == nil || amount.IsZero() {
		return nil, vaulterr.ErrAmount
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused {
		return nil, vaulterr.ErrPaused
	}
	b := h.balanceLocked(token)

	earmark := new(uint256.Int)
	if releaseEarmark != nil {
		earmark.Set(releaseEarmark)
		if earmark.Gt(b.earmarked) {
			earmark.Set(b.earmarked)
		}
	}
	b.earmarked = new(uint256.Int).Sub(b.earmarked, earmark)
	if err := checkRelease(b, amount); err != nil {
		b.earmarked = new(uint256.Int).Add(b.earmarked, earmark)
		return nil, err
	}
	b.reserved = new(uint256.Int).Add(b.reserved, amount)
	h.publishLocked(token, b)
	return &Reservation{h: h, token: token, amount: new(uint256.Int).Set(amount), earmark: earmark}, nil
}

// Amount returns the reserved amount.
func (r *Reservation) Amount() *uint256.Int {
	return new(uint256.Int).Set(r.amount)
}

// Commit pays the reserved amount out of custody.
func (r *Reservation) Commit() {
	if r == nil || r.finished {
		return
	}
	r.finished = true
	h := r.h
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.balanceLocked(r.token)
	b.reserved = new(uint256.Int).Sub(b.reserved, r.amount)
	b.custodied = new(uint256.Int).Sub(b.custodied, r.amount)
	h.publishLocked(r.token, b)
}

// Cancel returns the reservation and any consumed earmark.
func (r *Reservation) Cancel() {
	if r == nil || r.finished {
		return
	}
	r.finished = true
	h := r.h
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.balanceLocked(r.token)
	b.reserved = new(uint256.Int).Sub(b.reserved, r.amount)
	b.earmarked = new(uint256.Int).Add(b.earmarked, r.earmark)
	h.publishLocked(r.token, b)
}

// Delegate moves idle liquidity into the invested bucket before a strategy call.
func (h *Holding) Delegate(token common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return vaulterr.ErrAmount
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused {
		return vaulterr.ErrPaused
	}
	b := h.balanceLocked(token)
	if err := checkRelease(b, amount); err != nil {
		return err
	}
	b.invested = new(uint256.Int).Add(b.invested, amount)
	h.publishLocked(token, b)
	return nil
}

// Undelegate rolls a delegation back to idle custody.
func (h *Holding) Undelegate(token common.Address, amount *uint256.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.balanceLocked(token)
	if amount.Gt(b.invested) {
		b.invested = new(uint256.Int)
	} else {
		b.invested = new(uint256.Int).Sub(b.invested, amount)
	}
	h.publishLocked(token, b)
}

// Return books funds coming back from a strategy: principal leaves the invested
// bucket and any surplus is yield added to custody.
func (h *Holding) Return(token common.Address, principal, returned *uint256.Int) error {
	if returned.Lt(principal) {
		return vaulterr.Wrapf(vaulterr.ErrStrategy, "returned %s below principal %s", returned.Dec(), principal.Dec())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.balanceLocked(token)
	if principal.Gt(b.invested) {
		return vaulterr.Wrapf(vaulterr.ErrStrategy, "principal %s above invested %s", principal.Dec(), b.invested.Dec())
	}
	yield := new(uint256.Int).Sub(returned, principal)
	b.invested = new(uint256.Int).Sub(b.invested, principal)
	b.custodied = new(uint256.Int).Add(b.custodied, yield)
	h.publishLocked(token, b)
	return nil
}

// LockActiveLiquidity creates a commitment that keeps amount of holder's
// receipts unwithdrawable for unlockAfterBlocks blocks.
func (h *Holding) LockActiveLiquidity(ctx context.Context, holder, token common.Address, amount *uint256.Int, unlockAfterBlocks uint64) (Commitment, error) {
	if amount == nil || amount.IsZero() {
		return Commitment{}, vaulterr.ErrAmount
	}
	current, err := h.currentBlock(ctx)
	if err != nil {
		return Commitment{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	locked := h.lockedLocked(holder, token, current)
	free := new(uint256.Int)
	if h.receipts != nil {
		free = h.receipts.Available(token, holder)
	}
	unlocked := new(uint256.Int)
	if free.Gt(locked) {
		unlocked.Sub(free, locked)
	}
	if amount.Gt(unlocked) {
		return Commitment{}, vaulterr.Wrapf(vaulterr.ErrBalance, "unlocked receipts %s requested %s", unlocked.Dec(), amount.Dec())
	}

	k := commitKey{holder, token}
	c := commitment{amount: new(uint256.Int).Set(amount), unlockBlock: current + unlockAfterBlocks}
	h.commitments[k] = append(h.commitments[k], c)
	return Commitment{Holder: holder, Token: token, Amount: amount.Dec(), UnlockBlock: c.unlockBlock}, nil
}

// LockedReceipts returns holder's receipts still under an active-liquidity lock.
func (h *Holding) LockedReceipts(ctx context.Context, holder, token common.Address) (*uint256.Int, error) {
	current, err := h.currentBlock(ctx)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lockedLocked(holder, token, current), nil
}

// WithdrawableReceipts is holder's free receipt balance minus locked commitments.
func (h *Holding) WithdrawableReceipts(ctx context.Context, holder, token common.Address) (*uint256.Int, error) {
	locked, err := h.LockedReceipts(ctx, holder, token)
	if err != nil {
		return nil, err
	}
	free := new(uint256.Int)
	if h.receipts != nil {
		free = h.receipts.Available(token, holder)
	}
	if locked.Gt(free) {
		return new(uint256.Int), nil
	}
	return free.Sub(free, locked), nil
}

// lockedLocked sums unexpired commitments and prunes expired ones.
func (h *Holding) lockedLocked(holder, token common.Address, current uint64) *uint256.Int {
	k := commitKey{holder, token}
	total := new(uint256.Int)
	kept := h.commitments[k][:0]
	for _, c := range h.commitments[k] {
		if current >= c.unlockBlock {
			continue
		}
		total.Add(total, c.amount)
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		delete(h.commitments, k)
	} else {
		h.commitments[k] = kept
	}
	return total
}

func (h *Holding) currentBlock(ctx context.Context) (uint64, error) {
	if h.blocks == nil {
		return 0, nil
	}
	n, err := h.blocks.CurrentBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("current block: %w", err)
	}
	return n, nil
}

// CurrentBlock exposes the block source to callers sharing the holding's view of height.
func (h *Holding) CurrentBlock(ctx context.Context) (uint64, error) {
	return h.currentBlock(ctx)
}

func (h *Holding) publishLocked(token common.Address, b *tokenBalance) {
	if h.metrics == nil {
		return
	}
	h.metrics.SetLiquidity(token.Hex(), toFloat(b.custodied), toFloat(b.invested), toFloat(b.reserved))
}

func toFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
