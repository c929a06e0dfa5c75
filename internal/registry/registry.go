package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityVault/internal/access"
	"liquidityVault/internal/events"
	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

// Config holds the vault-wide settings owned by the registry.
type Config struct {
	NetworkID        uint64
	MinFee           uint64
	MaxFee           uint64
	TransferLockup   time.Duration
	SmallBalanceSwap bool
	WrappedNative    common.Address
}

// DecimalsSource resolves token decimals, normally over chain RPC.
type DecimalsSource interface {
	TokenMeta(ctx context.Context, token common.Address) (model.TokenMeta, error)
}

// RemovalGuard vetoes removing a token that still has funds or receipts attached.
type RemovalGuard func(token common.Address) error

// WhitelistParams describes a token registration.
type WhitelistParams struct {
	Token    common.Address
	Min      *uint256.Int
	Max      *uint256.Int
	Decimals uint8
	Symbol   string
}

type tokenEntry struct {
	address  common.Address
	symbol   string
	decimals uint8
	receipt  common.Address
	min      *uint256.Int
	max      *uint256.Int
	remote   map[uint64]model.RemoteMapping
}

// Registry is the token whitelist and vault configuration.
type Registry struct {
	mu        sync.RWMutex
	cfg       Config
	tokens    map[common.Address]*tokenEntry
	receipts  map[common.Address]common.Address
	paused    map[uint64]bool
	feeTokens map[uint64]map[common.Address]*uint256.Int

	auth     *access.Authorizer
	emitter  events.Emitter
	decimals DecimalsSource
	guard    RemovalGuard
	logger   *zap.Logger
}

func New(cfg Config, auth *access.Authorizer, emitter events.Emitter, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFee == 0 {
		cfg.MaxFee = model.FeeFactor
	}
	return &Registry{
		cfg:       cfg,
		tokens:    make(map[common.Address]*tokenEntry),
		receipts:  make(map[common.Address]common.Address),
		paused:    make(map[uint64]bool),
		feeTokens: make(map[uint64]map[common.Address]*uint256.Int),
		auth:      auth,
		emitter:   emitter,
		logger:    logger,
	}
}

// SetDecimalsSource enables decimals lookup for registrations that omit them.
func (r *Registry) SetDecimalsSource(src DecimalsSource) {
	r.mu.Lock()
	r.decimals = src
	r.mu.Unlock()
}

// SetRemovalGuard installs the check consulted by RemoveWhitelist.
func (r *Registry) SetRemovalGuard(guard RemovalGuard) {
	r.mu.Lock()
	r.guard = guard
	r.mu.Unlock()
}

// ReceiptAddress derives the receipt-token identity for an underlying token.
func ReceiptAddress(token common.Address) common.Address {
	return common.BytesToAddress(crypto.Keccak256(token.Bytes(), []byte("receipt"))[12:])
}

// NetworkID returns the network this vault instance serves.
func (r *Registry) NetworkID() uint64 {
	return r.cfg.NetworkID
}

// Whitelist registers a token and its transfer bounds.
func (r *Registry) Whitelist(ctx context.Context, caller common.Address, p WhitelistParams) (model.Token, error) {
	if err := r.auth.Check(access.OpWhitelistToken, caller); err != nil {
		return model.Token{}, err
	}
	if p.Token == (common.Address{}) {
		return model.Token{}, vaulterr.Wrapf(vaulterr.ErrToken, "zero address")
	}
	min, max := model.Amount(p.Min), model.Amount(p.Max)
	if max.IsZero() {
		max = new(uint256.Int).SetAllOne()
	}
	if min.Gt(max) {
		return model.Token{}, vaulterr.ErrMinMax
	}

	r.mu.RLock()
	_, exists := r.tokens[p.Token]
	src := r.decimals
	r.mu.RUnlock()
	if exists {
		return model.Token{}, vaulterr.Wrapf(vaulterr.ErrToken, "%s already whitelisted", p.Token.Hex())
	}

	decimals, symbol := p.Decimals, p.Symbol
	if decimals == 0 && src != nil {
		meta, err := src.TokenMeta(ctx, p.Token)
		if err != nil {
			r.logger.Warn("token metadata lookup failed", zap.String("token", p.Token.Hex()), zap.Error(err))
		} else {
			decimals = meta.Decimals
			if symbol == "" {
				symbol = meta.Symbol
			}
		}
	}

	entry := &tokenEntry{
		address:  p.Token,
		symbol:   symbol,
		decimals: decimals,
		receipt:  ReceiptAddress(p.Token),
		min:      min,
		max:      max,
		remote:   make(map[uint64]model.RemoteMapping),
	}

	r.mu.Lock()
	if _, ok := r.tokens[p.Token]; ok {
		r.mu.Unlock()
		return model.Token{}, vaulterr.Wrapf(vaulterr.ErrToken, "%s already whitelisted", p.Token.Hex())
	}
	r.tokens[p.Token] = entry
	r.receipts[entry.receipt] = p.Token
	tok := entry.toModel()
	r.mu.Unlock()

	r.logger.Info("token whitelisted",
		zap.String("token", p.Token.Hex()),
		zap.String("receipt", entry.receipt.Hex()),
		zap.Uint8("decimals", decimals),
	)
	events.Emit(ctx, r.emitter, model.Event{
		Type:         model.EventTokenWhitelisted,
		Token:        p.Token.Hex(),
		Counterparty: entry.receipt.Hex(),
		Attributes:   map[string]string{"min": tok.MinTransfer, "max": tok.MaxTransfer},
	})
	return tok, nil
}

// RemoveWhitelist drops a token. The removal guard rejects tokens with outstanding funds.
func (r *Registry) RemoveWhitelist(ctx context.Context, caller common.Address, token common.Address) error {
	if err := r.auth.Check(access.OpRemoveWhitelist, caller); err != nil {
		return err
	}

	r.mu.Lock()
	entry, ok := r.tokens[token]
	if !ok {
		r.mu.Unlock()
		return vaulterr.ErrTokenNotWhitelisted
	}
	if r.guard != nil {
		if err := r.guard(token); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	delete(r.tokens, token)
	delete(r.receipts, entry.receipt)
	r.mu.Unlock()

	r.logger.Info("token removed", zap.String("token", token.Hex()))
	events.Emit(ctx, r.emitter, model.Event{Type: model.EventTokenWhitelistRemoved, Token: token.Hex()})
	return nil
}

// SetRemoteMapping links token to remoteToken on remoteNetworkID.
func (r *Registry) SetRemoteMapping(ctx context.Context, caller, token, remoteToken common.Address, remoteNetworkID, ratio uint64) error {
	if err := r.auth.Check(access.OpSetRemoteMapping, caller); err != nil {
		return err
	}
	if remoteToken == (common.Address{}) || remoteNetworkID == r.cfg.NetworkID {
		return vaulterr.Wrapf(vaulterr.ErrToken, "invalid remote mapping")
	}
	if ratio == 0 {
		return vaulterr.Wrapf(vaulterr.ErrAmount, "ratio must be positive")
	}

	r.mu.Lock()
	entry, ok := r.tokens[token]
	if !ok {
		r.mu.Unlock()
		return vaulterr.ErrTokenNotWhitelisted
	}
	entry.remote[remoteNetworkID] = model.RemoteMapping{
		NetworkID:   remoteNetworkID,
		RemoteToken: remoteToken,
		Ratio:       ratio,
	}
	r.mu.Unlock()

	events.Emit(ctx, r.emitter, model.Event{
		Type:         model.EventRemoteTokenAdded,
		Token:        token.Hex(),
		Counterparty: remoteToken.Hex(),
		NetworkID:    remoteNetworkID,
		Attributes:   map[string]string{"ratio": uint256.NewInt(ratio).Dec()},
	})
	return nil
}

// IsWhitelisted reports whether token is registered.
func (r *Registry) IsWhitelisted(token common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tokens[token]
	return ok
}

// Token returns the registration for token.
func (r *Registry) Token(token common.Address) (model.Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tokens[token]
	if !ok {
		return model.Token{}, false
	}
	return entry.toModel(), true
}

// Tokens lists every whitelisted token ordered by address.
func (r *Registry) Tokens() []model.Token {
	r.mu.RLock()
	out := make([]model.Token, 0, len(r.tokens))
	for _, entry := range r.tokens {
		out = append(out, entry.toModel())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Hex() < out[j].Address.Hex() })
	return out
}

// Decimals returns token decimals.
func (r *Registry) Decimals(token common.Address) (uint8, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tokens[token]
	if !ok {
		return 0, false
	}
	return entry.decimals, true
}

// ReceiptOf returns the receipt token for a whitelisted underlying token.
func (r *Registry) ReceiptOf(token common.Address) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tokens[token]
	if !ok {
		return common.Address{}, false
	}
	return entry.receipt, true
}

// UnderlyingOf resolves a receipt token to its underlying token.
func (r *Registry) UnderlyingOf(receipt common.Address) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.receipts[receipt]
	return token, ok
}

// RemoteToken returns the mapping of token on networkID.
func (r *Registry) RemoteToken(token common.Address, networkID uint64) (model.RemoteMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tokens[token]
	if !ok {
		return model.RemoteMapping{}, false
	}
	mapping, ok := entry.remote[networkID]
	return mapping, ok
}

// CheckTransferAmount validates amount against the token's transfer bounds.
func (r *Registry) CheckTransferAmount(token common.Address, amount *uint256.Int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tokens[token]
	if !ok {
		return vaulterr.ErrTokenNotWhitelisted
	}
	if amount.Lt(entry.min) || amount.Gt(entry.max) {
		return vaulterr.Wrapf(vaulterr.ErrAmount, "%s outside [%s, %s]", amount.Dec(), entry.min.Dec(), entry.max.Dec())
	}
	return nil
}

func (e *tokenEntry) toModel() model.Token {
	tok := model.Token{
		Address:      e.address,
		Symbol:       e.symbol,
		Decimals:     e.decimals,
		ReceiptToken: e.receipt,
		MinTransfer:  e.min.Dec(),
		MaxTransfer:  e.max.Dec(),
		Whitelisted:  true,
	}
	if len(e.remote) > 0 {
		tok.Remote = make(map[uint64]model.RemoteMapping, len(e.remote))
		for id, m := range e.remote {
			tok.Remote[id] = m
		}
	}
	return tok
}
