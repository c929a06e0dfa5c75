package ledger

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

// TokenSource is the registry view the ledger needs.
type TokenSource interface {
	IsWhitelisted(token common.Address) bool
	Decimals(token common.Address) (uint8, bool)
}

type key struct {
	token  common.Address
	holder common.Address
}

// Ledger tracks receipt balances. A holder's balance is split into a free part
// and an escrowed part locked by pending withdrawal requests.
type Ledger struct {
	mu     sync.RWMutex
	free   map[key]*uint256.Int
	escrow map[key]*uint256.Int
	supply map[common.Address]*uint256.Int

	tokens TokenSource
	logger *zap.Logger
}

func New(tokens TokenSource, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		free:   make(map[key]*uint256.Int),
		escrow: make(map[key]*uint256.Int),
		supply: make(map[common.Address]*uint256.Int),
		tokens: tokens,
		logger: logger,
	}
}

// Mint credits amount receipts of token to holder.
func (l *Ledger) Mint(token, holder common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return vaulterr.ErrAmount
	}
	if l.tokens != nil && !l.tokens.IsWhitelisted(token) {
		return vaulterr.ErrTokenNotWhitelisted
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{token, holder}
	supply, overflow := new(uint256.Int).AddOverflow(l.amount(l.supply, token), amount)
	if overflow {
		return vaulterr.Wrapf(vaulterr.ErrAmount, "supply overflow")
	}
	l.free[k] = new(uint256.Int).Add(l.get(l.free, k), amount)
	l.supply[token] = supply

	l.logger.Debug("receipts minted", zap.String("token", token.Hex()), zap.String("holder", holder.Hex()), zap.String("amount", amount.Dec()))
	return nil
}

// Burn destroys amount of holder's free receipts.
func (l *Ledger) Burn(token, holder common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return vaulterr.ErrAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{token, holder}
	if err := l.debit(l.free, k, amount); err != nil {
		return err
	}
	l.supply[token] = new(uint256.Int).Sub(l.amount(l.supply, token), amount)
	return nil
}

// Escrow moves amount of free receipts into escrow.
func (l *Ledger) Escrow(token, holder common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return vaulterr.ErrAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{token, holder}
	if err := l.debit(l.free, k, amount); err != nil {
		return err
	}
	l.escrow[k] = new(uint256.Int).Add(l.get(l.escrow, k), amount)
	return nil
}

// ReleaseEscrow returns escrowed receipts to the free balance.
func (l *Ledger) ReleaseEscrow(token, holder common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{token, holder}
	if err := l.debit(l.escrow, k, amount); err != nil {
		return err
	}
	l.free[k] = new(uint256.Int).Add(l.get(l.free, k), amount)
	return nil
}

// BurnEscrow destroys escrowed receipts.
func (l *Ledger) BurnEscrow(token, holder common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{token, holder}
	if err := l.debit(l.escrow, k, amount); err != nil {
		return err
	}
	l.supply[token] = new(uint256.Int).Sub(l.amount(l.supply, token), amount)
	return nil
}

// BalanceOf returns holder's receipt balance including escrow.
func (l *Ledger) BalanceOf(token, holder common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	k := key{token, holder}
	return new(uint256.Int).Add(l.get(l.free, k), l.get(l.escrow, k))
}

// Available returns holder's free receipt balance.
func (l *Ledger) Available(token, holder common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.get(l.free, key{token, holder}))
}

// Escrowed returns holder's escrowed receipts.
func (l *Ledger) Escrowed(token, holder common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.get(l.escrow, key{token, holder}))
}

// TotalSupply returns outstanding receipts for token.
func (l *Ledger) TotalSupply(token common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.amount(l.supply, token))
}

// Decimals mirrors the underlying token decimals.
func (l *Ledger) Decimals(token common.Address) uint8 {
	if l.tokens == nil {
		return 0
	}
	d, _ := l.tokens.Decimals(token)
	return d
}

func (l *Ledger) debit(m map[key]*uint256.Int, k key, amount *uint256.Int) error {
	cur := l.get(m, k)
	if amount.Gt(cur) {
		return vaulterr.Wrapf(vaulterr.ErrBalance, "have %s need %s", cur.Dec(), amount.Dec())
	}
	rest := new(uint256.Int).Sub(cur, amount)
	if rest.IsZero() {
		delete(m, k)
	} else {
		m[k] = rest
	}
	return nil
}

var zero = new(uint256.Int)

func (l *Ledger) get(m map[key]*uint256.Int, k key) *uint256.Int {
	if v, ok := m[k]; ok {
		return v
	}
	return zero
}

func (l *Ledger) amount(m map[common.Address]*uint256.Int, token common.Address) *uint256.Int {
	if v, ok := m[token]; ok {
		return v
	}
	return zero
}

// Entry is one serialised (token, holder) balance.
type Entry struct {
	Token  common.Address `json:"token"`
	Holder common.Address `json:"holder"`
	Free   string         `json:"free"`
	Escrow string         `json:"escrow,omitempty"`
}

// State is the serialisable ledger content.
type State struct {
	Balances []Entry `json:"balances"`
}

// Snapshot captures every non-zero balance.
func (l *Ledger) Snapshot() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make(map[key]struct{}, len(l.free)+len(l.escrow))
	for k := range l.free {
		keys[k] = struct{}{}
	}
	for k := range l.escrow {
		keys[k] = struct{}{}
	}
	st := State{Balances: make([]Entry, 0, len(keys))}
	for k := range keys {
		e := Entry{Token: k.token, Holder: k.holder, Free: l.get(l.free, k).Dec()}
		if esc := l.get(l.escrow, k); !esc.IsZero() {
			e.Escrow = esc.Dec()
		}
		st.Balances = append(st.Balances, e)
	}
	sort.Slice(st.Balances, func(i, j int) bool {
		a, b := st.Balances[i], st.Balances[j]
		if a.Token != b.Token {
			return a.Token.Hex() < b.Token.Hex()
		}
		return a.Holder.Hex() < b.Holder.Hex()
	})
	return st
}

// Restore replaces the ledger content. Supply is recomputed from balances.
func (l *Ledger) Restore(st State) error {
	free := make(map[key]*uint256.Int)
	escrow := make(map[key]*uint256.Int)
	supply := make(map[common.Address]*uint256.Int)
	for _, e := range st.Balances {
		k := key{e.Token, e.Holder}
		f, err := model.ParseAmount(e.Free)
		if err != nil {
			return err
		}
		esc, err := model.ParseAmount(e.Escrow)
		if err != nil {
			return err
		}
		if !f.IsZero() {
			free[k] = f
		}
		if !esc.IsZero() {
			escrow[k] = esc
		}
		total := model.Amount(supply[e.Token])
		total.Add(total, f)
		total.Add(total, esc)
		supply[e.Token] = total
	}

	l.mu.Lock()
	l.free, l.escrow, l.supply = free, escrow, supply
	l.mu.Unlock()
	return nil
}
