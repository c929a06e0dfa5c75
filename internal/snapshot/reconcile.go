package snapshot

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"liquidityVault/internal/model"
)

// BalanceReader reads a token balance from chain.
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (*uint256.Int, error)
}

// Drift compares the booked holding balance of one token with what the chain reports.
type Drift struct {
	Token    common.Address `json:"token"`
	Symbol   string         `json:"symbol,omitempty"`
	Expected string         `json:"expected"`
	OnChain  string         `json:"on_chain"`
	Delta    string         `json:"delta"`
	Within   bool           `json:"within_tolerance"`
}

// Reconcile checks every booked token. Invested principal sits with the
// strategies, so the holder is expected to own custodied - invested + fees.
// tolerance is in whole token units.
func Reconcile(ctx context.Context, st State, reader BalanceReader, holder common.Address, tolerance decimal.Decimal) ([]Drift, error) {
	meta := make(map[common.Address]model.Token, len(st.Registry.Tokens))
	for _, tok := range st.Registry.Tokens {
		meta[tok.Address] = tok
	}

	out := make([]Drift, 0, len(st.Holding.Balances))
	for _, b := range st.Holding.Balances {
		custodied, err := model.ParseAmount(b.Custodied)
		if err != nil {
			return nil, fmt.Errorf("custodied %s: %w", b.Token.Hex(), err)
		}
		invested, err := model.ParseAmount(b.Invested)
		if err != nil {
			return nil, fmt.Errorf("invested %s: %w", b.Token.Hex(), err)
		}
		fees, err := model.ParseAmount(b.Fees)
		if err != nil {
			return nil, fmt.Errorf("fees %s: %w", b.Token.Hex(), err)
		}
		onChain, err := reader.BalanceOf(ctx, b.Token, holder)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", b.Token.Hex(), err)
		}

		tok := meta[b.Token]
		scale := -int32(tok.Decimals)
		expected := decimal.NewFromBigInt(custodied.ToBig(), scale).
			Sub(decimal.NewFromBigInt(invested.ToBig(), scale)).
			Add(decimal.NewFromBigInt(fees.ToBig(), scale))
		actual := decimal.NewFromBigInt(onChain.ToBig(), scale)
		delta := actual.Sub(expected)

		out = append(out, Drift{
			Token:    b.Token,
			Symbol:   tok.Symbol,
			Expected: expected.String(),
			OnChain:  actual.String(),
			Delta:    delta.String(),
			Within:   delta.Abs().LessThanOrEqual(tolerance),
		})
	}
	return out, nil
}
