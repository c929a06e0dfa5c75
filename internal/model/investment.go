package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Investment is one token leg of a strategy call.
type Investment struct {
	Token  common.Address
	Amount *uint256.Int
}

// InvestmentPosition is the principal a strategy holds for a token.
type InvestmentPosition struct {
	StrategyID string         `json:"strategy_id"`
	Token      common.Address `json:"token"`
	Principal  string         `json:"principal"`
}
