package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// WithdrawalStatus is the lifecycle state of a withdrawal record.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalSettled    WithdrawalStatus = "settled"
)

// WithdrawalKind distinguishes the two settlement flows.
type WithdrawalKind string

const (
	// WithdrawalLiquidity redeems receipts for underlying liquidity.
	WithdrawalLiquidity WithdrawalKind = "liquidity"
	// WithdrawalTransfer pays out a cross-network transfer.
	WithdrawalTransfer WithdrawalKind = "transfer"
)

// WithdrawalRecord is the append-only audit entry for a withdrawal id.
type WithdrawalRecord struct {
	ID              common.Hash      `json:"id"`
	Kind            WithdrawalKind   `json:"kind"`
	Status          WithdrawalStatus `json:"status"`
	Owner           common.Address   `json:"owner"`
	Receiver        common.Address   `json:"receiver"`
	NetworkID       uint64           `json:"network_id"`
	ReceiptToken    common.Address   `json:"receipt_token,omitempty"`
	TokenIn         common.Address   `json:"token_in"`
	TokenOut        common.Address   `json:"token_out"`
	AmountIn        string           `json:"amount_in"`
	RequestedAmount string           `json:"requested_amount"`
	AmountOut       string           `json:"amount_out,omitempty"`
	NativeOut       string           `json:"native_out,omitempty"`
	AmmID           uint64           `json:"amm_id"`
	Fee             FeeBreakdown     `json:"fee"`
	RequestBlock    uint64           `json:"request_block,omitempty"`
	SettledBlock    uint64           `json:"settled_block,omitempty"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
}

// FeeBreakdown records how the withdrawal fee was composed.
type FeeBreakdown struct {
	BaseFee       string `json:"base_fee"`
	PercentageFee string `json:"percentage_fee"`
	Total         string `json:"total"`
	FeeReceiver   string `json:"fee_receiver,omitempty"`
}

// FeeSpec is supplied per settlement by the relayer.
type FeeSpec struct {
	FeePercentage        uint64
	BaseFee              *uint256.Int
	AmountToSwapToNative *uint256.Int
	MinAmountOutNative   *uint256.Int
	NativeSwapperID      uint64
	AmmID                uint64
	// InvestmentStrategies are drained, in order, when idle liquidity is short.
	InvestmentStrategies     []string
	InvestmentStrategiesData [][]byte
}
