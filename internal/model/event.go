package model

// EventType names a vault state transition.
type EventType string

const (
	EventTransferInitiated      EventType = "TransferInitiated"
	EventLiquidityDeposited     EventType = "LiquidityDeposited"
	EventWithdrawRequest        EventType = "WithdrawRequest"
	EventWithdrawalCompleted    EventType = "WithdrawalCompleted"
	EventLiquidityWithdrawn     EventType = "LiquidityWithdrawn"
	EventWithdrawalFinalized    EventType = "WithdrawalFinalized"
	EventTokenWhitelisted       EventType = "TokenWhitelisted"
	EventTokenWhitelistRemoved  EventType = "TokenWhitelistRemoved"
	EventRemoteTokenAdded       EventType = "RemoteTokenAdded"
	EventPauseNetwork           EventType = "PauseNetwork"
	EventUnpauseNetwork         EventType = "UnpauseNetwork"
	EventMinFeeChanged          EventType = "MinFeeChanged"
	EventMaxFeeChanged          EventType = "MaxFeeChanged"
	EventRoleChanged            EventType = "RoleChanged"
	EventSwappedToNative        EventType = "SwappedToNative"
	EventFundsInvested          EventType = "FundsInvested"
	EventInvestmentWithdrawn    EventType = "InvestmentWithdrawn"
	EventRewardsClaimed         EventType = "RewardsClaimed"
	EventRebalancingExtraction  EventType = "RebalancingExtraction"
	EventSaveFundsStarted       EventType = "SaveFundsStarted"
	EventSaveFundsLockUpTimeSet EventType = "SaveFundsLockUpTimeSet"
	EventLiquidityMoved         EventType = "LiquidityMoved"
	// EventHoldingInflow is an on-chain ERC20 transfer into the holding address.
	EventHoldingInflow EventType = "HoldingInflow"
)

// Event is a published state transition. Amounts are base-10 strings.
type Event struct {
	ID           string            `json:"id"`
	Type         EventType         `json:"type"`
	Token        string            `json:"token,omitempty"`
	Account      string            `json:"account,omitempty"`
	Counterparty string            `json:"counterparty,omitempty"`
	Amount       string            `json:"amount,omitempty"`
	NetworkID    uint64            `json:"network_id,omitempty"`
	WithdrawalID string            `json:"withdrawal_id,omitempty"`
	Block        uint64            `json:"block,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	EmittedAt    string            `json:"emitted_at"`
}
