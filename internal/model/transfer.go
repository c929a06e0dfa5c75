package model

import "github.com/ethereum/go-ethereum/common"

// TransferRecord describes a cross-network transfer accepted by the gateway.
type TransferRecord struct {
	ID                   common.Hash    `json:"id"`
	Sender               common.Address `json:"sender"`
	Destination          common.Address `json:"destination"`
	TokenIn              common.Address `json:"token_in"`
	TokenOut             common.Address `json:"token_out"`
	RemoteToken          common.Address `json:"remote_token"`
	Amount               string         `json:"amount"`
	DestinationNetworkID uint64         `json:"destination_network_id"`
	SlippageBps          uint64         `json:"slippage_bps"`
	FeeToken             common.Address `json:"fee_token"`
	FeeAmount            string         `json:"fee_amount"`
	AmmID                uint64         `json:"amm_id"`
	IsNative             bool           `json:"is_native"`
	Block                uint64         `json:"block"`
}
