package model

import "github.com/ethereum/go-ethereum/common"

// Token is a whitelisted asset and its per-network configuration.
type Token struct {
	Address      common.Address           `json:"address"`
	Symbol       string                   `json:"symbol,omitempty"`
	Decimals     uint8                    `json:"decimals"`
	ReceiptToken common.Address           `json:"receipt_token"`
	MinTransfer  string                   `json:"min_transfer"`
	MaxTransfer  string                   `json:"max_transfer"`
	Whitelisted  bool                     `json:"whitelisted"`
	Remote       map[uint64]RemoteMapping `json:"remote,omitempty"`
}

// RemoteMapping links a token to its counterpart on another network.
type RemoteMapping struct {
	NetworkID   uint64         `json:"network_id"`
	RemoteToken common.Address `json:"remote_token"`
	Ratio       uint64         `json:"ratio"`
}

// TokenMeta is the ERC20 metadata read from chain when a token is whitelisted
// without explicit decimals.
type TokenMeta struct {
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
	Symbol   string         `json:"symbol,omitempty"`
	Name     string         `json:"name,omitempty"`
}
