package inflow

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

const transferEventABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "from", "type": "address"},
      {"indexed": true, "name": "to", "type": "address"},
      {"indexed": false, "name": "value", "type": "uint256"}
    ],
    "name": "Transfer",
    "type": "event"
  }
]`

var (
	transferABI     abi.ABI
	transferABIOnce sync.Once
	transferABIErr  error
)

func transferEvent() (abi.Event, error) {
	transferABIOnce.Do(func() {
		transferABI, transferABIErr = abi.JSON(strings.NewReader(transferEventABIJSON))
	})
	if transferABIErr != nil {
		return abi.Event{}, transferABIErr
	}
	return transferABI.Events["Transfer"], nil
}

// TransferTopic is the topic0 of the ERC20 Transfer event.
func TransferTopic() common.Hash {
	ev, err := transferEvent()
	if err != nil {
		return common.Hash{}
	}
	return ev.ID
}

type transfer struct {
	token common.Address
	from  common.Address
	to    common.Address
	value *uint256.Int
}

func decodeTransfer(log types.Log) (transfer, error) {
	ev, err := transferEvent()
	if err != nil {
		return transfer{}, fmt.Errorf("parse transfer abi: %w", err)
	}
	if len(log.Topics) != 3 || log.Topics[0] != ev.ID {
		return transfer{}, fmt.Errorf("not an erc20 transfer: %d topics", len(log.Topics))
	}
	values, err := ev.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return transfer{}, fmt.Errorf("unpack transfer: %w", err)
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return transfer{}, fmt.Errorf("unexpected transfer value %T", values[0])
	}
	value, overflow := uint256.FromBig(raw)
	if overflow {
		return transfer{}, fmt.Errorf("transfer value overflows uint256")
	}
	return transfer{
		token: log.Address,
		from:  common.BytesToAddress(log.Topics[1].Bytes()),
		to:    common.BytesToAddress(log.Topics[2].Bytes()),
		value: value,
	}, nil
}
