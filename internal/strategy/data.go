package strategy

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	argsOnce    sync.Once
	uint256Args abi.Arguments
	addressArgs abi.Arguments
	argsErr     error
)

func loadArgs() error {
	argsOnce.Do(func() {
		u, err := abi.NewType("uint256", "", nil)
		if err != nil {
			argsErr = fmt.Errorf("uint256 type: %w", err)
			return
		}
		a, err := abi.NewType("address", "", nil)
		if err != nil {
			argsErr = fmt.Errorf("address type: %w", err)
			return
		}
		uint256Args = abi.Arguments{{Type: u}}
		addressArgs = abi.Arguments{{Type: a}}
	})
	return argsErr
}

// EncodeMinShares packs the pool strategy invest data.
func EncodeMinShares(minShares *uint256.Int) ([]byte, error) {
	if err := loadArgs(); err != nil {
		return nil, err
	}
	return uint256Args.Pack(minShares.ToBig())
}

// EncodeRewardAsset packs the lending strategy claim data.
func EncodeRewardAsset(asset common.Address) ([]byte, error) {
	if err := loadArgs(); err != nil {
		return nil, err
	}
	return addressArgs.Pack(asset)
}

// decodeMinShares reads an optional (uint256) tuple. Empty data means zero.
func decodeMinShares(data []byte) (*uint256.Int, error) {
	if len(data) == 0 {
		return new(uint256.Int), nil
	}
	if err := loadArgs(); err != nil {
		return nil, err
	}
	values, err := uint256Args.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("decode min shares: %w", err)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode min shares: unexpected %T", values[0])
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("decode min shares: overflow")
	}
	return out, nil
}

func decodeRewardAsset(data []byte) (common.Address, error) {
	if err := loadArgs(); err != nil {
		return common.Address{}, err
	}
	values, err := addressArgs.Unpack(data)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode reward asset: %w", err)
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("decode reward asset: unexpected %T", values[0])
	}
	return addr, nil
}
