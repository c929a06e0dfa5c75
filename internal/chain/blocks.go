package chain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ClockBlocks derives block height from wall time for deployments without RPC.
type ClockBlocks struct {
	Start     uint64
	Genesis   time.Time
	BlockTime time.Duration
	Now       func() time.Time
}

func (c *ClockBlocks) CurrentBlock(context.Context) (uint64, error) {
	if c.BlockTime <= 0 {
		return 0, fmt.Errorf("block time must be positive")
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	elapsed := now().Sub(c.Genesis)
	if elapsed < 0 {
		return c.Start, nil
	}
	return c.Start + uint64(elapsed/c.BlockTime), nil
}

// ParseAddresses converts string addresses into common.Address.
func ParseAddresses(inputs []string) ([]common.Address, error) {
	addresses := make([]common.Address, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !common.IsHexAddress(input) {
			return nil, fmt.Errorf("invalid address: %s", input)
		}
		addresses = append(addresses, common.HexToAddress(input))
	}
	return addresses, nil
}
