package swap

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

const uniswapV2RouterABIJSON = `[
  {"inputs": [{"name": "amountIn", "type": "uint256"}, {"name": "path", "type": "address[]"}], "name": "getAmountsOut", "outputs": [{"name": "amounts", "type": "uint256[]"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "amountIn", "type": "uint256"}, {"name": "amountOutMin", "type": "uint256"}, {"name": "path", "type": "address[]"}, {"name": "to", "type": "address"}, {"name": "deadline", "type": "uint256"}], "name": "swapExactTokensForTokens", "outputs": [{"name": "amounts", "type": "uint256[]"}], "stateMutability": "nonpayable", "type": "function"}
]`

var (
	routerABI     abi.ABI
	routerABIOnce sync.Once
	routerABIErr  error

	pathArgs     abi.Arguments
	pathArgsOnce sync.Once
	pathArgsErr  error
)

// UniswapV2RouterABI returns the parsed router ABI.
func UniswapV2RouterABI() (abi.ABI, error) {
	routerABIOnce.Do(func() {
		routerABI, routerABIErr = abi.JSON(strings.NewReader(uniswapV2RouterABIJSON))
	})
	return routerABI, routerABIErr
}

func pathArguments() (abi.Arguments, error) {
	pathArgsOnce.Do(func() {
		t, err := abi.NewType("address[]", "", nil)
		if err != nil {
			pathArgsErr = err
			return
		}
		pathArgs = abi.Arguments{{Type: t}}
	})
	return pathArgs, pathArgsErr
}

// EncodeHops packs intermediate hop tokens as route data.
func EncodeHops(hops []common.Address) ([]byte, error) {
	args, err := pathArguments()
	if err != nil {
		return nil, err
	}
	return args.Pack(hops)
}

// ContractCaller is the eth_call surface of the chain client.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// UniswapV2 routes through an on-chain UniswapV2-style router. Quotes use
// getAmountsOut; swaps are simulated from the holding address and the
// realized amount is what the chain reports.
type UniswapV2 struct {
	caller   ContractCaller
	router   common.Address
	from     common.Address
	deadline time.Duration
	logger   *zap.Logger
}

func NewUniswapV2(caller ContractCaller, router, from common.Address, logger *zap.Logger) *UniswapV2 {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UniswapV2{caller: caller, router: router, from: from, deadline: 5 * time.Minute, logger: logger}
}

// path builds tokenIn -> hops... -> tokenOut. data is an optional ABI (address[] hops).
func (u *UniswapV2) path(tokenIn, tokenOut common.Address, data []byte) ([]common.Address, error) {
	path := []common.Address{tokenIn}
	if len(data) > 0 {
		args, err := pathArguments()
		if err != nil {
			return nil, err
		}
		values, err := args.Unpack(data)
		if err != nil {
			return nil, fmt.Errorf("decode route: %w", err)
		}
		hops, ok := values[0].([]common.Address)
		if !ok {
			return nil, fmt.Errorf("decode route: unexpected %T", values[0])
		}
		path = append(path, hops...)
	}
	return append(path, tokenOut), nil
}

func (u *UniswapV2) call(ctx context.Context, method string, args ...interface{}) (*uint256.Int, error) {
	if u.caller == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	parsed, err := UniswapV2RouterABI()
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{From: u.from, To: &u.router, Data: input}
	resp, err := u.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return nil, fmt.Errorf("%s: unexpected result %T", method, values[0])
	}
	out, overflow := uint256.FromBig(amounts[len(amounts)-1])
	if overflow {
		return nil, fmt.Errorf("%s: amount overflow", method)
	}
	return out, nil
}

func (u *UniswapV2) GetAmountsOut(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int, data []byte) (*uint256.Int, error) {
	path, err := u.path(tokenIn, tokenOut, data)
	if err != nil {
		return nil, err
	}
	return u.call(ctx, "getAmountsOut", amountIn.ToBig(), path)
}

func (u *UniswapV2) Swap(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minAmountOut *uint256.Int, data []byte) (*uint256.Int, error) {
	path, err := u.path(tokenIn, tokenOut, data)
	if err != nil {
		return nil, err
	}
	deadline := big.NewInt(time.Now().Add(u.deadline).Unix())
	out, err := u.call(ctx, "swapExactTokensForTokens", amountIn.ToBig(), minAmountOut.ToBig(), path, u.from, deadline)
	if err != nil {
		return nil, err
	}
	u.logger.Debug("router swap", zap.String("router", u.router.Hex()), zap.String("in", amountIn.Dec()), zap.String("out", out.Dec()))
	return out, nil
}
