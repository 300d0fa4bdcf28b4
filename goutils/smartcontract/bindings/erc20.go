package bindings

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"address","name":"spender","type":"address"}],"name":"allowance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"spender","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// ERC20 wraps the payment token used by token-paying mechs.
type ERC20 struct {
	address common.Address
	abi     abi.ABI
}

func NewERC20(contractAddr string) (*ERC20, error) {
	if strings.TrimSpace(contractAddr) == "" {
		return nil, fmt.Errorf("token contract address cannot be empty")
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 ABI: %w", err)
	}

	return &ERC20{
		address: common.HexToAddress(contractAddr),
		abi:     parsedABI,
	}, nil
}

func (t *ERC20) Address() common.Address {
	return t.address
}

func (t *ERC20) BalanceOf(ctx context.Context, caller ContractCaller, account common.Address) (*big.Int, error) {
	return t.callUint(ctx, caller, "balanceOf", account)
}

func (t *ERC20) Allowance(ctx context.Context, caller ContractCaller, owner, spender common.Address) (*big.Int, error) {
	return t.callUint(ctx, caller, "allowance", owner, spender)
}

// PackApprove encodes an approval for the spender; submitted like any other
// transaction when the allowance preflight comes up short.
func (t *ERC20) PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	calldata, err := t.abi.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve calldata: %w", err)
	}

	return calldata, nil
}

func (t *ERC20) callUint(ctx context.Context, caller ContractCaller, method string, args ...interface{}) (*big.Int, error) {
	calldata, err := t.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s calldata: %w", method, err)
	}

	ret, err := callView(ctx, caller, t.address, calldata)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	values, err := t.abi.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s return: %w", method, err)
	}

	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s return type %T", method, values[0])
	}

	return value, nil
}
