package bindings

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// ContractCaller is the read-only slice of the chain client the bindings
// need to execute eth_call style accessors.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

func callView(ctx context.Context, caller ContractCaller, to common.Address, data []byte) ([]byte, error) {
	return caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}
