package bindings

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// multisig wallet ABI, trimmed to the meta-transaction surface
const safeABIJSON = `[
{"inputs":[],"name":"nonce","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"value","type":"uint256"},{"internalType":"bytes","name":"data","type":"bytes"},{"internalType":"uint8","name":"operation","type":"uint8"},{"internalType":"uint256","name":"safeTxGas","type":"uint256"},{"internalType":"uint256","name":"baseGas","type":"uint256"},{"internalType":"uint256","name":"gasPrice","type":"uint256"},{"internalType":"address","name":"gasToken","type":"address"},{"internalType":"address","name":"refundReceiver","type":"address"},{"internalType":"uint256","name":"_nonce","type":"uint256"}],"name":"getTransactionHash","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"value","type":"uint256"},{"internalType":"bytes","name":"data","type":"bytes"},{"internalType":"uint8","name":"operation","type":"uint8"},{"internalType":"uint256","name":"safeTxGas","type":"uint256"},{"internalType":"uint256","name":"baseGas","type":"uint256"},{"internalType":"uint256","name":"gasPrice","type":"uint256"},{"internalType":"address","name":"gasToken","type":"address"},{"internalType":"address","name":"refundReceiver","type":"address"},{"internalType":"bytes","name":"signatures","type":"bytes"}],"name":"execTransaction","outputs":[{"internalType":"bool","name":"success","type":"bool"}],"stateMutability":"payable","type":"function"}
]`

// SafeTxParams are the wallet-internal fields of a multisig call. Gas and
// refund fields stay zero since the outer transaction carries real pricing.
type SafeTxParams struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      uint8
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
}

// Safe wraps the shared multisig wallet contract a mech delivers through.
type Safe struct {
	address common.Address
	abi     abi.ABI
}

func NewSafe(contractAddr string) (*Safe, error) {
	if strings.TrimSpace(contractAddr) == "" {
		return nil, fmt.Errorf("safe contract address cannot be empty")
	}

	parsedABI, err := abi.JSON(strings.NewReader(safeABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse safe ABI: %w", err)
	}

	return &Safe{
		address: common.HexToAddress(contractAddr),
		abi:     parsedABI,
	}, nil
}

func (s *Safe) Address() common.Address {
	return s.address
}

func (s *Safe) ABI() abi.ABI {
	return s.abi
}

// Nonce reads the wallet-internal nonce. Callers must not cache the result,
// any other pending wallet transaction invalidates it.
func (s *Safe) Nonce(ctx context.Context, caller ContractCaller) (*big.Int, error) {
	calldata, err := s.abi.Pack("nonce")
	if err != nil {
		return nil, fmt.Errorf("failed to pack nonce calldata: %w", err)
	}

	ret, err := callView(ctx, caller, s.address, calldata)
	if err != nil {
		return nil, fmt.Errorf("nonce call failed: %w", err)
	}

	values, err := s.abi.Unpack("nonce", ret)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack nonce return: %w", err)
	}

	nonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected nonce type %T", values[0])
	}

	return nonce, nil
}

// GetTransactionHash asks the wallet contract itself for the hash to sign.
// The hash is never recomputed client-side so local and on-chain hashing
// rules cannot drift.
func (s *Safe) GetTransactionHash(ctx context.Context, caller ContractCaller, params *SafeTxParams, nonce *big.Int) (common.Hash, error) {
	calldata, err := s.abi.Pack("getTransactionHash",
		params.To, params.Value, params.Data, params.Operation,
		params.SafeTxGas, params.BaseGas, params.GasPrice,
		params.GasToken, params.RefundReceiver, nonce)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack getTransactionHash calldata: %w", err)
	}

	ret, err := callView(ctx, caller, s.address, calldata)
	if err != nil {
		return common.Hash{}, fmt.Errorf("getTransactionHash call failed: %w", err)
	}

	values, err := s.abi.Unpack("getTransactionHash", ret)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to unpack getTransactionHash return: %w", err)
	}

	hash, ok := values[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("unexpected hash type %T", values[0])
	}

	return common.BytesToHash(hash[:]), nil
}

// PackExecTransaction encodes the outer wallet execution call.
func (s *Safe) PackExecTransaction(params *SafeTxParams, signatures []byte) ([]byte, error) {
	calldata, err := s.abi.Pack("execTransaction",
		params.To, params.Value, params.Data, params.Operation,
		params.SafeTxGas, params.BaseGas, params.GasPrice,
		params.GasToken, params.RefundReceiver, signatures)
	if err != nil {
		return nil, fmt.Errorf("failed to pack execTransaction calldata: %w", err)
	}

	return calldata, nil
}
