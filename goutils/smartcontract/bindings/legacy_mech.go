package bindings

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// legacy (pre-marketplace) mech contract ABI. Requests are paid per call via
// price() and delivery is announced with a uint256 request id.
const legacyMechABIJSON = `[
{"inputs":[{"internalType":"bytes","name":"data","type":"bytes"}],"name":"request","outputs":[{"internalType":"uint256","name":"requestId","type":"uint256"}],"stateMutability":"payable","type":"function"},
{"inputs":[],"name":"price","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"sender","type":"address"},{"indexed":false,"internalType":"uint256","name":"requestId","type":"uint256"},{"indexed":false,"internalType":"bytes","name":"data","type":"bytes"}],"name":"Request","type":"event"},
{"anonymous":false,"inputs":[{"indexed":false,"internalType":"uint256","name":"requestId","type":"uint256"},{"indexed":false,"internalType":"bytes","name":"data","type":"bytes"}],"name":"Deliver","type":"event"}
]`

// LegacyDeliverEvent is the payload of the deprecated mech's Deliver log.
type LegacyDeliverEvent struct {
	RequestId *big.Int
	Data      []byte
}

// LegacyMech wraps the deprecated, non-marketplace mech contract variant.
// It exists only for the subscription-based notification path.
type LegacyMech struct {
	address common.Address
	abi     abi.ABI
}

func NewLegacyMech(contractAddr string) (*LegacyMech, error) {
	if strings.TrimSpace(contractAddr) == "" {
		return nil, fmt.Errorf("legacy mech contract address cannot be empty")
	}

	parsedABI, err := abi.JSON(strings.NewReader(legacyMechABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse legacy mech ABI: %w", err)
	}

	return &LegacyMech{
		address: common.HexToAddress(contractAddr),
		abi:     parsedABI,
	}, nil
}

func (m *LegacyMech) Address() common.Address {
	return m.address
}

func (m *LegacyMech) DeliverEventID() common.Hash {
	return m.abi.Events["Deliver"].ID
}

// PackRequest encodes the legacy single-request call.
func (m *LegacyMech) PackRequest(data []byte) ([]byte, error) {
	calldata, err := m.abi.Pack("request", data)
	if err != nil {
		return nil, fmt.Errorf("failed to pack legacy request calldata: %w", err)
	}

	return calldata, nil
}

// Price reads the per-request price the legacy mech charges.
func (m *LegacyMech) Price(ctx context.Context, caller ContractCaller) (*big.Int, error) {
	calldata, err := m.abi.Pack("price")
	if err != nil {
		return nil, fmt.Errorf("failed to pack price calldata: %w", err)
	}

	ret, err := callView(ctx, caller, m.address, calldata)
	if err != nil {
		return nil, fmt.Errorf("price call failed: %w", err)
	}

	values, err := m.abi.Unpack("price", ret)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack price return: %w", err)
	}

	price, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected price type %T", values[0])
	}

	return price, nil
}

// ParseRequestId extracts the numeric request id from the Request log of a
// submitted legacy request transaction's receipt.
func (m *LegacyMech) ParseRequestId(logs []*types.Log) (*big.Int, error) {
	event := m.abi.Events["Request"]

	for _, lg := range logs {
		if lg == nil || lg.Address != m.address || len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}

		values, err := m.abi.Unpack("Request", lg.Data)
		if err != nil {
			continue
		}

		if requestId, ok := values[0].(*big.Int); ok {
			return requestId, nil
		}
	}

	return nil, fmt.Errorf("no Request event found in receipt logs")
}

// DecodeDeliverLog decodes one legacy Deliver log entry.
func (m *LegacyMech) DecodeDeliverLog(lg types.Log) (*LegacyDeliverEvent, error) {
	if len(lg.Topics) == 0 || lg.Topics[0] != m.DeliverEventID() {
		return nil, fmt.Errorf("log is not a legacy Deliver event")
	}

	values, err := m.abi.Unpack("Deliver", lg.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack legacy Deliver log: %w", err)
	}

	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected legacy Deliver log shape: %d values", len(values))
	}

	event := new(LegacyDeliverEvent)

	var ok bool
	if event.RequestId, ok = values[0].(*big.Int); !ok {
		return nil, fmt.Errorf("unexpected requestId type %T", values[0])
	}
	if event.Data, ok = values[1].([]byte); !ok {
		return nil, fmt.Errorf("unexpected data type %T", values[1])
	}

	return event, nil
}
