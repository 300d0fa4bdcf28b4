package bindings

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// mech (worker) contract ABI, trimmed to the delivery surface
const mechABIJSON = `[
{"inputs":[{"internalType":"bytes32[]","name":"requestIds","type":"bytes32[]"},{"internalType":"bytes[]","name":"datas","type":"bytes[]"}],"name":"deliverToMarketplace","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"anonymous":false,"inputs":[{"indexed":false,"internalType":"bytes32","name":"requestId","type":"bytes32"},{"indexed":false,"internalType":"uint256","name":"deliveryRate","type":"uint256"},{"indexed":false,"internalType":"bytes","name":"data","type":"bytes"}],"name":"Deliver","type":"event"}
]`

// DeliverEvent is the decoded three-field payload of a mech's Deliver log.
type DeliverEvent struct {
	RequestId    [32]byte
	DeliveryRate *big.Int
	Data         []byte
}

// Mech wraps a marketplace worker contract.
type Mech struct {
	address common.Address
	abi     abi.ABI
}

func NewMech(contractAddr common.Address) (*Mech, error) {
	parsedABI, err := abi.JSON(strings.NewReader(mechABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse mech ABI: %w", err)
	}

	return &Mech{
		address: contractAddr,
		abi:     parsedABI,
	}, nil
}

func (m *Mech) Address() common.Address {
	return m.address
}

func (m *Mech) ABI() abi.ABI {
	return m.abi
}

// DeliverEventID returns the topic identifying Deliver logs.
func (m *Mech) DeliverEventID() common.Hash {
	return m.abi.Events["Deliver"].ID
}

// PackDeliverToMarketplace encodes the delivery call. The batch shape is
// always used, even for a single item, matching the contract signature.
func (m *Mech) PackDeliverToMarketplace(requestIds [][32]byte, datas [][]byte) ([]byte, error) {
	calldata, err := m.abi.Pack("deliverToMarketplace", requestIds, datas)
	if err != nil {
		return nil, fmt.Errorf("failed to pack deliverToMarketplace calldata: %w", err)
	}

	return calldata, nil
}

// DecodeDeliverLog decodes one Deliver log entry.
func (m *Mech) DecodeDeliverLog(lg types.Log) (*DeliverEvent, error) {
	if len(lg.Topics) == 0 || lg.Topics[0] != m.DeliverEventID() {
		return nil, fmt.Errorf("log is not a Deliver event")
	}

	values, err := m.abi.Unpack("Deliver", lg.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack Deliver log: %w", err)
	}

	if len(values) != 3 {
		return nil, fmt.Errorf("unexpected Deliver log shape: %d values", len(values))
	}

	event := new(DeliverEvent)

	var ok bool
	if event.RequestId, ok = values[0].([32]byte); !ok {
		return nil, fmt.Errorf("unexpected requestId type %T", values[0])
	}
	if event.DeliveryRate, ok = values[1].(*big.Int); !ok {
		return nil, fmt.Errorf("unexpected deliveryRate type %T", values[1])
	}
	if event.Data, ok = values[2].([]byte); !ok {
		return nil, fmt.Errorf("unexpected data type %T", values[2])
	}

	return event, nil
}
