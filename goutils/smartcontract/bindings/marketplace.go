package bindings

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	log "github.com/sirupsen/logrus"
)

// marketplace contract ABI, trimmed to the methods and events this client uses
const marketplaceABIJSON = `[
{"inputs":[{"internalType":"bytes","name":"data","type":"bytes"},{"internalType":"uint256","name":"maxDeliveryRate","type":"uint256"},{"internalType":"bytes32","name":"paymentType","type":"bytes32"},{"internalType":"address","name":"priorityMech","type":"address"},{"internalType":"uint256","name":"responseTimeout","type":"uint256"},{"internalType":"bytes","name":"paymentData","type":"bytes"}],"name":"request","outputs":[{"internalType":"bytes32","name":"requestId","type":"bytes32"}],"stateMutability":"payable","type":"function"},
{"inputs":[{"internalType":"bytes[]","name":"datas","type":"bytes[]"},{"internalType":"uint256","name":"maxDeliveryRate","type":"uint256"},{"internalType":"bytes32","name":"paymentType","type":"bytes32"},{"internalType":"address","name":"priorityMech","type":"address"},{"internalType":"uint256","name":"responseTimeout","type":"uint256"},{"internalType":"bytes","name":"paymentData","type":"bytes"}],"name":"requestBatch","outputs":[{"internalType":"bytes32[]","name":"requestIds","type":"bytes32[]"}],"stateMutability":"payable","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"requestId","type":"bytes32"}],"name":"getRequestInfo","outputs":[{"internalType":"address","name":"requester","type":"address"},{"internalType":"address","name":"deliveryMech","type":"address"},{"internalType":"uint256","name":"deliveryRate","type":"uint256"},{"internalType":"bytes32","name":"paymentType","type":"bytes32"}],"stateMutability":"view","type":"function"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"requester","type":"address"},{"indexed":true,"internalType":"address","name":"priorityMech","type":"address"},{"indexed":false,"internalType":"uint256","name":"numRequests","type":"uint256"},{"indexed":false,"internalType":"bytes32[]","name":"requestIds","type":"bytes32[]"}],"name":"MarketplaceRequest","type":"event"}
]`

// RequestInfo is the decoded shape of the marketplace request-info accessor.
// DeliveryMech stays the zero address until a mech takes the request.
type RequestInfo struct {
	Requester    common.Address
	DeliveryMech common.Address
	DeliveryRate *big.Int
	PaymentType  [32]byte
}

// Marketplace wraps the on-chain mech marketplace registry.
type Marketplace struct {
	address common.Address
	abi     abi.ABI
}

func NewMarketplace(contractAddr string) (*Marketplace, error) {
	if strings.TrimSpace(contractAddr) == "" {
		return nil, fmt.Errorf("marketplace contract address cannot be empty")
	}

	parsedABI, err := abi.JSON(strings.NewReader(marketplaceABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse marketplace ABI: %w", err)
	}

	return &Marketplace{
		address: common.HexToAddress(contractAddr),
		abi:     parsedABI,
	}, nil
}

func (m *Marketplace) Address() common.Address {
	return m.address
}

func (m *Marketplace) ABI() abi.ABI {
	return m.abi
}

// PackRequest encodes the marketplace request call.
func (m *Marketplace) PackRequest(data []byte, maxDeliveryRate *big.Int, paymentType [32]byte, priorityMech common.Address, responseTimeout *big.Int, paymentData []byte) ([]byte, error) {
	calldata, err := m.abi.Pack("request", data, maxDeliveryRate, paymentType, priorityMech, responseTimeout, paymentData)
	if err != nil {
		return nil, fmt.Errorf("failed to pack request calldata: %w", err)
	}

	return calldata, nil
}

// PackRequestBatch encodes the batch request call.
func (m *Marketplace) PackRequestBatch(datas [][]byte, maxDeliveryRate *big.Int, paymentType [32]byte, priorityMech common.Address, responseTimeout *big.Int, paymentData []byte) ([]byte, error) {
	calldata, err := m.abi.Pack("requestBatch", datas, maxDeliveryRate, paymentType, priorityMech, responseTimeout, paymentData)
	if err != nil {
		return nil, fmt.Errorf("failed to pack requestBatch calldata: %w", err)
	}

	return calldata, nil
}

// GetRequestInfo reads the request-info accessor for a request id.
func (m *Marketplace) GetRequestInfo(ctx context.Context, caller ContractCaller, requestId [32]byte) (*RequestInfo, error) {
	calldata, err := m.abi.Pack("getRequestInfo", requestId)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getRequestInfo calldata: %w", err)
	}

	ret, err := callView(ctx, caller, m.address, calldata)
	if err != nil {
		return nil, fmt.Errorf("getRequestInfo call failed: %w", err)
	}

	values, err := m.abi.Unpack("getRequestInfo", ret)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getRequestInfo return: %w", err)
	}

	if len(values) != 4 {
		return nil, fmt.Errorf("unexpected getRequestInfo return shape: %d values", len(values))
	}

	info := new(RequestInfo)

	var ok bool
	if info.Requester, ok = values[0].(common.Address); !ok {
		return nil, fmt.Errorf("unexpected requester type %T", values[0])
	}
	if info.DeliveryMech, ok = values[1].(common.Address); !ok {
		return nil, fmt.Errorf("unexpected deliveryMech type %T", values[1])
	}
	if info.DeliveryRate, ok = values[2].(*big.Int); !ok {
		return nil, fmt.Errorf("unexpected deliveryRate type %T", values[2])
	}
	if info.PaymentType, ok = values[3].([32]byte); !ok {
		return nil, fmt.Errorf("unexpected paymentType type %T", values[3])
	}

	return info, nil
}

// ParseRequestIds extracts the assigned request ids from the
// MarketplaceRequest logs of a submitted request transaction's receipt.
func (m *Marketplace) ParseRequestIds(logs []*types.Log) ([][32]byte, error) {
	event := m.abi.Events["MarketplaceRequest"]
	requestIds := make([][32]byte, 0, 1)

	for _, lg := range logs {
		if lg == nil || lg.Address != m.address || len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}

		values, err := m.abi.Unpack("MarketplaceRequest", lg.Data)
		if err != nil {
			log.WithError(err).Debug("skipping undecodable MarketplaceRequest log")

			continue
		}

		if len(values) != 2 {
			continue
		}

		ids, ok := values[1].([][32]byte)
		if !ok {
			log.Debugf("unexpected requestIds type %T in MarketplaceRequest log", values[1])

			continue
		}

		requestIds = append(requestIds, ids...)
	}

	if len(requestIds) == 0 {
		return nil, fmt.Errorf("no MarketplaceRequest event found in receipt logs")
	}

	return requestIds, nil
}
