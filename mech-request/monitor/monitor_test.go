package monitor

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"mech/goutils/smartcontract/bindings"
	"mech/mech-request/datamodel"
)

const testGatewayURL = "https://gateway.test/ipfs/"

// mockChain answers the marketplace request-info view calls and serves a
// fixed batch of delivery logs on the first scan.
type mockChain struct {
	mu          sync.Mutex
	market      *bindings.Marketplace
	assignments map[[32]byte]common.Address
	// lateAssignments become visible only after lateAfter info polls
	lateAssignments map[[32]byte]common.Address
	lateAfter       int
	infoCalls       int
	logs            []types.Log
	logsServed      bool
	filterCnt       int
	filterAddrs     []common.Address
	block           uint64
}

func (m *mockChain) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(100), nil }

func (m *mockChain) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block++
	return m.block, nil
}

func (m *mockChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(int64(m.block))}, nil
}

func (m *mockChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (m *mockChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (m *mockChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (m *mockChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (m *mockChain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (m *mockChain) SendTransaction(ctx context.Context, tx *types.Transaction) error { return nil }

func (m *mockChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (m *mockChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	method := m.market.ABI().Methods["getRequestInfo"]

	values, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	id := values[0].([32]byte)

	m.infoCalls++

	assigned := m.assignments[id]
	if assigned == (common.Address{}) && m.infoCalls > m.lateAfter {
		assigned = m.lateAssignments[id]
	}

	return method.Outputs.Pack(
		common.HexToAddress("0x1111"),
		assigned,
		big.NewInt(1),
		[32]byte{},
	)
}

func (m *mockChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.filterCnt++
	m.filterAddrs = append(m.filterAddrs, q.Addresses...)

	if m.logsServed {
		return nil, nil
	}
	m.logsServed = true

	return m.logs, nil
}

func testMonitor(client *mockChain, market *bindings.Marketplace) *PollingMonitor {
	return &PollingMonitor{
		client:      client,
		marketplace: market,
		gatewayURL:  testGatewayURL,
		interval:    5 * time.Millisecond,
		timeout:     500 * time.Millisecond,
	}
}

func testRequestID(b byte) datamodel.RequestID {
	var id datamodel.RequestID
	id[31] = b

	return id
}

func packDeliverLog(t *testing.T, mech *bindings.Mech, id datamodel.RequestID, payload []byte) types.Log {
	t.Helper()

	data, err := mech.ABI().Events["Deliver"].Inputs.Pack(id.Bytes32(), big.NewInt(1), payload)
	require.NoError(t, err)

	return types.Log{
		Address: mech.Address(),
		Topics:  []common.Hash{mech.DeliverEventID()},
		Data:    data,
	}
}

func TestWaitForDeliveryNeverAssignedReturnsEmpty(t *testing.T) {
	market, err := bindings.NewMarketplace("0x000000000000000000000000000000000000f00d")
	require.NoError(t, err)

	client := &mockChain{market: market, assignments: map[[32]byte]common.Address{}, block: 100}

	mon := testMonitor(client, market)
	mon.timeout = 60 * time.Millisecond

	start := time.Now()
	delivered, err := mon.WaitForDelivery(context.Background(), []datamodel.RequestID{testRequestID(1)}, 100)
	require.NoError(t, err)

	require.Empty(t, delivered)
	require.Less(t, time.Since(start), time.Second, "watch must end shortly after the deadline")
	require.Zero(t, client.filterCnt, "no log scan may start before an assignment")
}

func TestWaitForDeliveryHappyPath(t *testing.T) {
	market, err := bindings.NewMarketplace("0x000000000000000000000000000000000000f00d")
	require.NoError(t, err)

	mechAddr := common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	mech, err := bindings.NewMech(mechAddr)
	require.NoError(t, err)

	id := testRequestID(7)
	var digest [32]byte
	digest[0] = 0xd1

	client := &mockChain{
		market:      market,
		assignments: map[[32]byte]common.Address{id.Bytes32(): mechAddr},
		logs:        []types.Log{packDeliverLog(t, mech, id, digest[:])},
		block:       100,
	}

	delivered, err := testMonitor(client, market).WaitForDelivery(context.Background(), []datamodel.RequestID{id}, 100)
	require.NoError(t, err)

	wantURL := testGatewayURL + "f01701220d100000000000000000000000000000000000000000000000000000000000000/" + id.Decimal()
	require.Equal(t, map[string]string{id.Hex(): wantURL}, delivered)
}

func TestWaitForDeliverySharesOneScanPerMech(t *testing.T) {
	market, err := bindings.NewMarketplace("0x000000000000000000000000000000000000f00d")
	require.NoError(t, err)

	mechAddr := common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	mech, err := bindings.NewMech(mechAddr)
	require.NoError(t, err)

	idA, idB := testRequestID(1), testRequestID(2)
	var digest [32]byte
	digest[0] = 0xee

	client := &mockChain{
		market: market,
		assignments: map[[32]byte]common.Address{
			idA.Bytes32(): mechAddr,
			idB.Bytes32(): mechAddr,
		},
		logs: []types.Log{
			packDeliverLog(t, mech, idA, digest[:]),
			packDeliverLog(t, mech, idB, digest[:]),
		},
		block: 100,
	}

	delivered, err := testMonitor(client, market).WaitForDelivery(context.Background(), []datamodel.RequestID{idA, idB}, 100)
	require.NoError(t, err)
	require.Len(t, delivered, 2)

	// both ids ride the same worker's scan loop
	for _, addr := range client.filterAddrs {
		require.Equal(t, mechAddr, addr)
	}
}

func TestWaitForDeliveryLateAssignmentKeepsEarlyLogs(t *testing.T) {
	market, err := bindings.NewMarketplace("0x000000000000000000000000000000000000f00d")
	require.NoError(t, err)

	mechAddr := common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	mech, err := bindings.NewMech(mechAddr)
	require.NoError(t, err)

	idA, idB := testRequestID(4), testRequestID(5)
	var digest [32]byte
	digest[0] = 0xcd

	// both deliveries sit in the very first scan batch, but idB's worker
	// only becomes visible after a few info polls: no scan may consume that
	// batch until idB's assignment is known
	client := &mockChain{
		market:          market,
		assignments:     map[[32]byte]common.Address{idA.Bytes32(): mechAddr},
		lateAssignments: map[[32]byte]common.Address{idB.Bytes32(): mechAddr},
		lateAfter:       4,
		logs: []types.Log{
			packDeliverLog(t, mech, idA, digest[:]),
			packDeliverLog(t, mech, idB, digest[:]),
		},
		block: 100,
	}

	delivered, err := testMonitor(client, market).WaitForDelivery(context.Background(), []datamodel.RequestID{idA, idB}, 100)
	require.NoError(t, err)

	require.Contains(t, delivered, idB.Hex(), "a delivery logged before its assignment was discovered must not be lost")
	require.Len(t, delivered, 2)
}

func TestWaitForDeliverySkipsMalformedAndDuplicateLogs(t *testing.T) {
	market, err := bindings.NewMarketplace("0x000000000000000000000000000000000000f00d")
	require.NoError(t, err)

	mechAddr := common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	mech, err := bindings.NewMech(mechAddr)
	require.NoError(t, err)

	id := testRequestID(3)
	var digest [32]byte
	digest[0] = 0xab

	good := packDeliverLog(t, mech, id, digest[:])
	malformed := types.Log{
		Address: mechAddr,
		Topics:  []common.Hash{mech.DeliverEventID()},
		Data:    []byte{0x01, 0x02, 0x03},
	}

	client := &mockChain{
		market:      market,
		assignments: map[[32]byte]common.Address{id.Bytes32(): mechAddr},
		logs:        []types.Log{malformed, good, good},
		block:       100,
	}

	delivered, err := testMonitor(client, market).WaitForDelivery(context.Background(), []datamodel.RequestID{id}, 100)
	require.NoError(t, err)
	require.Len(t, delivered, 1, "duplicate logs must deliver at most once")
}
