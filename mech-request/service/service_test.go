package service

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"mech/goutils/settings"
	"mech/goutils/smartcontract"
	"mech/goutils/smartcontract/bindings"
	"mech/goutils/smartcontract/transactions"
	"mech/mech-request/datamodel"
)

func newTestTxManager(t *testing.T, client smartcontract.EthClient, settingsObj *settings.SettingsObj) *transactions.TxManager {
	t.Helper()

	txMgr, err := transactions.NewTxManager(client, settingsObj)
	require.NoError(t, err)

	return txMgr
}

// fakeStore pins payloads in memory under their real CIDv1 identifier and
// serves canned gateway content.
type fakeStore struct {
	mu       sync.Mutex
	pinned   map[string][]byte
	gateway  map[string][]byte
	fetchErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pinned:  make(map[string][]byte),
		gateway: make(map[string][]byte),
	}
}

func (f *fakeStore) Upload(ctx context.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	encoded, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}

	pinnedCid := cid.NewCidV1(cid.DagProtobuf, encoded).String()
	f.pinned[pinnedCid] = data

	return pinnedCid, nil
}

func (f *fakeStore) FetchFromGateway(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	if body, ok := f.gateway[url]; ok {
		return body, nil
	}

	return nil, errors.New("gateway: not found")
}

// fakeMonitor reports a canned delivery map without touching the chain.
type fakeMonitor struct {
	delivered map[string]string
	watched   []datamodel.RequestID
	fromBlock uint64
}

func (f *fakeMonitor) WaitForDelivery(ctx context.Context, requestIds []datamodel.RequestID, fromBlock uint64) (map[string]string, error) {
	f.watched = requestIds
	f.fromBlock = fromBlock

	return f.delivered, nil
}

// pipelineClient answers view calls by selector and confirms every sent
// transaction with a planted receipt.
type pipelineClient struct {
	mu          sync.Mutex
	balance     *big.Int
	callReturns map[[4]byte][]byte
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	receiptLogs []*types.Log
}

func newPipelineClient(balance *big.Int) *pipelineClient {
	return &pipelineClient{
		balance:     balance,
		callReturns: make(map[[4]byte][]byte),
		receipts:    make(map[common.Hash]*types.Receipt),
	}
}

func (c *pipelineClient) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(100), nil }
func (c *pipelineClient) BlockNumber(ctx context.Context) (uint64, error) {
	return 42, nil
}
func (c *pipelineClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(42), BaseFee: big.NewInt(1_000_000_000)}, nil
}
func (c *pipelineClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (c *pipelineClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (c *pipelineClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (c *pipelineClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}
func (c *pipelineClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return c.balance, nil
}
func (c *pipelineClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (c *pipelineClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var selector [4]byte
	copy(selector[:], msg.Data[:4])

	if ret, ok := c.callReturns[selector]; ok {
		return ret, nil
	}

	return nil, errors.New("unexpected contract call")
}

func (c *pipelineClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent = append(c.sent, tx)
	c.receipts[tx.Hash()] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(43),
		GasUsed:     90_000,
		Logs:        c.receiptLogs,
	}

	return nil
}

func (c *pipelineClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if receipt, ok := c.receipts[txHash]; ok {
		return receipt, nil
	}

	return nil, ethereum.NotFound
}

func serviceSettings(t *testing.T, paymentType string) *settings.SettingsObj {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	retries := 2
	settingsObj := &settings.SettingsObj{
		Chain: &settings.ChainConfig{
			RPCURL:              "http://localhost:8545",
			ChainID:             100,
			MarketplaceContract: "0x000000000000000000000000000000000000f00d",
		},
		RetryCount: &retries,
		Signer: &settings.Signer{
			PrivateKey: common.Bytes2Hex(crypto.FromECDSA(key)),
		},
	}
	settings.SetDefaults(settingsObj)

	settingsObj.Request.PaymentType = paymentType
	settingsObj.Request.MaxDeliveryRate = 10
	settingsObj.RetryIntervalSecs = 1

	return settingsObj
}

func marketplaceRequestLog(t *testing.T, market *bindings.Marketplace, ids ...[32]byte) *types.Log {
	t.Helper()

	event := market.ABI().Events["MarketplaceRequest"]

	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(int64(len(ids))), ids)
	require.NoError(t, err)

	return &types.Log{
		Address: market.Address(),
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(common.HexToAddress("0x1111").Bytes()),
			common.BytesToHash(common.HexToAddress("0x2222").Bytes()),
		},
		Data: data,
	}
}

func TestSendRequestNativeHappyPath(t *testing.T) {
	settingsObj := serviceSettings(t, "native")

	market, err := bindings.NewMarketplace(settingsObj.Chain.MarketplaceContract)
	require.NoError(t, err)

	var rawId [32]byte
	rawId[31] = 7
	id := datamodel.RequestIDFromBytes(rawId)

	client := newPipelineClient(big.NewInt(1000))
	client.receiptLogs = []*types.Log{marketplaceRequestLog(t, market, rawId)}

	store := newFakeStore()
	deliveryURL := "https://gateway.test/ipfs/result/" + id.Decimal()
	store.gateway[deliveryURL] = []byte(`{"result":"ok"}`)

	mon := &fakeMonitor{delivered: map[string]string{id.Hex(): deliveryURL}}

	txMgr := newTestTxManager(t, client, settingsObj)

	svc, err := NewRequestService(client, store, market, mon, txMgr, settingsObj)
	require.NoError(t, err)

	result, err := svc.SendRequest(context.Background(), []string{"what is the weather"}, "prediction", common.HexToAddress("0x2222"))
	require.NoError(t, err)

	require.Equal(t, []string{id.Hex()}, result.RequestIds)
	require.Equal(t, map[string]string{id.Hex(): deliveryURL}, result.Deliveries)
	require.Equal(t, json.RawMessage(`{"result":"ok"}`), result.Contents[id.Hex()])

	// the watch starts at the request receipt's block
	require.Equal(t, uint64(43), mon.fromBlock)
	require.Equal(t, []datamodel.RequestID{id}, mon.watched)

	// the native payment rides the request transaction
	require.Len(t, client.sent, 1)
	require.Equal(t, int64(10), client.sent[0].Value().Int64())
	require.Equal(t, market.Address(), *client.sent[0].To())
}

func TestSendRequestInsufficientNativeBalance(t *testing.T) {
	settingsObj := serviceSettings(t, "native")

	market, err := bindings.NewMarketplace(settingsObj.Chain.MarketplaceContract)
	require.NoError(t, err)

	client := newPipelineClient(big.NewInt(3))
	txMgr := newTestTxManager(t, client, settingsObj)

	svc, err := NewRequestService(client, newFakeStore(), market, &fakeMonitor{}, txMgr, settingsObj)
	require.NoError(t, err)

	_, err = svc.SendRequest(context.Background(), []string{"p"}, "tool", common.Address{})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Empty(t, client.sent, "no transaction may be sent when the preflight fails")
}

func TestPreflightTokenTopsUpAllowance(t *testing.T) {
	settingsObj := serviceSettings(t, "token")
	settingsObj.Request.PaymentToken = "0x000000000000000000000000000000000000beef"

	market, err := bindings.NewMarketplace(settingsObj.Chain.MarketplaceContract)
	require.NoError(t, err)

	token, err := bindings.NewERC20(settingsObj.Request.PaymentToken)
	require.NoError(t, err)

	client := newPipelineClient(big.NewInt(0))

	// token balance covers the cost, allowance starts empty
	plantUintReturn(t, client, "balanceOf(address)", big.NewInt(100))
	plantUintReturn(t, client, "allowance(address,address)", big.NewInt(0))

	txMgr := newTestTxManager(t, client, settingsObj)

	svc, err := NewRequestService(client, newFakeStore(), market, &fakeMonitor{}, txMgr, settingsObj)
	require.NoError(t, err)

	err = svc.preflightToken(context.Background(), big.NewInt(50))
	require.NoError(t, err)

	require.Len(t, client.sent, 1, "expected one approval transaction")
	require.Equal(t, token.Address(), *client.sent[0].To())

	approveSelector := crypto.Keccak256([]byte("approve(address,uint256)"))[:4]
	require.Equal(t, approveSelector, client.sent[0].Data()[:4])
}

func TestPinPromptsAreDistinctMultihashes(t *testing.T) {
	settingsObj := serviceSettings(t, "native")

	market, err := bindings.NewMarketplace(settingsObj.Chain.MarketplaceContract)
	require.NoError(t, err)

	client := newPipelineClient(big.NewInt(1000))
	store := newFakeStore()
	txMgr := newTestTxManager(t, client, settingsObj)

	svc, err := NewRequestService(client, store, market, &fakeMonitor{}, txMgr, settingsObj)
	require.NoError(t, err)

	datas, err := svc.pinPrompts(context.Background(), []string{"same prompt", "same prompt"}, "tool")
	require.NoError(t, err)

	require.Len(t, datas, 2)
	require.NotEqual(t, datas[0], datas[1], "the per-payload nonce must keep identical prompts apart")

	for _, data := range datas {
		require.Len(t, data, 34)
		require.Equal(t, byte(0x12), data[0])
		require.Equal(t, byte(0x20), data[1])
	}
	require.Len(t, store.pinned, 2)
}

func plantUintReturn(t *testing.T, client *pipelineClient, signature string, value *big.Int) {
	t.Helper()

	var selector [4]byte
	copy(selector[:], crypto.Keccak256([]byte(signature))[:4])

	client.callReturns[selector] = common.LeftPadBytes(value.Bytes(), 32)
}
