package transactions

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"mech/goutils/settings"
)

type mockEthClient struct {
	baseFee         *big.Int
	pendingNonce    uint64
	pendingNonceCnt int
	estimateErr     error
	sendErrs        []error
	sendCnt         int
	sent            []*types.Transaction
	receipts        map[common.Hash]*types.Receipt
	receiptErr      error
}

func (m *mockEthClient) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(100), nil }
func (m *mockEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return 42, nil
}
func (m *mockEthClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(42), BaseFee: m.baseFee}, nil
}
func (m *mockEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.pendingNonceCnt++
	return m.pendingNonce, nil
}
func (m *mockEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(5_000_000_000), nil
}
func (m *mockEthClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}
func (m *mockEthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if m.estimateErr != nil {
		return 0, m.estimateErr
	}
	return 90_000, nil
}
func (m *mockEthClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}
func (m *mockEthClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (m *mockEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.sent = append(m.sent, tx)
	var err error
	if m.sendCnt < len(m.sendErrs) {
		err = m.sendErrs[m.sendCnt]
	}
	m.sendCnt++
	if err == nil && m.receipts == nil {
		// default: accepted transactions confirm immediately
		m.receipts = map[common.Hash]*types.Receipt{}
	}
	if err == nil {
		if _, ok := m.receipts[tx.Hash()]; !ok {
			m.receipts[tx.Hash()] = &types.Receipt{
				Status:      types.ReceiptStatusSuccessful,
				BlockNumber: big.NewInt(43),
				GasUsed:     21000,
			}
		}
	}
	return err
}
func (m *mockEthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (m *mockEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	if receipt, ok := m.receipts[txHash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

func testSettings() *settings.SettingsObj {
	retries := 3
	settingsObj := &settings.SettingsObj{
		Chain: &settings.ChainConfig{
			RPCURL:  "http://localhost:8545",
			ChainID: 100,
		},
		RetryCount: &retries,
		Signer:     &settings.Signer{},
	}
	settings.SetDefaults(settingsObj)

	return settingsObj
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		Backoff:        10 * time.Millisecond,
		Deadline:       5 * time.Second,
		WaitForReceipt: true,
	}
}

func TestSubmitAlwaysUsesPendingNonce(t *testing.T) {
	client := &mockEthClient{baseFee: big.NewInt(1_000_000_000), pendingNonce: 9}
	key, _ := crypto.GenerateKey()

	txMgr, err := NewTxManager(client, testSettings())
	if err != nil {
		t.Fatalf("failed to create tx manager: %+v", err)
	}

	result, err := txMgr.Submit(context.Background(), &CallSpec{To: common.HexToAddress("0xdead")}, key, testPolicy())
	if err != nil {
		t.Fatalf("submit failed: %+v", err)
	}

	if client.pendingNonceCnt == 0 {
		t.Fatal("expected the pending nonce to be fetched")
	}
	if client.sent[0].Nonce() != 9 {
		t.Fatalf("unexpected nonce %d, want the pending nonce 9", client.sent[0].Nonce())
	}
	if result.Status != StatusConfirmed {
		t.Fatalf("unexpected status %s", result.Status)
	}
}

func TestSubmitFeeMarketPricing(t *testing.T) {
	baseFee := big.NewInt(10_000_000_000)
	client := &mockEthClient{baseFee: baseFee}
	key, _ := crypto.GenerateKey()

	txMgr, _ := NewTxManager(client, testSettings())

	_, err := txMgr.Submit(context.Background(), &CallSpec{To: common.HexToAddress("0xdead")}, key, testPolicy())
	if err != nil {
		t.Fatalf("submit failed: %+v", err)
	}

	sent := client.sent[0]
	if sent.Type() != types.DynamicFeeTxType {
		t.Fatalf("expected a fee-market transaction, got type %d", sent.Type())
	}

	// max fee = 2*base + priority
	wantFeeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), big.NewInt(2_000_000_000))
	if sent.GasFeeCap().Cmp(wantFeeCap) != 0 {
		t.Fatalf("unexpected fee cap %s, want %s", sent.GasFeeCap(), wantFeeCap)
	}
	if sent.GasTipCap().Cmp(big.NewInt(2_000_000_000)) != 0 {
		t.Fatalf("unexpected tip %s", sent.GasTipCap())
	}
}

func TestSubmitLegacyPricing(t *testing.T) {
	// no base fee exposed, expect a single legacy gas price field
	client := &mockEthClient{}
	key, _ := crypto.GenerateKey()

	txMgr, _ := NewTxManager(client, testSettings())

	_, err := txMgr.Submit(context.Background(), &CallSpec{To: common.HexToAddress("0xdead")}, key, testPolicy())
	if err != nil {
		t.Fatalf("submit failed: %+v", err)
	}

	sent := client.sent[0]
	if sent.Type() != types.LegacyTxType {
		t.Fatalf("expected a legacy transaction, got type %d", sent.Type())
	}
	if sent.GasPrice().Cmp(big.NewInt(5_000_000_000)) != 0 {
		t.Fatalf("unexpected gas price %s", sent.GasPrice())
	}
}

func TestSubmitGasEstimateFallback(t *testing.T) {
	client := &mockEthClient{baseFee: big.NewInt(1), estimateErr: errors.New("execution reverted")}
	key, _ := crypto.GenerateKey()

	settingsObj := testSettings()
	settingsObj.Chain.GasLimit = 777000

	txMgr, _ := NewTxManager(client, settingsObj)

	_, err := txMgr.Submit(context.Background(), &CallSpec{To: common.HexToAddress("0xdead")}, key, testPolicy())
	if err != nil {
		t.Fatalf("submit failed: %+v", err)
	}

	if gas := client.sent[0].Gas(); gas != 777000 {
		t.Fatalf("expected the configured fallback gas limit, got %d", gas)
	}
}

func TestSubmitRetriesThenSucceeds(t *testing.T) {
	client := &mockEthClient{
		baseFee:  big.NewInt(1_000_000_000),
		sendErrs: []error{errors.New("connection reset"), errors.New("connection reset")},
	}
	key, _ := crypto.GenerateKey()

	txMgr, _ := NewTxManager(client, testSettings())

	policy := testPolicy()
	start := time.Now()

	result, err := txMgr.Submit(context.Background(), &CallSpec{To: common.HexToAddress("0xdead")}, key, policy)
	if err != nil {
		t.Fatalf("submit failed: %+v", err)
	}

	if client.sendCnt != 3 {
		t.Fatalf("expected 3 send attempts, got %d", client.sendCnt)
	}
	if result.Hash != client.sent[2].Hash() {
		t.Fatalf("result hash does not match the third attempt")
	}
	if elapsed := time.Since(start); elapsed < 2*policy.Backoff {
		t.Fatalf("expected two full backoff sleeps, elapsed %s", elapsed)
	}
	// every attempt re-fetches the nonce
	if client.pendingNonceCnt != 3 {
		t.Fatalf("expected 3 nonce fetches, got %d", client.pendingNonceCnt)
	}
}

func TestSubmitExhaustedRetries(t *testing.T) {
	sendErr := errors.New("insufficient funds for gas * price + value")
	client := &mockEthClient{
		baseFee:  big.NewInt(1_000_000_000),
		sendErrs: []error{sendErr, sendErr, sendErr},
	}
	key, _ := crypto.GenerateKey()

	txMgr, _ := NewTxManager(client, testSettings())

	_, err := txMgr.Submit(context.Background(), &CallSpec{To: common.HexToAddress("0xdead")}, key, testPolicy())

	var submissionErr *SubmissionError
	if !errors.As(err, &submissionErr) {
		t.Fatalf("expected SubmissionError, got %+v", err)
	}
	if submissionErr.Attempts != 3 {
		t.Fatalf("unexpected attempt count %d", submissionErr.Attempts)
	}
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected the last cause to be wrapped")
	}
}

func TestSendErrorWithReceiptIsClassifiedNotResubmitted(t *testing.T) {
	client := &mockEthClient{
		baseFee:  big.NewInt(1_000_000_000),
		sendErrs: []error{errors.New("client timeout after send")},
		receipts: map[common.Hash]*types.Receipt{},
	}
	key, _ := crypto.GenerateKey()

	txMgr, _ := NewTxManager(client, testSettings())

	// run once to learn the deterministic tx hash, then re-run with a
	// receipt planted for it
	_, _ = txMgr.Submit(context.Background(), &CallSpec{To: common.HexToAddress("0xdead")}, key, RetryPolicy{
		MaxAttempts: 1, Backoff: time.Millisecond, Deadline: time.Second, WaitForReceipt: true,
	})

	minedHash := client.sent[0].Hash()
	client.receipts[minedHash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(50),
		GasUsed:     30000,
	}
	client.sendErrs = []error{errors.New("client timeout after send")}
	client.sendCnt = 0
	client.sent = nil

	result, err := txMgr.Submit(context.Background(), &CallSpec{To: common.HexToAddress("0xdead")}, key, testPolicy())
	if err != nil {
		t.Fatalf("submit failed: %+v", err)
	}

	if client.sendCnt != 1 {
		t.Fatalf("expected a single send, got %d", client.sendCnt)
	}
	if result.Status != StatusConfirmed {
		t.Fatalf("expected confirmed from the receipt's own flag, got %s", result.Status)
	}
	if result.BlockNumber != 50 {
		t.Fatalf("unexpected block number %d", result.BlockNumber)
	}
}

func TestReceiptTimeoutReturnsUnknown(t *testing.T) {
	client := &mockEthClient{
		baseFee:    big.NewInt(1_000_000_000),
		receipts:   map[common.Hash]*types.Receipt{},
		receiptErr: ethereum.NotFound,
	}
	key, _ := crypto.GenerateKey()

	txMgr, _ := NewTxManager(client, testSettings())

	result, err := txMgr.Submit(context.Background(), &CallSpec{To: common.HexToAddress("0xdead")}, key, RetryPolicy{
		MaxAttempts:    1,
		Backoff:        5 * time.Millisecond,
		Deadline:       30 * time.Millisecond,
		WaitForReceipt: true,
	})

	if !errors.Is(err, ErrReceiptTimeout) {
		t.Fatalf("expected ErrReceiptTimeout, got %+v", err)
	}
	if result == nil || result.Status != StatusUnknown {
		t.Fatalf("expected status unknown, got %+v", result)
	}
}
