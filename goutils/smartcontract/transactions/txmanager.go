package transactions

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"

	"mech/goutils/settings"
	"mech/goutils/smartcontract"
)

type TxStatus string

const (
	StatusSubmitted TxStatus = "submitted"
	StatusConfirmed TxStatus = "confirmed"
	StatusReverted  TxStatus = "reverted"
	StatusUnknown   TxStatus = "unknown"
)

// ErrReceiptTimeout marks a submission that was accepted but whose receipt
// did not show up before the caller's wait ended. Non-fatal, the result
// carries status unknown.
var ErrReceiptTimeout = errors.New("transaction receipt not observed before deadline")

// SubmissionError is returned once the full retry budget is exhausted,
// wrapping the last underlying cause.
type SubmissionError struct {
	Attempts int
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("transaction submission failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// CallSpec is the unsigned description of a transaction to submit.
// GasLimit of zero means estimate against the pending call.
type CallSpec struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// RetryPolicy bounds a submission: attempt budget, fixed backoff between
// attempts and an overall wall-clock deadline.
type RetryPolicy struct {
	MaxAttempts    int
	Backoff        time.Duration
	Deadline       time.Duration
	WaitForReceipt bool
}

// RequestPolicy is the retry budget for plain request transactions.
func RequestPolicy(settingsObj *settings.SettingsObj) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    *settingsObj.RetryCount,
		Backoff:        time.Duration(settingsObj.RetryIntervalSecs) * time.Second,
		Deadline:       time.Duration(settingsObj.Request.RequestTimeoutSecs) * time.Second,
		WaitForReceipt: true,
	}
}

// DeliveryPolicy is the wider budget used for marketplace/delivery flows.
func DeliveryPolicy(settingsObj *settings.SettingsObj) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    *settingsObj.RetryCount,
		Backoff:        time.Duration(settingsObj.RetryIntervalSecs) * time.Second,
		Deadline:       time.Duration(settingsObj.Request.DeliveryTimeoutSecs) * time.Second,
		WaitForReceipt: true,
	}
}

type SubmitResult struct {
	Hash        common.Hash    `json:"hash"`
	Status      TxStatus       `json:"status"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
	GasUsed     uint64         `json:"gasUsed,omitempty"`
	Receipt     *types.Receipt `json:"-"`
}

type TxManager struct {
	client      smartcontract.EthClient
	chainID     *big.Int
	settingsObj *settings.SettingsObj
}

func NewTxManager(client smartcontract.EthClient, settingsObj *settings.SettingsObj) (*TxManager, error) {
	chainID := big.NewInt(settingsObj.Chain.ChainID)

	if chainID.Sign() == 0 {
		var err error

		chainID, err = client.ChainID(context.Background())
		if err != nil {
			log.WithError(err).Error("failed to get chain id")

			return nil, err
		}
	}

	return &TxManager{
		client:      client,
		chainID:     chainID,
		settingsObj: settingsObj,
	}, nil
}

// Submit prices, signs and sends the call, retrying transient failures with
// a fresh nonce and fee quote each attempt until the policy's budget or
// deadline runs out, then waits for and classifies the receipt.
func (t *TxManager) Submit(ctx context.Context, call *CallSpec, privKey *ecdsa.PrivateKey, policy RetryPolicy) (*SubmitResult, error) {
	from := crypto.PubkeyToAddress(privKey.PublicKey)
	deadline := time.Now().Add(policy.Deadline)

	var lastErr error

	attempts := 0

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if time.Now().After(deadline) {
			break
		}

		attempts = attempt

		tx, err := t.buildTx(ctx, from, call)
		if err != nil {
			// transient chain read (nonce, fees, head block), retry
			lastErr = err

			log.WithError(err).WithField("attempt", attempt).Error("failed to build transaction, retrying")
			time.Sleep(policy.Backoff)

			continue
		}

		signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), privKey)
		if err != nil {
			// a signing failure cannot succeed on retry
			log.WithError(err).Error("failed to sign transaction")

			return nil, err
		}

		err = t.client.SendTransaction(ctx, signedTx)
		if err == nil {
			log.WithField("txHash", signedTx.Hash().Hex()).Info("transaction submitted successfully")

			return t.finalize(ctx, signedTx.Hash(), policy, deadline)
		}

		// The remote node may have accepted the transaction before the
		// client call errored locally. Classify from the receipt when one
		// exists instead of resubmitting an already-mined transaction.
		if receipt, rerr := t.client.TransactionReceipt(ctx, signedTx.Hash()); rerr == nil && receipt != nil {
			log.WithField("txHash", signedTx.Hash().Hex()).
				Warn("send errored locally but transaction has a receipt, classifying from receipt")

			return resultFromReceipt(signedTx.Hash(), receipt), nil
		}

		lastErr = err

		log.WithError(err).WithField("attempt", attempt).Error("failed to send transaction, retrying")
		time.Sleep(policy.Backoff)
	}

	return nil, &SubmissionError{Attempts: attempts, Err: lastErr}
}

// buildTx fetches a fresh pending nonce and fee quote and assembles the
// unsigned transaction. The pending nonce keeps concurrent submissions from
// the same signer correct; a nonce captured before a previous submission
// must never be reused.
func (t *TxManager) buildTx(ctx context.Context, from common.Address, call *CallSpec) (*types.Transaction, error) {
	nonce, err := t.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending nonce: %w", err)
	}

	head, err := t.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get head block: %w", err)
	}

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := call.GasLimit
	if gasLimit == 0 {
		gasLimit, err = t.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &call.To,
			Value: value,
			Data:  call.Data,
		})
		if err != nil {
			gasLimit = t.settingsObj.Chain.GasLimit

			log.WithError(err).WithField("fallbackGasLimit", gasLimit).
				Warn("gas estimation failed, using configured static limit")
		}
	}

	to := call.To

	if head.BaseFee == nil {
		// chain without a fee market, single legacy gas price field
		gasPrice, err := t.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gas price: %w", err)
		}

		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &to,
			Value:    value,
			Data:     call.Data,
		}), nil
	}

	tip, err := t.client.SuggestGasTipCap(ctx)
	if err != nil {
		tip = big.NewInt(t.settingsObj.Chain.PriorityFeeWei)

		log.WithError(err).WithField("fallbackTip", tip).
			Warn("failed to get priority fee suggestion, using configured default")
	}

	// max fee = 2*base + priority
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	}), nil
}

// finalize waits for the receipt of an accepted submission and classifies it.
func (t *TxManager) finalize(ctx context.Context, txHash common.Hash, policy RetryPolicy, deadline time.Time) (*SubmitResult, error) {
	if !policy.WaitForReceipt {
		return &SubmitResult{Hash: txHash, Status: StatusSubmitted}, nil
	}

	for {
		receipt, err := t.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return resultFromReceipt(txHash, receipt), nil
		}

		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.WithError(err).WithField("txHash", txHash.Hex()).Debug("receipt lookup failed, retrying")
		}

		if time.Now().After(deadline) {
			return &SubmitResult{Hash: txHash, Status: StatusUnknown}, ErrReceiptTimeout
		}

		time.Sleep(policy.Backoff)
	}
}

func resultFromReceipt(txHash common.Hash, receipt *types.Receipt) *SubmitResult {
	result := &SubmitResult{
		Hash:    txHash,
		GasUsed: receipt.GasUsed,
		Receipt: receipt,
	}

	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		result.Status = StatusConfirmed
	} else {
		result.Status = StatusReverted
	}

	return result
}
