package service

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"mech/goutils/cidutils"
	"mech/goutils/settings"
	"mech/goutils/smartcontract"
	"mech/goutils/smartcontract/bindings"
	"mech/goutils/smartcontract/transactions"
	"mech/mech-request/datamodel"
	"mech/mech-request/monitor"
)

// ErrInsufficientBalance is returned by the payment preflight when the signer
// cannot cover the request's maximum delivery cost.
var ErrInsufficientBalance = errors.New("insufficient balance for request payment")

// contentStore is the slice of the IPFS client the pipeline consumes.
type contentStore interface {
	Upload(ctx context.Context, data []byte) (string, error)
	FetchFromGateway(ctx context.Context, url string) ([]byte, error)
}

// RequestService runs the request pipeline end to end: pin the prompt
// payloads, preflight payment, submit the marketplace request transaction,
// watch for deliveries and fetch the delivered content.
type RequestService struct {
	client      smartcontract.EthClient
	store       contentStore
	marketplace *bindings.Marketplace
	monitor     monitor.DeliveryMonitor
	txMgr       *transactions.TxManager
	settingsObj *settings.SettingsObj
	privKey     *ecdsa.PrivateKey
	account     common.Address
}

func NewRequestService(client smartcontract.EthClient, store contentStore, marketplace *bindings.Marketplace, mon monitor.DeliveryMonitor, txMgr *transactions.TxManager, settingsObj *settings.SettingsObj) (*RequestService, error) {
	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(settingsObj.Signer.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signer private key: %w", err)
	}

	return &RequestService{
		client:      client,
		store:       store,
		marketplace: marketplace,
		monitor:     mon,
		txMgr:       txMgr,
		settingsObj: settingsObj,
		privKey:     privKey,
		account:     crypto.PubkeyToAddress(privKey.PublicKey),
	}, nil
}

// SendRequest runs the pipeline for one or more prompts against a priority
// mech. The returned result carries whatever deliveries landed before the
// delivery deadline; missing entries mean the watch timed out for those ids.
func (s *RequestService) SendRequest(ctx context.Context, prompts []string, tool string, priorityMech common.Address) (*datamodel.RequestResult, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("no prompts to request")
	}

	datas, err := s.pinPrompts(ctx, prompts, tool)
	if err != nil {
		return nil, err
	}

	paymentKind, err := datamodel.ParsePaymentKind(s.settingsObj.Request.PaymentType)
	if err != nil {
		return nil, err
	}

	maxRate := big.NewInt(s.settingsObj.Request.MaxDeliveryRate)
	totalCost := new(big.Int).Mul(maxRate, big.NewInt(int64(len(prompts))))

	value, err := s.preflightPayment(ctx, paymentKind, totalCost)
	if err != nil {
		return nil, err
	}

	calldata, err := s.packRequest(datas, maxRate, paymentKind, priorityMech)
	if err != nil {
		return nil, err
	}

	submitted, err := s.txMgr.Submit(ctx, &transactions.CallSpec{
		To:    s.marketplace.Address(),
		Data:  calldata,
		Value: value,
	}, s.privKey, transactions.RequestPolicy(s.settingsObj))
	if err != nil {
		return nil, err
	}

	if submitted.Status != transactions.StatusConfirmed {
		return nil, fmt.Errorf("request transaction %s not confirmed: %s", submitted.Hash.Hex(), submitted.Status)
	}

	rawIds, err := s.marketplace.ParseRequestIds(submitted.Receipt.Logs)
	if err != nil {
		return nil, err
	}

	requestIds := make([]datamodel.RequestID, 0, len(rawIds))
	for _, raw := range rawIds {
		requestIds = append(requestIds, datamodel.RequestIDFromBytes(raw))
	}

	log.WithField("txHash", submitted.Hash.Hex()).WithField("numRequests", len(requestIds)).
		Info("marketplace request confirmed, watching for deliveries")

	delivered, err := s.monitor.WaitForDelivery(ctx, requestIds, submitted.BlockNumber)
	if err != nil {
		return nil, err
	}

	result := &datamodel.RequestResult{
		TxHash:     submitted.Hash.Hex(),
		Status:     string(submitted.Status),
		Deliveries: delivered,
		Contents:   s.fetchDeliveries(ctx, delivered),
	}
	for _, id := range requestIds {
		result.RequestIds = append(result.RequestIds, id.Hex())
	}

	return result, nil
}

// pinPrompts pins each prompt payload and returns the on-chain request data,
// the pinned content's sha2-256 multihash. A fresh nonce per payload keeps
// identical prompts from colliding on the same content id.
func (s *RequestService) pinPrompts(ctx context.Context, prompts []string, tool string) ([][]byte, error) {
	datas := make([][]byte, 0, len(prompts))

	for _, prompt := range prompts {
		payload, err := json.Marshal(&datamodel.RequestPayload{
			Prompt: prompt,
			Tool:   tool,
			Nonce:  uuid.NewString(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request payload: %w", err)
		}

		pinnedCid, err := s.store.Upload(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to pin request payload: %w", err)
		}

		digest, err := cidutils.DigestFromCID(pinnedCid)
		if err != nil {
			return nil, err
		}

		log.WithField("cid", pinnedCid).Debug("request payload pinned")
		datas = append(datas, cidutils.MultihashFromDigest(digest))
	}

	return datas, nil
}

// preflightPayment dispatches on the payment kind exactly once per request
// and returns the native value to attach to the request transaction.
func (s *RequestService) preflightPayment(ctx context.Context, kind datamodel.PaymentKind, totalCost *big.Int) (*big.Int, error) {
	switch kind {
	case datamodel.PaymentNative:
		balance, err := s.client.BalanceAt(ctx, s.account, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read native balance: %w", err)
		}

		if balance.Cmp(totalCost) < 0 {
			return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, totalCost)
		}

		return totalCost, nil

	case datamodel.PaymentToken:
		if err := s.preflightToken(ctx, totalCost); err != nil {
			return nil, err
		}

		return big.NewInt(0), nil

	case datamodel.PaymentSubscription:
		// subscription credits are tracked by the marketplace itself;
		// a shortfall surfaces as a reverted request transaction
		return big.NewInt(0), nil

	default:
		return nil, fmt.Errorf("unknown payment kind %q", kind)
	}
}

// preflightToken checks the token balance and tops up the marketplace
// allowance with an approve transaction when it comes up short.
func (s *RequestService) preflightToken(ctx context.Context, totalCost *big.Int) error {
	token, err := bindings.NewERC20(s.settingsObj.Request.PaymentToken)
	if err != nil {
		return err
	}

	balance, err := token.BalanceOf(ctx, s.client, s.account)
	if err != nil {
		return fmt.Errorf("failed to read token balance: %w", err)
	}

	if balance.Cmp(totalCost) < 0 {
		return fmt.Errorf("%w: token balance %s, need %s", ErrInsufficientBalance, balance, totalCost)
	}

	allowance, err := token.Allowance(ctx, s.client, s.account, s.marketplace.Address())
	if err != nil {
		return fmt.Errorf("failed to read token allowance: %w", err)
	}

	if allowance.Cmp(totalCost) >= 0 {
		return nil
	}

	approveData, err := token.PackApprove(s.marketplace.Address(), totalCost)
	if err != nil {
		return err
	}

	log.WithField("token", token.Address().Hex()).WithField("amount", totalCost).
		Info("token allowance too low, submitting approval")

	approved, err := s.txMgr.Submit(ctx, &transactions.CallSpec{
		To:   token.Address(),
		Data: approveData,
	}, s.privKey, transactions.RequestPolicy(s.settingsObj))
	if err != nil {
		return err
	}

	if approved.Status != transactions.StatusConfirmed {
		return fmt.Errorf("approval transaction %s not confirmed: %s", approved.Hash.Hex(), approved.Status)
	}

	return nil
}

func (s *RequestService) packRequest(datas [][]byte, maxRate *big.Int, kind datamodel.PaymentKind, priorityMech common.Address) ([]byte, error) {
	paymentType := paymentTypeId(kind)
	responseTimeout := big.NewInt(s.settingsObj.Request.ResponseTimeoutSecs)

	if len(datas) == 1 {
		return s.marketplace.PackRequest(datas[0], maxRate, paymentType, priorityMech, responseTimeout, nil)
	}

	return s.marketplace.PackRequestBatch(datas, maxRate, paymentType, priorityMech, responseTimeout, nil)
}

// paymentTypeId maps a payment kind to the marketplace's bytes32 tag.
func paymentTypeId(kind datamodel.PaymentKind) [32]byte {
	return [32]byte(crypto.Keccak256Hash([]byte(kind)))
}

// fetchDeliveries pulls delivered content from the gateway. A failed fetch
// leaves its entry out of the map; the delivery URL is still reported.
func (s *RequestService) fetchDeliveries(ctx context.Context, delivered map[string]string) map[string]json.RawMessage {
	if len(delivered) == 0 {
		return nil
	}

	contents := make(map[string]json.RawMessage, len(delivered))

	for idHex, url := range delivered {
		body, err := s.store.FetchFromGateway(ctx, url)
		if err != nil {
			log.WithError(err).WithField("requestId", idHex).WithField("url", url).
				Warn("failed to fetch delivered content")

			continue
		}

		contents[idHex] = json.RawMessage(body)
	}

	return contents
}
