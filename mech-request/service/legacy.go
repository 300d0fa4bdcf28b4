package service

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
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

// LegacyRequestService drives the deprecated pre-marketplace mech: one
// request per transaction, priced per call, delivery announced over a log
// subscription instead of polling.
type LegacyRequestService struct {
	client      smartcontract.EthClient
	store       contentStore
	legacyMech  *bindings.LegacyMech
	monitor     *monitor.SubscriptionMonitor
	txMgr       *transactions.TxManager
	settingsObj *settings.SettingsObj
	privKey     *ecdsa.PrivateKey
	account     common.Address
}

func NewLegacyRequestService(client smartcontract.EthClient, store contentStore, legacyMech *bindings.LegacyMech, mon *monitor.SubscriptionMonitor, txMgr *transactions.TxManager, settingsObj *settings.SettingsObj) (*LegacyRequestService, error) {
	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(settingsObj.Signer.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signer private key: %w", err)
	}

	return &LegacyRequestService{
		client:      client,
		store:       store,
		legacyMech:  legacyMech,
		monitor:     mon,
		txMgr:       txMgr,
		settingsObj: settingsObj,
		privKey:     privKey,
		account:     crypto.PubkeyToAddress(privKey.PublicKey),
	}, nil
}

// SendRequest runs the legacy single-request flow end to end.
func (s *LegacyRequestService) SendRequest(ctx context.Context, prompt, tool string) (*datamodel.RequestResult, error) {
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

	// the legacy mech quotes a flat price per request
	price, err := s.legacyMech.Price(ctx, s.client)
	if err != nil {
		return nil, err
	}

	calldata, err := s.legacyMech.PackRequest(cidutils.MultihashFromDigest(digest))
	if err != nil {
		return nil, err
	}

	submitted, err := s.txMgr.Submit(ctx, &transactions.CallSpec{
		To:    s.legacyMech.Address(),
		Data:  calldata,
		Value: price,
	}, s.privKey, transactions.RequestPolicy(s.settingsObj))
	if err != nil {
		return nil, err
	}

	if submitted.Status != transactions.StatusConfirmed {
		return nil, fmt.Errorf("legacy request transaction %s not confirmed: %s", submitted.Hash.Hex(), submitted.Status)
	}

	requestId, err := s.legacyMech.ParseRequestId(submitted.Receipt.Logs)
	if err != nil {
		return nil, err
	}

	log.WithField("txHash", submitted.Hash.Hex()).WithField("requestId", requestId.String()).
		Info("legacy request confirmed, waiting for delivery")

	url, err := s.monitor.WaitForLegacyDelivery(ctx, requestId)
	if err != nil {
		return nil, err
	}

	result := &datamodel.RequestResult{
		TxHash:     submitted.Hash.Hex(),
		Status:     string(submitted.Status),
		RequestIds: []string{requestId.String()},
		Deliveries: map[string]string{requestId.String(): url},
	}

	if body, ferr := s.store.FetchFromGateway(ctx, url); ferr == nil {
		result.Contents = map[string]json.RawMessage{requestId.String(): json.RawMessage(body)}
	} else {
		log.WithError(ferr).WithField("url", url).Warn("failed to fetch delivered content")
	}

	return result, nil
}
