package service

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"

	"mech/caching"
	"mech/goutils/cidutils"
	"mech/goutils/multisig"
	"mech/goutils/settings"
	"mech/goutils/smartcontract"
	"mech/goutils/smartcontract/bindings"
	"mech/goutils/smartcontract/transactions"
	"mech/mech-deliver/datamodel"
	requestmodel "mech/mech-request/datamodel"
)

// contentStore is the slice of the IPFS client the deliver flow consumes.
type contentStore interface {
	Upload(ctx context.Context, data []byte) (string, error)
}

// DeliverService turns queued results into on-chain deliveries: pin the
// result, wrap the delivery call in a signed multisig meta-transaction and
// submit it, then record the delivered content URL in the caches.
type DeliverService struct {
	client        smartcontract.EthClient
	store         contentStore
	mech          *bindings.Mech
	safe          *bindings.Safe
	txMgr         *transactions.TxManager
	settingsObj   *settings.SettingsObj
	deliveryCache caching.DeliveryCache
	diskCache     caching.DiskCache
	privKey       *ecdsa.PrivateKey
}

func NewDeliverService(client smartcontract.EthClient, store contentStore, mech *bindings.Mech, safe *bindings.Safe, txMgr *transactions.TxManager, deliveryCache caching.DeliveryCache, diskCache caching.DiskCache, settingsObj *settings.SettingsObj) (*DeliverService, error) {
	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(settingsObj.Signer.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signer private key: %w", err)
	}

	return &DeliverService{
		client:        client,
		store:         store,
		mech:          mech,
		safe:          safe,
		txMgr:         txMgr,
		settingsObj:   settingsObj,
		deliveryCache: deliveryCache,
		diskCache:     diskCache,
		privKey:       privKey,
	}, nil
}

// ResumePendingDeliveries reconciles the pending-delivery set after a
// restart. Markers for ids whose delivery already confirmed are dropped;
// the rest stay pending and are reprocessed when the broker redelivers
// their unacked tasks.
func (s *DeliverService) ResumePendingDeliveries(ctx context.Context) {
	pending, err := s.deliveryCache.GetPendingDeliveries(ctx)
	if err != nil {
		log.WithError(err).Error("failed to read pending deliveries, skipping resume")

		return
	}

	for _, requestId := range pending {
		if url, cerr := s.deliveryCache.GetDeliveredURL(ctx, requestId); cerr == nil {
			log.WithField("requestId", requestId).WithField("url", url).
				Info("pending delivery already confirmed, clearing stale marker")

			if rerr := s.deliveryCache.RemovePendingDelivery(ctx, requestId); rerr != nil {
				log.WithError(rerr).Error("failed to clear stale pending delivery")
			}

			continue
		}

		log.WithField("requestId", requestId).
			Warn("delivery interrupted before confirmation, awaiting broker redelivery")
	}
}

// Run handles one queued delivery task. Returning an error nacks the message
// back onto the queue.
func (s *DeliverService) Run(msgBody []byte, topic string) error {
	ctx := context.Background()

	task := new(datamodel.DeliverTaskMessage)
	if err := json.Unmarshal(msgBody, task); err != nil {
		log.WithError(err).WithField("topic", topic).Error("failed to unmarshal delivery task")

		return err
	}

	requestId, err := requestmodel.ParseRequestID(task.RequestId)
	if err != nil {
		return err
	}

	// requeued or replayed tasks for an already-delivered id are dropped
	if url, cerr := s.deliveryCache.GetDeliveredURL(ctx, requestId.Hex()); cerr == nil {
		log.WithField("requestId", requestId.Hex()).WithField("url", url).
			Info("request already delivered, skipping")

		return nil
	}

	if err = s.deliveryCache.AddPendingDelivery(ctx, requestId.Hex()); err != nil {
		log.WithError(err).Warn("failed to track pending delivery, continuing")
	}

	url, txHash, err := s.deliver(ctx, requestId, task.Result)
	if err != nil {
		return err
	}

	s.recordDelivery(ctx, requestId, url, txHash, task.Result)

	return nil
}

// deliver pins the result and submits the multisig-wrapped delivery call.
func (s *DeliverService) deliver(ctx context.Context, requestId requestmodel.RequestID, result json.RawMessage) (string, string, error) {
	pinnedCid, err := s.store.Upload(ctx, result)
	if err != nil {
		return "", "", fmt.Errorf("failed to pin delivery result: %w", err)
	}

	digest, err := cidutils.DigestFromCID(pinnedCid)
	if err != nil {
		return "", "", err
	}

	// single-item delivery still uses the batch calldata shape
	calldata, err := s.mech.PackDeliverToMarketplace(
		[][32]byte{requestId.Bytes32()},
		[][]byte{cidutils.MultihashFromDigest(digest)},
	)
	if err != nil {
		return "", "", err
	}

	metaTx, err := multisig.BuildMetaTx(ctx, s.client, s.safe, s.privKey, s.mech.Address(), calldata)
	if err != nil {
		return "", "", err
	}

	execData, err := metaTx.PackExec(s.safe)
	if err != nil {
		return "", "", err
	}

	submitted, err := s.txMgr.Submit(ctx, &transactions.CallSpec{
		To:   s.safe.Address(),
		Data: execData,
	}, s.privKey, transactions.DeliveryPolicy(s.settingsObj))
	if err != nil {
		return "", "", err
	}

	if submitted.Status != transactions.StatusConfirmed {
		return "", "", fmt.Errorf("delivery transaction %s not confirmed: %s", submitted.Hash.Hex(), submitted.Status)
	}

	url := cidutils.GatewayURLForDigest(s.settingsObj.IpfsConfig.GatewayURL, digest) + "/" + requestId.Decimal()

	log.WithField("requestId", requestId.Hex()).WithField("txHash", submitted.Hash.Hex()).
		WithField("url", url).Info("delivery confirmed on chain")

	return url, submitted.Hash.Hex(), nil
}

// recordDelivery persists the outcome in redis and on disk. Cache failures
// are logged but never fail the task, the delivery already landed on chain.
func (s *DeliverService) recordDelivery(ctx context.Context, requestId requestmodel.RequestID, url, txHash string, result json.RawMessage) {
	if err := s.deliveryCache.StoreDeliveredURL(ctx, requestId.Hex(), url); err != nil {
		log.WithError(err).Error("failed to cache delivered url")
	}

	if err := s.deliveryCache.StoreDeliveredContent(ctx, requestId.Hex(), result); err != nil {
		log.WithError(err).Error("failed to cache delivered content")
	}

	if err := s.deliveryCache.RemovePendingDelivery(ctx, requestId.Hex()); err != nil {
		log.WithError(err).Error("failed to clear pending delivery")
	}

	if s.settingsObj.DeliveryCachePath == "" {
		return
	}

	receipt, err := json.Marshal(&datamodel.DeliveryReceipt{
		RequestId: requestId.Hex(),
		TxHash:    txHash,
		URL:       url,
	})
	if err != nil {
		log.WithError(err).Error("failed to marshal delivery receipt")

		return
	}

	path := s.settingsObj.DeliveryCachePath + "/" + requestId.Decimal() + ".json"
	if err := s.diskCache.Write(path, receipt); err != nil {
		log.WithError(err).WithField("path", path).Error("failed to write delivery receipt to disk")
	}
}
