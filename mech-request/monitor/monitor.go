package monitor

import (
	"context"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	log "github.com/sirupsen/logrus"

	"mech/goutils/cidutils"
	"mech/goutils/settings"
	"mech/goutils/smartcontract"
	"mech/goutils/smartcontract/bindings"
	"mech/mech-request/datamodel"
)

// DeliveryMonitor watches submitted request ids until their results land
// on chain. Implementations return whatever subset was delivered before the
// deadline; a partial map is a valid outcome, not an error.
type DeliveryMonitor interface {
	WaitForDelivery(ctx context.Context, requestIds []datamodel.RequestID, fromBlock uint64) (map[string]string, error)
}

// PollingMonitor detects deliveries in two phases. Phase one polls the
// marketplace's request-info accessor until each id is matched to a worker.
// Phase two scans that worker's delivery logs with a moving from-block
// cursor, one scan loop per distinct worker regardless of how many ids it
// serves.
type PollingMonitor struct {
	client      smartcontract.EthClient
	marketplace *bindings.Marketplace
	gatewayURL  string
	interval    time.Duration
	timeout     time.Duration
}

func NewPollingMonitor(client smartcontract.EthClient, marketplace *bindings.Marketplace, settingsObj *settings.SettingsObj) *PollingMonitor {
	return &PollingMonitor{
		client:      client,
		marketplace: marketplace,
		gatewayURL:  settingsObj.IpfsConfig.GatewayURL,
		interval:    time.Duration(settingsObj.Request.PollingIntervalSecs) * time.Second,
		timeout:     time.Duration(settingsObj.Request.DeliveryTimeoutSecs) * time.Second,
	}
}

// WatchForAssignment runs phase one only: it polls until every watched id
// has a worker or the context ends. RPC errors on individual polls are
// transient and skip to the next tick.
func (m *PollingMonitor) WatchForAssignment(ctx context.Context, record *datamodel.DeliveryRecord) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.pollAssignments(ctx, record)

		if record.AllAssigned() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *PollingMonitor) pollAssignments(ctx context.Context, record *datamodel.DeliveryRecord) {
	for _, id := range record.Unassigned() {
		info, err := m.marketplace.GetRequestInfo(ctx, m.client, id.Bytes32())
		if err != nil {
			log.WithError(err).WithField("requestId", id.Hex()).
				Debug("request info poll failed, will retry next tick")

			continue
		}

		if record.Assign(id, info.DeliveryMech) {
			log.WithField("requestId", id.Hex()).WithField("mech", info.DeliveryMech.Hex()).
				Info("request assigned to mech")
		}
	}
}

// WaitForDelivery runs both phases until every watched id is delivered or
// the delivery deadline passes. fromBlock anchors the log scans, normally
// the block of the request transaction's receipt.
func (m *PollingMonitor) WaitForDelivery(ctx context.Context, requestIds []datamodel.RequestID, fromBlock uint64) (map[string]string, error) {
	record := datamodel.NewDeliveryRecord(requestIds)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	// assignment must be fully resolved before any log scan starts: a
	// Deliver log observed for an id whose worker is not yet known would be
	// rejected while the scan cursor moves past it, losing that delivery
	m.WatchForAssignment(ctx, record)

	// one scan loop per distinct worker; assignments are frozen from here on
	var wg sync.WaitGroup
	for mech := range record.IdsByMech() {
		wg.Add(1)
		go func(mech common.Address) {
			defer wg.Done()
			m.scanMechDeliveries(ctx, mech, record, fromBlock)
		}(mech)
	}

	wg.Wait()

	delivered := record.DeliveredURLs()
	if len(delivered) < len(requestIds) {
		log.WithField("delivered", len(delivered)).WithField("watched", len(requestIds)).
			Warn("delivery watch ended with undelivered requests")
	}

	return delivered, nil
}

// scanMechDeliveries repeatedly filters the worker's Deliver logs from a
// moving cursor. The cursor only advances past a range once it was scanned
// without error, so a failed filter call is retried over the same blocks.
func (m *PollingMonitor) scanMechDeliveries(ctx context.Context, mechAddr common.Address, record *datamodel.DeliveryRecord, fromBlock uint64) {
	mech, err := bindings.NewMech(mechAddr)
	if err != nil {
		log.WithError(err).WithField("mech", mechAddr.Hex()).Error("failed to bind mech contract")

		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	cursor := fromBlock

	for {
		latest, err := m.client.BlockNumber(ctx)
		if err != nil {
			log.WithError(err).Debug("block number fetch failed, will retry next tick")
		} else if latest >= cursor {
			logs, err := m.client.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(cursor),
				ToBlock:   new(big.Int).SetUint64(latest),
				Addresses: []common.Address{mechAddr},
				Topics:    [][]common.Hash{{mech.DeliverEventID()}},
			})
			if err != nil {
				log.WithError(err).WithField("mech", mechAddr.Hex()).
					Debug("delivery log scan failed, cursor not advanced")
			} else {
				for _, lg := range logs {
					m.recordDelivery(mech, record, lg)
				}
				cursor = latest + 1
			}
		}

		if record.AllDeliveredFor(mechAddr) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *PollingMonitor) recordDelivery(mech *bindings.Mech, record *datamodel.DeliveryRecord, lg types.Log) {
	event, err := mech.DecodeDeliverLog(lg)
	if err != nil {
		log.WithError(err).Debug("skipping undecodable Deliver log")

		return
	}

	id := datamodel.RequestIDFromBytes(event.RequestId)

	url, err := deliveryURL(m.gatewayURL, id, event.Data)
	if err != nil {
		log.WithError(err).WithField("requestId", id.Hex()).
			Debug("skipping Deliver log with unusable content reference")

		return
	}

	if record.Deliver(id, url) {
		log.WithField("requestId", id.Hex()).WithField("url", url).Info("request delivered")
	}
}

// deliveryURL builds the gateway URL of a delivered result from the digest
// payload carried in the Deliver log, with the request id's decimal
// rendering as the content path.
func deliveryURL(gatewayURL string, id datamodel.RequestID, payload []byte) (string, error) {
	digest, err := cidutils.DigestFromPayload(payload)
	if err != nil {
		return "", err
	}

	return cidutils.GatewayURLForDigest(gatewayURL, digest) + "/" + id.Decimal(), nil
}
