package monitor

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	log "github.com/sirupsen/logrus"

	"mech/goutils/cidutils"
	"mech/goutils/settings"
	"mech/goutils/smartcontract"
	"mech/goutils/smartcontract/bindings"
)

// SubscriptionMonitor is the deprecated push-based delivery path for the
// legacy, non-marketplace mech. It needs a websocket RPC endpoint and is
// kept isolated from the polling flow; new code should use PollingMonitor.
type SubscriptionMonitor struct {
	subscriber smartcontract.LogSubscriber
	legacyMech *bindings.LegacyMech
	gatewayURL string
	timeout    time.Duration
}

func NewSubscriptionMonitor(subscriber smartcontract.LogSubscriber, legacyMech *bindings.LegacyMech, settingsObj *settings.SettingsObj) *SubscriptionMonitor {
	return &SubscriptionMonitor{
		subscriber: subscriber,
		legacyMech: legacyMech,
		gatewayURL: settingsObj.IpfsConfig.GatewayURL,
		timeout:    time.Duration(settingsObj.Request.DeliveryTimeoutSecs) * time.Second,
	}
}

// WaitForLegacyDelivery blocks until a Deliver event for the numeric request
// id arrives or the delivery deadline passes. A dropped subscription is
// re-established with backoff; events for other ids are ignored.
func (m *SubscriptionMonitor) WaitForLegacyDelivery(ctx context.Context, requestId *big.Int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	logsChan := make(chan types.Log, 16)

	sub, err := m.subscribe(ctx, logsChan)
	if err != nil {
		return "", err
	}
	defer func() { sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("legacy delivery wait ended: %w", ctx.Err())

		case subErr := <-sub.Err():
			log.WithError(subErr).Warn("delivery subscription dropped, resubscribing")

			sub.Unsubscribe()

			sub, err = m.subscribe(ctx, logsChan)
			if err != nil {
				return "", err
			}

		case lg := <-logsChan:
			url, matched := m.matchDelivery(requestId, lg)
			if matched {
				return url, nil
			}
		}
	}
}

func (m *SubscriptionMonitor) subscribe(ctx context.Context, logsChan chan<- types.Log) (ethereum.Subscription, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{m.legacyMech.Address()},
		Topics:    [][]common.Hash{{m.legacyMech.DeliverEventID()}},
	}

	var sub ethereum.Subscription

	err := backoff.Retry(func() error {
		var subErr error
		sub, subErr = m.subscriber.SubscribeFilterLogs(ctx, query, logsChan)

		return subErr
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to delivery logs: %w", err)
	}

	return sub, nil
}

func (m *SubscriptionMonitor) matchDelivery(requestId *big.Int, lg types.Log) (string, bool) {
	event, err := m.legacyMech.DecodeDeliverLog(lg)
	if err != nil {
		log.WithError(err).Debug("skipping undecodable legacy Deliver log")

		return "", false
	}

	if event.RequestId.Cmp(requestId) != 0 {
		return "", false
	}

	digest, err := cidutils.DigestFromPayload(event.Data)
	if err != nil {
		log.WithError(err).WithField("requestId", requestId.String()).
			Debug("skipping legacy Deliver log with unusable content reference")

		return "", false
	}

	url := cidutils.GatewayURLForDigest(m.gatewayURL, digest) + "/" + requestId.String()

	return url, true
}
