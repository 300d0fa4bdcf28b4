package main

import (
	"context"
	"encoding/json"
	"flag"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"mech/goutils/ipfsutils"
	"mech/goutils/logger"
	"mech/goutils/settings"
	"mech/goutils/smartcontract"
	"mech/goutils/smartcontract/bindings"
	"mech/goutils/smartcontract/transactions"
	"mech/mech-request/monitor"
	"mech/mech-request/service"
)

func main() {
	prompt := flag.String("prompt", "", "prompt to send to the mech")
	tool := flag.String("tool", "", "mech tool to run the prompt with")
	priorityMech := flag.String("mech", "", "priority mech address (marketplace flow only)")
	flag.Parse()

	logger.InitLogger()

	settingsObj := settings.ParseSettings()
	if err := settings.ValidateChain(settingsObj); err != nil {
		log.WithError(err).Fatal("chain configuration is unusable")
	}

	if *prompt == "" {
		log.Fatal("a prompt is required")
	}

	ethClient := smartcontract.InitEthClient(settingsObj)
	ipfsClient := ipfsutils.InitClient(settingsObj)

	txMgr, err := transactions.NewTxManager(ethClient, settingsObj)
	if err != nil {
		log.WithError(err).Fatal("failed to init transaction manager")
	}

	ctx := context.Background()

	if settingsObj.Request.UseLegacySubscriber {
		runLegacy(ctx, ethClient, ipfsClient, txMgr, settingsObj, *prompt, *tool)

		return
	}

	marketplace, err := bindings.NewMarketplace(settingsObj.Chain.MarketplaceContract)
	if err != nil {
		log.WithError(err).Fatal("failed to bind marketplace contract")
	}

	svc, err := service.NewRequestService(
		ethClient, ipfsClient, marketplace,
		monitor.NewPollingMonitor(ethClient, marketplace, settingsObj),
		txMgr, settingsObj,
	)
	if err != nil {
		log.WithError(err).Fatal("failed to init request service")
	}

	result, err := svc.SendRequest(ctx, []string{*prompt}, *tool, common.HexToAddress(*priorityMech))
	if err != nil {
		log.WithError(err).Fatal("request pipeline failed")
	}

	report(result)
}

func runLegacy(ctx context.Context, ethClient smartcontract.EthClient, ipfsClient *ipfsutils.IpfsClient, txMgr *transactions.TxManager, settingsObj *settings.SettingsObj, prompt, tool string) {
	legacyMech, err := bindings.NewLegacyMech(settingsObj.Chain.LegacyMechContract)
	if err != nil {
		log.WithError(err).Fatal("failed to bind legacy mech contract")
	}

	subscriber, ok := ethClient.(smartcontract.LogSubscriber)
	if !ok {
		log.Fatal("legacy subscriber flow needs a websocket rpc endpoint")
	}

	svc, err := service.NewLegacyRequestService(
		ethClient, ipfsClient, legacyMech,
		monitor.NewSubscriptionMonitor(subscriber, legacyMech, settingsObj),
		txMgr, settingsObj,
	)
	if err != nil {
		log.WithError(err).Fatal("failed to init legacy request service")
	}

	result, err := svc.SendRequest(ctx, prompt, tool)
	if err != nil {
		log.WithError(err).Fatal("legacy request pipeline failed")
	}

	report(result)
}

func report(result interface{}) {
	rendered, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.WithError(err).Fatal("failed to render result")
	}

	log.Info("request finished:\n", string(rendered))
}
