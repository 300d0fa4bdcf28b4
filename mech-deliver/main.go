package main

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"mech/caching"
	"mech/goutils/ipfsutils"
	"mech/goutils/logger"
	"mech/goutils/redisutils"
	"mech/goutils/settings"
	"mech/goutils/smartcontract"
	"mech/goutils/smartcontract/bindings"
	"mech/goutils/smartcontract/transactions"
	taskmgr "mech/goutils/taskmgr/rabbitmq"
	"mech/mech-deliver/service"
	"mech/mech-deliver/worker"
)

func main() {
	logger.InitLogger()

	settingsObj := settings.ParseSettings()
	if err := settings.ValidateChain(settingsObj); err != nil {
		log.WithError(err).Fatal("chain configuration is unusable")
	}

	if settingsObj.Chain.MechContract == "" || settingsObj.Signer.SafeAddress == "" {
		log.Fatal("deliver worker needs a mech contract and a safe address")
	}

	ethClient := smartcontract.InitEthClient(settingsObj)
	ipfsClient := ipfsutils.InitClient(settingsObj)

	redisClient := redisutils.InitRedisClient(
		settingsObj.Redis.Host,
		settingsObj.Redis.Port,
		settingsObj.Redis.Db,
		20,
		settingsObj.Redis.Password,
		-1,
	)

	mech, err := bindings.NewMech(common.HexToAddress(settingsObj.Chain.MechContract))
	if err != nil {
		log.WithError(err).Fatal("failed to bind mech contract")
	}

	safe, err := bindings.NewSafe(settingsObj.Signer.SafeAddress)
	if err != nil {
		log.WithError(err).Fatal("failed to bind safe contract")
	}

	txMgr, err := transactions.NewTxManager(ethClient, settingsObj)
	if err != nil {
		log.WithError(err).Fatal("failed to init transaction manager")
	}

	deliverService, err := service.NewDeliverService(
		ethClient, ipfsClient, mech, safe, txMgr,
		caching.NewRedisCache(redisClient, settingsObj.MechNamespace),
		caching.InitDiskCache(),
		settingsObj,
	)
	if err != nil {
		log.WithError(err).Fatal("failed to init deliver service")
	}

	deliverService.ResumePendingDeliveries(context.Background())

	mqWorker := worker.NewWorker(deliverService, taskmgr.NewRabbitmqTaskMgr(settingsObj), settingsObj)

	defer func() {
		mqWorker.ShutdownWorker()

		if err := redisClient.Close(); err != nil {
			log.WithError(err).Error("error while closing redis client")
		}
	}()

	for {
		err := mqWorker.ConsumeTask()
		if err != nil {
			log.WithError(err).Error("error while consuming task, starting again")
		}
	}
}
