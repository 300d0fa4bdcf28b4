package smartcontract

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"

	"mech/goutils/settings"
)

// EthClient is the slice of the chain RPC surface this pipeline consumes.
// *ethclient.Client satisfies it; tests substitute doubles.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// LogSubscriber is the push-based log surface used only by the deprecated
// subscription delivery path.
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

var _ EthClient = (*ethclient.Client)(nil)
var _ LogSubscriber = (*ethclient.Client)(nil)

// InitEthClient dials the configured chain RPC endpoint.
func InitEthClient(settingsObj *settings.SettingsObj) *ethclient.Client {
	client, err := ethclient.Dial(settingsObj.Chain.RPCURL)
	if err != nil {
		log.WithError(err).Fatal("failed to init eth client")
	}

	return client
}
