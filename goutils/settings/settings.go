package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
)

// ErrConfiguration is returned when the resolved settings are missing a value
// the pipeline cannot run without, e.g. a contract address for the chain.
var ErrConfiguration = errors.New("invalid chain configuration")

type RateLimiter struct {
	Burst          int `json:"burst"`
	RequestsPerSec int `json:"req_per_sec"`
}

// ChainConfig holds the per-chain contract addresses and gas defaults.
// It is resolved once at startup and treated as read-only afterwards.
type ChainConfig struct {
	RPCURL              string `json:"rpc_url" validate:"required"`
	ChainID             int64  `json:"chain_id"`
	MarketplaceContract string `json:"marketplace_contract"`
	MechContract        string `json:"mech_contract"`
	LegacyMechContract  string `json:"legacy_mech_contract"`
	GasLimit            uint64 `json:"gas_limit"`
	PriorityFeeWei      int64  `json:"default_priority_fee_wei"`
}

type Signer struct {
	AccountAddress string `json:"accountAddress"`
	PrivateKey     string `json:"privateKey"`
	SafeAddress    string `json:"safeAddress"`
}

type RequestSettings struct {
	PaymentType         string `json:"payment_type"`
	PaymentToken        string `json:"payment_token"`
	MaxDeliveryRate     int64  `json:"max_delivery_rate"`
	ResponseTimeoutSecs int64  `json:"response_timeout_secs"`
	PollingIntervalSecs int    `json:"polling_interval_secs"`
	RequestTimeoutSecs  int    `json:"request_timeout_secs"`
	DeliveryTimeoutSecs int    `json:"delivery_timeout_secs"`
	DeliverConcurrency  int    `json:"deliver_concurrency"`
	UseLegacySubscriber bool   `json:"use_legacy_subscriber"`
}

type SettingsObj struct {
	Chain      *ChainConfig `json:"chain" validate:"required"`
	IpfsConfig struct {
		URL             string       `json:"url"`
		GatewayURL      string       `json:"gateway_url"`
		IPFSRateLimiter *RateLimiter `json:"write_rate_limit,omitempty"`
		Timeout         int          `json:"timeout"`
	} `json:"ipfs"`
	Redis struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Db       int    `json:"db"`
		Password string `json:"password"`
	} `json:"redis"`
	Rabbitmq struct {
		User     string `json:"user"`
		Password string `json:"password"`
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Setup    struct {
			Deliver struct {
				Exchange string `json:"exchange"`
			} `json:"deliver"`
		} `json:"setup"`
	} `json:"rabbitmq"`
	Request               RequestSettings `json:"request"`
	RetryCount            *int            `json:"retry_count"`
	RetryIntervalSecs     int             `json:"retry_interval_secs"`
	HttpClientTimeoutSecs int             `json:"http_client_timeout_secs"`
	InstanceId            string          `json:"instance_id"`
	DeliveryCachePath     string          `json:"local_cache_path"`
	MechNamespace         string          `json:"mech_namespace"`
	Signer                *Signer         `json:"signer" validate:"required"`
}

func ParseSettings() *SettingsObj {
	v := validator.New()

	settingsFilePath := os.Getenv("CONFIG_PATH") + "/settings.json"
	settingsObj := new(SettingsObj)

	log.Info("Reading Settings:", settingsFilePath)

	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		log.Error("Cannot read the file:", err)
		panic(err)
	}

	log.Debug("Settings json data is", string(data))

	err = json.Unmarshal(data, settingsObj)
	if err != nil {
		log.Error("Cannot unmarshal the settings json ", err)
		panic(err)
	}

	err = v.Struct(settingsObj)
	if err != nil {
		log.WithError(err).Fatal("Invalid settings object")
	}

	SetDefaults(settingsObj)
	log.Infof("Final Settings Object being used %+v", settingsObj)

	return settingsObj
}

func SetDefaults(settingsObj *SettingsObj) {
	// Set defaults for settings that are not configured.
	if settingsObj.RetryCount == nil {
		settingsObj.RetryCount = new(int)
		*settingsObj.RetryCount = 3
	}
	if settingsObj.RetryIntervalSecs == 0 {
		settingsObj.RetryIntervalSecs = 3
	}
	if settingsObj.HttpClientTimeoutSecs == 0 {
		settingsObj.HttpClientTimeoutSecs = 10
	}
	if settingsObj.Chain != nil {
		if settingsObj.Chain.GasLimit == 0 {
			settingsObj.Chain.GasLimit = 500000
		}
		if settingsObj.Chain.PriorityFeeWei == 0 {
			settingsObj.Chain.PriorityFeeWei = 3000000000 // 3 gwei
		}
	}
	if settingsObj.Request.PollingIntervalSecs == 0 {
		settingsObj.Request.PollingIntervalSecs = 3
	}
	if settingsObj.Request.RequestTimeoutSecs == 0 {
		settingsObj.Request.RequestTimeoutSecs = 300
	}
	if settingsObj.Request.DeliveryTimeoutSecs == 0 {
		settingsObj.Request.DeliveryTimeoutSecs = 900
	}
	if settingsObj.Request.ResponseTimeoutSecs == 0 {
		settingsObj.Request.ResponseTimeoutSecs = 300
	}
	if settingsObj.Request.DeliverConcurrency == 0 {
		settingsObj.Request.DeliverConcurrency = 5
	}
	if settingsObj.Request.PaymentType == "" {
		settingsObj.Request.PaymentType = "native"
	}
	if settingsObj.IpfsConfig.GatewayURL == "" {
		settingsObj.IpfsConfig.GatewayURL = "https://gateway.autonolas.tech/ipfs/"
	}

	// for local testing
	if val, err := strconv.ParseBool(os.Getenv("LOCAL_TESTING")); err == nil && val {
		settingsObj.Redis.Host = "localhost"
		settingsObj.Rabbitmq.Host = "localhost"
		settingsObj.IpfsConfig.URL = "/dns/localhost/tcp/5001"
	}

	privKey := os.Getenv("PRIVATE_KEY")
	if privKey != "" && settingsObj.Signer != nil {
		settingsObj.Signer.PrivateKey = privKey
	}
}

// ValidateChain checks the parts of the chain config the pipeline cannot
// default. It runs before any chain interaction so misconfiguration surfaces
// early instead of after a costly on-chain call.
func ValidateChain(settingsObj *SettingsObj) error {
	if settingsObj.Chain == nil || settingsObj.Chain.RPCURL == "" {
		return fmt.Errorf("%w: missing rpc url", ErrConfiguration)
	}

	if settingsObj.Chain.MarketplaceContract == "" && settingsObj.Chain.LegacyMechContract == "" {
		return fmt.Errorf("%w: no marketplace or legacy mech contract configured", ErrConfiguration)
	}

	return nil
}
