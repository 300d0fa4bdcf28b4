package httpclient

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"mech/goutils/settings"
)

// GetIPFSHTTPClient returns the retrying http client the IPFS shell is
// wired with.
func GetIPFSHTTPClient(settingsObj *settings.SettingsObj) *retryablehttp.Client {
	transport := http.Transport{
		MaxIdleConns:        10,
		MaxConnsPerHost:     10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     0,
		DisableCompression:  true,
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = *settingsObj.RetryCount
	retryClient.Backoff = retryablehttp.DefaultBackoff

	retryClient.HTTPClient.Transport = &transport
	retryClient.HTTPClient.Timeout = time.Duration(settingsObj.IpfsConfig.Timeout) * time.Second

	return retryClient
}

// GetGatewayHTTPClient returns the client used to fetch delivered content
// from the content-store gateway, along with its rate limiter.
func GetGatewayHTTPClient(settingsObj *settings.SettingsObj) (*retryablehttp.Client, *rate.Limiter) {
	t := http.Transport{
		MaxIdleConns:        2,
		MaxConnsPerHost:     2,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     0,
		DisableCompression:  true,
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = *settingsObj.RetryCount
	retryClient.Backoff = retryablehttp.DefaultBackoff

	retryClient.HTTPClient.Transport = &t
	retryClient.HTTPClient.Timeout = time.Duration(settingsObj.HttpClientTimeoutSecs) * time.Second

	// Default values
	tps := rate.Limit(10)
	burst := 10
	if settingsObj.IpfsConfig.IPFSRateLimiter != nil {
		burst = settingsObj.IpfsConfig.IPFSRateLimiter.Burst
		if settingsObj.IpfsConfig.IPFSRateLimiter.RequestsPerSec == -1 {
			tps = rate.Inf
			burst = 0
		} else {
			tps = rate.Limit(settingsObj.IpfsConfig.IPFSRateLimiter.RequestsPerSec)
		}
	}
	log.Infof("Rate Limit configured for gateway client at %v TPS with a burst of %d", tps, burst)
	gatewayClientRateLimiter := rate.NewLimiter(tps, burst)

	return retryClient, gatewayClientRateLimiter
}
