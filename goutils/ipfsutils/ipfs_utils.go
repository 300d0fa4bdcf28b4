package ipfsutils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	shell "github.com/ipfs/go-ipfs-api"
	ma "github.com/multiformats/go-multiaddr"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"mech/goutils/httpclient"
	"mech/goutils/settings"
)

// IpfsClient is the content-store client: uploads request/result payloads to
// the IPFS node and fetches delivered content through the gateway.
type IpfsClient struct {
	ipfsClient            *shell.Shell
	gatewayClient         *retryablehttp.Client
	ipfsClientRateLimiter *rate.Limiter
	gatewayRateLimiter    *rate.Limiter
}

// InitClient initializes the IPFS client.
func InitClient(settingsObj *settings.SettingsObj) *IpfsClient {
	url := ParseMultiAddrURL(settingsObj.IpfsConfig.URL)

	ipfsHTTPClient := httpclient.GetIPFSHTTPClient(settingsObj)

	log.Debug("Initializing the IPFS client with IPFS Daemon URL:", url)

	client := new(IpfsClient)
	client.ipfsClient = shell.NewShellWithClient(url, ipfsHTTPClient.HTTPClient)
	timeout := time.Duration(settingsObj.IpfsConfig.Timeout * int(time.Second))
	client.ipfsClient.SetTimeout(timeout)

	log.Debugf("Setting IPFS timeout of %f seconds", timeout.Seconds())

	tps := rate.Limit(10) // 10 TPS
	burst := 10

	if rateLimiter := settingsObj.IpfsConfig.IPFSRateLimiter; rateLimiter != nil {
		burst = rateLimiter.Burst

		if rateLimiter.RequestsPerSec == -1 {
			tps = rate.Inf
			burst = 0
		} else {
			tps = rate.Limit(rateLimiter.RequestsPerSec)
		}
	}

	log.Infof("Rate Limit configured for IPFS Client at %v TPS with a burst of %d", tps, burst)
	client.ipfsClientRateLimiter = rate.NewLimiter(tps, burst)

	client.gatewayClient, client.gatewayRateLimiter = httpclient.GetGatewayHTTPClient(settingsObj)

	return client
}

func ParseMultiAddrURL(url string) string {
	if _, err := ma.NewMultiaddr(url); err == nil {
		url = strings.Split(url, "/")[2] + ":" + strings.Split(url, "/")[4]
	}

	return url
}

// Upload adds a payload to IPFS as a pinned CIDv1 object and returns the CID.
func (client *IpfsClient) Upload(ctx context.Context, data []byte) (string, error) {
	err := client.ipfsClientRateLimiter.Wait(ctx)
	if err != nil {
		log.WithError(err).Error("ipfs rate limiter errored")

		return "", err
	}

	var uploadedCid string

	err = backoff.Retry(func() error {
		uploadedCid, err = client.ipfsClient.Add(bytes.NewReader(data), shell.CidVersion(1), shell.Pin(true))
		if err != nil {
			log.WithError(err).Error("failed to add payload to ipfs, retrying")

			return err
		}

		return nil
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5))
	if err != nil {
		log.WithError(err).Error("failed to add payload to ipfs after max retries")

		return "", err
	}

	log.WithField("cid", uploadedCid).Debug("ipfs add successful")

	return uploadedCid, nil
}

// Cat fetches a payload directly from the IPFS node.
func (client *IpfsClient) Cat(ctx context.Context, payloadCid string) ([]byte, error) {
	err := client.ipfsClientRateLimiter.Wait(ctx)
	if err != nil {
		log.Errorf("IPFSClient Rate Limiter wait timeout with error %+v", err)

		return nil, err
	}

	var data io.ReadCloser

	err = backoff.Retry(func() error {
		data, err = client.ipfsClient.Cat(payloadCid)
		if err != nil {
			return err
		}

		return nil
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5))
	if err != nil {
		log.WithError(err).WithField("payloadCid", payloadCid).Error("failed to fetch payload from IPFS")

		return nil, err
	}

	defer data.Close()

	buf := new(bytes.Buffer)

	_, err = buf.ReadFrom(data)
	if err != nil {
		log.WithError(err).WithField("payloadCid", payloadCid).Error("failed to read payload")

		return nil, err
	}

	return buf.Bytes(), nil
}

// FetchFromGateway fetches delivered content from the content-store gateway
// given the URL built from the on-chain delivery payload.
func (client *IpfsClient) FetchFromGateway(ctx context.Context, url string) ([]byte, error) {
	err := client.gatewayRateLimiter.Wait(ctx)
	if err != nil {
		log.Errorf("gateway rate limiter wait errored")

		return nil, err
	}

	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		log.WithError(err).Error("failed to create request to gateway")

		return nil, err
	}

	req = req.WithContext(ctx)

	res, err := client.gatewayClient.Do(req)
	if err != nil {
		log.WithError(err).WithField("url", url).Error("failed to fetch content from gateway")

		return nil, err
	}

	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		log.WithError(err).Error("failed to read response body from gateway")

		return nil, err
	}

	if res.StatusCode != http.StatusOK {
		log.WithField("status", res.StatusCode).WithField("url", url).Error("gateway fetch returned non-ok status")

		return nil, fmt.Errorf("gateway fetch failed with status %d", res.StatusCode)
	}

	return respBody, nil
}
