package caching

import (
	"context"
	"errors"
)

// DeliveryCache is responsible for delivery-state caching in db stores like
// redis, memcache etc. for disk caching use DiskCache interface
type DeliveryCache interface {
	// delivered content URL per request id
	GetDeliveredURL(ctx context.Context, requestId string) (string, error)
	StoreDeliveredURL(ctx context.Context, requestId, url string) error

	// fetched content body per request id
	GetDeliveredContent(ctx context.Context, requestId string) ([]byte, error)
	StoreDeliveredContent(ctx context.Context, requestId string, body []byte) error

	// request ids handed to the deliver worker but not yet delivered,
	// used to resume after a worker restart
	AddPendingDelivery(ctx context.Context, requestId string) error
	RemovePendingDelivery(ctx context.Context, requestId string) error
	GetPendingDeliveries(ctx context.Context) ([]string, error)
}

// DiskCache is responsible for data caching in local disk
type DiskCache interface {
	Read(filepath string) ([]byte, error)
	Write(filepath string, data []byte) error
}

var ErrNotFound = errors.New("not found")
