package caching

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"mech/goutils/redisutils"
)

type RedisCache struct {
	redisClient *redis.Client
	namespace   string
}

var _ DeliveryCache = (*RedisCache)(nil)

func NewRedisCache(redisClient *redis.Client, namespace string) *RedisCache {
	return &RedisCache{
		redisClient: redisClient,
		namespace:   namespace,
	}
}

func (r *RedisCache) GetDeliveredURL(ctx context.Context, requestId string) (string, error) {
	key := fmt.Sprintf(redisutils.REDIS_KEY_DELIVERED_URLS, r.namespace)

	url, err := r.redisClient.HGet(ctx, key, requestId).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}

		log.WithError(err).WithField("requestId", requestId).Error("failed to get delivered url from redis")

		return "", err
	}

	return url, nil
}

func (r *RedisCache) StoreDeliveredURL(ctx context.Context, requestId, url string) error {
	key := fmt.Sprintf(redisutils.REDIS_KEY_DELIVERED_URLS, r.namespace)

	err := r.redisClient.HSet(ctx, key, requestId, url).Err()
	if err != nil {
		log.WithError(err).WithField("requestId", requestId).Error("failed to store delivered url in redis")

		return err
	}

	log.WithField("requestId", requestId).Debug("delivered url cached in redis")

	return nil
}

func (r *RedisCache) GetDeliveredContent(ctx context.Context, requestId string) ([]byte, error) {
	key := fmt.Sprintf(redisutils.REDIS_KEY_DELIVERED_CONTENT, r.namespace, requestId)

	body, err := r.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}

		log.WithError(err).WithField("requestId", requestId).Error("failed to get delivered content from redis")

		return nil, err
	}

	return body, nil
}

func (r *RedisCache) StoreDeliveredContent(ctx context.Context, requestId string, body []byte) error {
	key := fmt.Sprintf(redisutils.REDIS_KEY_DELIVERED_CONTENT, r.namespace, requestId)

	err := r.redisClient.Set(ctx, key, body, 0).Err()
	if err != nil {
		log.WithError(err).WithField("requestId", requestId).Error("failed to store delivered content in redis")

		return err
	}

	return nil
}

func (r *RedisCache) AddPendingDelivery(ctx context.Context, requestId string) error {
	key := fmt.Sprintf(redisutils.REDIS_KEY_PENDING_DELIVERIES, r.namespace)

	err := r.redisClient.SAdd(ctx, key, requestId).Err()
	if err != nil {
		log.WithError(err).WithField("requestId", requestId).Error("failed to add pending delivery in redis")

		return err
	}

	return nil
}

func (r *RedisCache) RemovePendingDelivery(ctx context.Context, requestId string) error {
	key := fmt.Sprintf(redisutils.REDIS_KEY_PENDING_DELIVERIES, r.namespace)

	err := r.redisClient.SRem(ctx, key, requestId).Err()
	if err != nil {
		log.WithError(err).WithField("requestId", requestId).Error("failed to remove pending delivery in redis")

		return err
	}

	return nil
}

func (r *RedisCache) GetPendingDeliveries(ctx context.Context) ([]string, error) {
	key := fmt.Sprintf(redisutils.REDIS_KEY_PENDING_DELIVERIES, r.namespace)

	requestIds, err := r.redisClient.SMembers(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		log.WithError(err).Error("failed to get pending deliveries from redis")

		return nil, err
	}

	return requestIds, nil
}
