package checkout

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// CatalogKey is the redis hash mapping product id to store id.
const CatalogKey = "catalog:product_store"

// RedisCatalog resolves product ownership from a redis hash maintained by
// the storefront's product service.
type RedisCatalog struct {
	client *redis.Client
	key    string
}

func NewRedisCatalog(client *redis.Client) *RedisCatalog {
	return &RedisCatalog{client: client, key: CatalogKey}
}

func (rc *RedisCatalog) ResolveStore(ctx context.Context, productID string) (string, bool, error) {
	storeID, err := rc.client.HGet(ctx, rc.key, productID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return storeID, storeID != "", nil
}

// SetStore records productID as sold by storeID.
func (rc *RedisCatalog) SetStore(ctx context.Context, productID, storeID string) error {
	return rc.client.HSet(ctx, rc.key, productID, storeID).Err()
}

// StaticCatalog is a fixed product to store map.
type StaticCatalog map[string]string

func (sc StaticCatalog) ResolveStore(_ context.Context, productID string) (string, bool, error) {
	storeID, ok := sc[productID]
	return storeID, ok, nil
}
