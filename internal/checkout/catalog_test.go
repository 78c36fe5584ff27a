package checkout

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCatalog(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	cat := NewRedisCatalog(client)
	require.NoError(t, cat.SetStore(ctx, "p1", "store-a"))

	storeID, ok, err := cat.ResolveStore(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "store-a", storeID)

	_, ok, err = cat.ResolveStore(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.Close()
	_, _, err = cat.ResolveStore(ctx, "p1")
	assert.Error(t, err)
}

func TestGroupWithRedisCatalog(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.HSet(CatalogKey, "p1", "store-a", "p2", "store-b")

	groups, skipped := Group(context.Background(), NewRedisCatalog(client), []LineItem{
		{ProductID: "p2", Quantity: 1, UnitPrice: 100},
		{ProductID: "p1", Quantity: 1, UnitPrice: 200},
		{ProductID: "p3", Quantity: 1, UnitPrice: 300},
	})
	require.Len(t, groups, 2)
	assert.Equal(t, "store-b", groups[0].StoreID)
	assert.Equal(t, "store-a", groups[1].StoreID)
	require.Len(t, skipped, 1)
	assert.Equal(t, "p3", skipped[0].ProductID)
}
