package auth

import (
	"context"

	"github.com/zyndor1548/storefront-payments/internal/ratelimit"
)

// Identity is who a provider call is made on behalf of.
type Identity struct {
	UserID  string
	StoreID string
	Service bool
}

// ServiceIdentity is used for background work (reconciliation, webhooks).
var ServiceIdentity = Identity{Service: true}

// LimiterKey picks the rate-limit window for this caller.
func (i Identity) LimiterKey() string {
	switch {
	case i.UserID != "":
		return ratelimit.UserKey(i.UserID)
	case i.StoreID != "":
		return ratelimit.StoreKey(i.StoreID)
	default:
		return ratelimit.GlobalKey
	}
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
