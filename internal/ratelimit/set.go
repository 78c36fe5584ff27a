package ratelimit

import (
	"context"
	"strings"
	"time"
)

// GlobalKey is the identifier used when a call carries no caller or store.
const GlobalKey = "global"

// Set routes identifiers to the global, per-user or per-store window by
// key prefix ("user:<id>", "store:<id>", anything else is global).
type Set struct {
	Global   Limiter
	PerUser  Limiter
	PerStore Limiter
}

func (s *Set) pick(id string) Limiter {
	switch {
	case strings.HasPrefix(id, "user:") && s.PerUser != nil:
		return s.PerUser
	case strings.HasPrefix(id, "store:") && s.PerStore != nil:
		return s.PerStore
	default:
		return s.Global
	}
}

func (s *Set) Admit(ctx context.Context, id string) (Decision, error) {
	return s.pick(id).Admit(ctx, id)
}

func (s *Set) Remaining(ctx context.Context, id string) (int, error) {
	return s.pick(id).Remaining(ctx, id)
}

func (s *Set) TimeUntilReset(ctx context.Context, id string) (time.Duration, error) {
	return s.pick(id).TimeUntilReset(ctx, id)
}

// UserKey and StoreKey build identifiers understood by Set.
func UserKey(id string) string  { return "user:" + id }
func StoreKey(id string) string { return "store:" + id }
