package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	domain "github.com/Zhima-Mochi/cart-reservation/internal/domain/reservation"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "catalog:"

// RedisMirror keeps the reservation attributes of each product in a redis hash that
// storefront readers can query directly.
type RedisMirror struct {
	client redis.UniversalClient
	shop   string
}

func NewRedisMirror(client redis.UniversalClient, shop string) *RedisMirror {
	return &RedisMirror{client: client, shop: shop}
}

func (m *RedisMirror) key(productID string) string {
	return redisKeyPrefix + m.shop + ":product:" + productID
}

func (m *RedisMirror) Sync(ctx context.Context, productID string, state domain.MirrorState) error {
	until := ""
	if !state.ReservedUntil.IsZero() {
		until = state.ReservedUntil.UTC().Format(time.RFC3339Nano)
	}
	err := m.client.HSet(ctx, m.key(productID),
		keyIsReserved, strconv.FormatBool(state.IsReserved),
		keyCartID, state.CartID,
		keyReservedUntil, until,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: redis hset: %v", ErrUnavailable, err)
	}
	return nil
}

// Fetch reads back the mirrored state. A product never synced reads as cleared.
func (m *RedisMirror) Fetch(ctx context.Context, productID string) (domain.MirrorState, error) {
	vals, err := m.client.HGetAll(ctx, m.key(productID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.MirrorState{}, fmt.Errorf("%w: redis hgetall: %v", ErrUnavailable, err)
	}

	var state domain.MirrorState
	if v := vals[keyIsReserved]; v != "" {
		if state.IsReserved, err = strconv.ParseBool(v); err != nil {
			return domain.MirrorState{}, fmt.Errorf("catalog: parse %s: %w", keyIsReserved, err)
		}
	}
	state.CartID = vals[keyCartID]
	if v := vals[keyReservedUntil]; v != "" {
		if state.ReservedUntil, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return domain.MirrorState{}, fmt.Errorf("catalog: parse %s: %w", keyReservedUntil, err)
		}
	}
	return state, nil
}
