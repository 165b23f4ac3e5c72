package catalog

import (
	"context"
	"testing"
	"time"

	domain "github.com/Zhima-Mochi/cart-reservation/internal/domain/reservation"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisMirror(t *testing.T, shop string) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisMirror(client, shop), mr
}

func TestRedisMirrorRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, mr := newRedisMirror(t, "s1")

	until := time.Date(2025, 3, 1, 12, 15, 0, 0, time.UTC)
	state := domain.MirrorState{IsReserved: true, CartID: "c1", ReservedUntil: until}
	require.NoError(t, m.Sync(ctx, "p1", state))

	assert.Equal(t, "true", mr.HGet("catalog:s1:product:p1", "is_reserved"))
	assert.Equal(t, "c1", mr.HGet("catalog:s1:product:p1", "cart_id"))

	got, err := m.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, state, got)

	require.NoError(t, m.Sync(ctx, "p1", domain.ClearedState()))
	got, err = m.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.Cleared())
}

func TestRedisMirrorUnknownProductReadsCleared(t *testing.T) {
	m, _ := newRedisMirror(t, "s1")
	got, err := m.Fetch(context.Background(), "never")
	require.NoError(t, err)
	assert.True(t, got.Cleared())
}

func TestRedisMirrorKeysArePerShop(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a, b := NewRedisMirror(client, "s1"), NewRedisMirror(client, "s2")
	require.NoError(t, a.Sync(ctx, "p1", domain.MirrorState{IsReserved: true, CartID: "c1"}))

	got, err := b.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.Cleared())
}

func TestRedisMirrorUnavailable(t *testing.T) {
	m, mr := newRedisMirror(t, "s1")
	mr.Close()

	err := m.Sync(context.Background(), "p1", domain.ClearedState())
	require.ErrorIs(t, err, ErrUnavailable)
}
