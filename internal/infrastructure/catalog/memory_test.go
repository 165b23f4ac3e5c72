package catalog

import (
	"context"
	"errors"
	"testing"

	domain "github.com/Zhima-Mochi/cart-reservation/internal/domain/reservation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMirrorFailureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMirror()

	require.NoError(t, m.Sync(ctx, "p1", domain.MirrorState{IsReserved: true, CartID: "c1"}))

	boom := errors.New("boom")
	m.SetFailure(boom)
	require.ErrorIs(t, m.Sync(ctx, "p1", domain.ClearedState()), boom)

	// the failed write did not land
	got, err := m.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CartID)

	m.SetFailure(nil)
	require.NoError(t, m.Sync(ctx, "p1", domain.ClearedState()))
	got, err = m.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.Cleared())
	assert.Equal(t, 3, m.Calls())
}
