package tenant

import (
	"testing"

	"github.com/Zhima-Mochi/cart-reservation/internal/config"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/catalog"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectorOpenDrivers(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewConnector()
	t.Cleanup(func() { _ = c.Close() })

	conn, err := c.Open(config.Tenant{Shop: "s1", Driver: config.DriverGraphQL, AccessToken: "tok"})
	require.NoError(t, err)
	assert.IsType(t, &catalog.GraphQLClient{}, conn)

	conn, err = c.Open(config.Tenant{Shop: "s2", Driver: config.DriverRedis, RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &catalog.RedisMirror{}, conn)

	conn, err = c.Open(config.Tenant{Shop: "s3", Driver: config.DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &catalog.MemoryMirror{}, conn)
}

func TestConnectorOpenRejectsInvalidTenant(t *testing.T) {
	c := NewConnector()

	_, err := c.Open(config.Tenant{Shop: "s1", Driver: config.DriverGraphQL})
	require.ErrorIs(t, err, config.ErrInvalid)

	_, err = c.Open(config.Tenant{Shop: "s1", Driver: "ftp"})
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestConnectorSharesRedisClientPerAddress(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewConnector()

	_, err := c.Open(config.Tenant{Shop: "s1", Driver: config.DriverRedis, RedisAddr: mr.Addr()})
	require.NoError(t, err)
	_, err = c.Open(config.Tenant{Shop: "s2", Driver: config.DriverRedis, RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.Len(t, c.redis, 1)

	require.NoError(t, c.Close())
	assert.Empty(t, c.redis)
}

func TestConnectRegistersEveryTenant(t *testing.T) {
	reg := NewRegistry()
	c := NewConnector()

	err := c.Connect(reg, []config.Tenant{
		{Shop: "s1", Driver: config.DriverMemory},
		{Shop: "s2", Driver: config.DriverMemory},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())
}

func TestConnectStopsAtFirstFailure(t *testing.T) {
	reg := NewRegistry()
	c := NewConnector()

	err := c.Connect(reg, []config.Tenant{
		{Shop: "s1", Driver: config.DriverMemory},
		{Shop: "s2", Driver: config.DriverRedis},
		{Shop: "s3", Driver: config.DriverMemory},
	})
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "tenant s2")
	assert.Equal(t, 1, reg.Len())
}
