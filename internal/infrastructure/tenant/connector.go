package tenant

import (
	"errors"
	"fmt"
	"sync"

	appReservation "github.com/Zhima-Mochi/cart-reservation/internal/application/reservation"
	"github.com/Zhima-Mochi/cart-reservation/internal/config"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/catalog"
	"github.com/redis/go-redis/v9"
)

// Connector opens catalog connections from tenant config. Redis clients are shared
// between tenants that point at the same address.
type Connector struct {
	mu    sync.Mutex
	redis map[string]*redis.Client
}

func NewConnector() *Connector {
	return &Connector{redis: make(map[string]*redis.Client)}
}

func (c *Connector) Open(t config.Tenant) (appReservation.Mirror, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	switch t.Driver {
	case config.DriverGraphQL:
		return catalog.NewGraphQLClient(t.Shop, catalog.GraphQLOptions{
			Endpoint:    t.Endpoint,
			AccessToken: t.AccessToken,
			APIVersion:  t.APIVersion,
			Timeout:     t.Timeout,
		}), nil
	case config.DriverRedis:
		return catalog.NewRedisMirror(c.redisClient(t.RedisAddr), t.Shop), nil
	case config.DriverMemory:
		return catalog.NewMemoryMirror(), nil
	default:
		return nil, fmt.Errorf("tenant: unknown driver %q", t.Driver)
	}
}

func (c *Connector) redisClient(addr string) *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.redis[addr]; ok {
		return cl
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	c.redis[addr] = cl
	return cl
}

// Connect opens every tenant and registers it. It stops at the first failure.
func (c *Connector) Connect(reg *Registry, tenants []config.Tenant) error {
	for _, t := range tenants {
		conn, err := c.Open(t)
		if err != nil {
			return fmt.Errorf("tenant %s: %w", t.Shop, err)
		}
		reg.Register(t.Shop, conn)
	}
	return nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, cl := range c.redis {
		if err := cl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis %s: %w", addr, err))
		}
		delete(c.redis, addr)
	}
	return errors.Join(errs...)
}
