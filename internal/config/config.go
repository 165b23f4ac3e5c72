package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverGraphQL = "graphql"
	DriverRedis   = "redis"
	DriverMemory  = "memory"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	ServiceName string `yaml:"service_name"`
	Env         string `yaml:"env"`
	HTTPAddr    string `yaml:"http_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	AdminToken  string `yaml:"admin_token"`
	// AppProxySecret verifies the signature of storefront app proxy requests.
	AppProxySecret string `yaml:"app_proxy_secret"`

	Reservation Reservation `yaml:"reservation"`
	Telemetry   Telemetry   `yaml:"telemetry"`
	Kafka       Kafka       `yaml:"kafka"`
	Tenants     []Tenant    `yaml:"tenants"`
}

type Reservation struct {
	TTL                time.Duration `yaml:"ttl"`
	ReclaimInterval    time.Duration `yaml:"reclaim_interval"`
	ReclaimConcurrency int           `yaml:"reclaim_concurrency"`
}

type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Tenant describes one shop and how its catalog is reached.
type Tenant struct {
	Shop        string        `yaml:"shop"`
	Driver      string        `yaml:"driver"`
	Endpoint    string        `yaml:"endpoint"`
	AccessToken string        `yaml:"access_token"`
	APIVersion  string        `yaml:"api_version"`
	RedisAddr   string        `yaml:"redis_addr"`
	Timeout     time.Duration `yaml:"timeout"`
}

func Default() Config {
	return Config{
		ServiceName: "cart-reservation",
		Env:         "dev",
		HTTPAddr:    ":8080",
		LogLevel:    "info",
		Reservation: Reservation{
			TTL:                15 * time.Minute,
			ReclaimInterval:    time.Minute,
			ReclaimConcurrency: 4,
		},
		Kafka: Kafka{Topic: "reservation-events"},
	}
}

// Load starts from Default, overlays the YAML file at path when path is not empty,
// then applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		*dst = d
		return nil
	}

	str("SERVICE_NAME", &c.ServiceName)
	str("ENV", &c.Env)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FILE", &c.LogFile)
	str("ADMIN_TOKEN", &c.AdminToken)
	str("APP_PROXY_SECRET", &c.AppProxySecret)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("KAFKA_TOPIC", &c.Kafka.Topic)

	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if err := dur("RESERVATION_TTL", &c.Reservation.TTL); err != nil {
		return err
	}
	if err := dur("RECLAIM_INTERVAL", &c.Reservation.ReclaimInterval); err != nil {
		return err
	}
	if v, ok := lookup("RECLAIM_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: RECLAIM_CONCURRENCY: %v", ErrInvalid, err)
		}
		c.Reservation.ReclaimConcurrency = n
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Reservation.TTL <= 0 {
		errs = append(errs, fmt.Errorf("%w: reservation ttl must be positive", ErrInvalid))
	}
	if c.Reservation.ReclaimInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: reclaim interval must be positive", ErrInvalid))
	}
	if c.Reservation.ReclaimConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("%w: reclaim concurrency must be positive", ErrInvalid))
	}

	seen := make(map[string]struct{}, len(c.Tenants))
	for i, t := range c.Tenants {
		if err := t.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tenants[%d]: %w", i, err))
			continue
		}
		if _, dup := seen[t.Shop]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate tenant %s", ErrInvalid, t.Shop))
		}
		seen[t.Shop] = struct{}{}
	}
	return errors.Join(errs...)
}

func (t Tenant) Validate() error {
	if t.Shop == "" {
		return fmt.Errorf("%w: tenant shop is required", ErrInvalid)
	}
	switch t.Driver {
	case DriverGraphQL:
		if t.AccessToken == "" {
			return fmt.Errorf("%w: tenant %s: graphql driver needs access_token", ErrInvalid, t.Shop)
		}
	case DriverRedis:
		if t.RedisAddr == "" {
			return fmt.Errorf("%w: tenant %s: redis driver needs redis_addr", ErrInvalid, t.Shop)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: tenant %s: unknown driver %q", ErrInvalid, t.Shop, t.Driver)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("%w: tenant %s: negative timeout", ErrInvalid, t.Shop)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
