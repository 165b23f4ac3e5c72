package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appReservation "github.com/Zhima-Mochi/cart-reservation/internal/application/reservation"
	"github.com/Zhima-Mochi/cart-reservation/internal/config"
	domain "github.com/Zhima-Mochi/cart-reservation/internal/domain/reservation"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/id"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/kafka"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/memory"
	infraobs "github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/observability"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/observability/telemetry"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/observability/zaplogger"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/outbox"
	"github.com/Zhima-Mochi/cart-reservation/internal/infrastructure/tenant"
	"github.com/Zhima-Mochi/cart-reservation/internal/pkg/logging"
	httppresentation "github.com/Zhima-Mochi/cart-reservation/internal/presentation/http"
	workerpresentation "github.com/Zhima-Mochi/cart-reservation/internal/presentation/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		zap.NewExample().Fatal("config_load_failed", zap.Error(err))
	}

	baseLogger := logging.MustNewLogger(cfg.ServiceName, cfg.Env, logging.Options{
		Level:   cfg.LogLevel,
		LogFile: cfg.LogFile,
	})
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger)

	systemLogger := logging.WithTrace(baseLogger, logging.SystemTraceID, logging.SystemSpanID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		systemLogger.Fatal("tracer_init_failed", zap.Error(err))
	}

	counters, histograms := infraobs.RegisterMetrics(prometrics.New("", "", prometheus.DefaultRegisterer))
	tel := infraobs.New(
		telemetry.NewTracer(cfg.ServiceName),
		zaplogger.New(systemLogger),
		counters,
		histograms,
	)

	// In-memory event bus fans reservation lifecycle events out to subscribers.
	bus := outbox.NewBus(tel, outbox.Options{})
	bus.Start(ctx)

	var forwarder *kafka.Forwarder
	if len(cfg.Kafka.Brokers) > 0 {
		writer, err := kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			systemLogger.Fatal("kafka_writer_failed", zap.Error(err))
		}
		forwarder = kafka.NewForwarder(writer)
		workerpresentation.NewRelay(bus, forwarder, "kafka", tel).Start(domain.EventNames...)
		systemLogger.Info("kafka_forwarding_enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	repo := memory.NewReservationRepository(id.NewUUIDGenerator())
	service := appReservation.NewService(repo, bus, tel, appReservation.Options{TTL: cfg.Reservation.TTL})

	registry := tenant.NewRegistry()
	connector := tenant.NewConnector()
	if err := connector.Connect(registry, cfg.Tenants); err != nil {
		systemLogger.Fatal("tenant_connect_failed", zap.Error(err))
	}

	if cfg.AppProxySecret == "" {
		systemLogger.Warn("app_proxy_disabled", zap.String("reason", "APP_PROXY_SECRET not set"))
	}

	reclaimer := appReservation.NewReclaimer(service, registry, tel, appReservation.ReclaimerOptions{
		Interval:    cfg.Reservation.ReclaimInterval,
		Concurrency: cfg.Reservation.ReclaimConcurrency,
	})

	handler := httppresentation.NewHandler(httppresentation.Deps{
		Commands:    appReservation.NewDispatcher(service, registry),
		Queries:     service,
		Tenants:     registry,
		Connector:   connector,
		Records:     service,
		Sweeper:     reclaimer,
		AdminToken:  cfg.AdminToken,
		ProxySecret: cfg.AppProxySecret,
	}, tel)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	reclaimer.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		systemLogger.Info("http_server_start",
			zap.String("addr", server.Addr),
			zap.Int("tenants", registry.Len()),
			zap.Duration("reservation_ttl", service.TTL()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			systemLogger.Error("http_server_shutdown_error", zap.Error(err))
		} else {
			systemLogger.Info("http_server_stopped")
		}
		reclaimer.Stop(shutdownCtx)
		bus.Stop(shutdownCtx)
		if forwarder != nil {
			closeQuietly(systemLogger, "kafka_close_failed", forwarder)
		}
		closeQuietly(systemLogger, "redis_close_failed", connector)
		if err := shutdownTracer(shutdownCtx); err != nil {
			systemLogger.Warn("tracer_shutdown_error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		systemLogger.Error("http_server_error", zap.Error(err))
		os.Exit(1)
	}
}

func closeQuietly(logger *zap.Logger, msg string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		logger.Warn(msg, zap.Error(err))
	}
}
