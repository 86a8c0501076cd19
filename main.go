package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/switchboard/internal/adapter/agent"
	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/broker/cloudapi"
	"github.com/xiaot623/gogo/switchboard/internal/broker/mock"
	"github.com/xiaot623/gogo/switchboard/internal/broker/telegram"
	"github.com/xiaot623/gogo/switchboard/internal/broker/uazapi"
	"github.com/xiaot623/gogo/switchboard/internal/config"
	"github.com/xiaot623/gogo/switchboard/internal/credentials"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/events"
	"github.com/xiaot623/gogo/switchboard/internal/hub"
	"github.com/xiaot623/gogo/switchboard/internal/logger"
	"github.com/xiaot623/gogo/switchboard/internal/metrics"
	"github.com/xiaot623/gogo/switchboard/internal/policy"
	"github.com/xiaot623/gogo/switchboard/internal/ratelimit"
	"github.com/xiaot623/gogo/switchboard/internal/repository"
	"github.com/xiaot623/gogo/switchboard/internal/service"
	httptransport "github.com/xiaot623/gogo/switchboard/internal/transport/http"
	"github.com/xiaot623/gogo/switchboard/internal/transport/rpc"
	"github.com/xiaot623/gogo/switchboard/internal/transport/ws"
	"github.com/xiaot623/gogo/switchboard/internal/worker"
)

const busBuffer = 64

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Int("http_port", cfg.HTTPPort).
		Int("internal_port", cfg.InternalPort).
		Int("rpc_port", cfg.RPCPort).
		Str("database_driver", cfg.DatabaseDriver).
		Str("broker_mode", cfg.BrokerMode).
		Msg("starting switchboard")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize store
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer store.Close()

	m := metrics.New()

	// Redis backs the limiter and the bus when configured
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to reach redis")
		}
		defer rdb.Close()
	}

	limiterCfg := ratelimit.Config{Limit: cfg.RateLimitRequests, Window: cfg.RateLimitWindow, Prefix: cfg.RateLimitPrefix}
	var (
		limiter ratelimit.Limiter
		pruner  worker.Pruner
	)
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb, limiterCfg)
	} else {
		mem := ratelimit.NewMemoryLimiter(limiterCfg)
		limiter, pruner = mem, mem
	}

	onDrop := func(topic string, _ *domain.Event) {
		m.EventDropped()
		log.Warn().Str("topic", topic).Msg("event dropped for slow subscriber")
	}
	var bus events.Bus
	if rdb != nil {
		bus = events.NewRedisBus(rdb, busBuffer, onDrop, log)
	} else {
		bus = events.NewMemoryBus(busBuffer, onDrop)
	}
	var mirrors []events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		mirror, err := events.NewKafkaMirror(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatal().Err(err).Strs("brokers", cfg.KafkaBrokers).Msg("failed to initialize kafka mirror")
		}
		mirrors = append(mirrors, mirror)
	}
	fanout := events.NewFanout(bus, log, func(kind domain.EventKind) { m.EventPublished(string(kind)) }, mirrors...)

	// Initialize policy engine
	engine, err := policy.NewEngine(ctx, "")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize policy engine")
	}

	router := broker.NewRouter(newBrokers(cfg), broker.WithStrictProviders(cfg.BrokerStrictProviders), broker.WithLogger(log))

	opts := []service.Option{
		service.WithPolicy(engine),
		service.WithMetrics(m),
		service.WithLimiter(limiter),
		service.WithLogger(log),
	}
	if cfg.CredentialsKey != "" {
		vault, err := credentials.NewVault(cfg.CredentialsKey)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize credentials vault")
		}
		opts = append(opts, service.WithVault(vault))
	} else {
		log.Warn().Msg("CREDENTIALS_KEY is not set, connection credentials are stored unsealed")
	}
	if cfg.AgentEndpoint != "" {
		opts = append(opts, service.WithAgent(agent.NewClient(cfg.AgentEndpoint, cfg.AgentTimeout)))
	}
	svc := service.New(cfg, store, router, fanout, opts...)

	// Push fan-out
	h := hub.New(fanout, log, m)
	go h.Run(ctx)
	wsServer := ws.NewServer(cfg, h, svc, log)

	// Maintenance jobs
	scheduler := worker.New(log)
	if err := worker.Register(scheduler, svc, pruner, cfg.InactivitySweepSpec, cfg.PauseResumeSweepSpec); err != nil {
		log.Fatal().Err(err).Msg("failed to register maintenance jobs")
	}
	scheduler.Start()

	externalServer := httptransport.NewExternalServer(httptransport.ExternalDeps{
		Service: svc,
		Events:  fanout,
		Health:  router,
		WS:      wsServer,
		Metrics: m,
		Logger:  log,
	})
	internalServer := httptransport.NewInternalServer(svc, log)
	rpcServer, err := rpc.NewServer(svc, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize rpc server")
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start external server")
		}
	}()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start internal server")
		}
	}()
	go func() {
		if err := rpcServer.Start(fmt.Sprintf(":%d", cfg.RPCPort)); err != nil {
			log.Fatal().Err(err).Msg("failed to start rpc server")
		}
	}()

	log.Info().Msg("switchboard started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down switchboard")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := externalServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown external server gracefully")
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown internal server gracefully")
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown rpc server gracefully")
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("maintenance jobs still running at shutdown")
	}

	waitFor(shutdownCtx, svc.Wait, log)
	stop()
	if err := fanout.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close event bus")
	}

	log.Info().Msg("switchboard stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (*repository.SQLStore, error) {
	if cfg.DatabaseDriver == "postgres" {
		return repository.NewPostgresStore(ctx, cfg.DatabaseURL)
	}
	return repository.NewSQLiteStore(cfg.DatabaseURL)
}

func newBrokers(cfg *config.Config) []broker.Broker {
	if cfg.BrokerMode == "mock" {
		return []broker.Broker{
			mock.New(broker.KindUazapi),
			mock.New(broker.KindCloudAPI),
			mock.New(broker.KindTelegram),
		}
	}
	client := &http.Client{Timeout: cfg.BrokerAttemptTimeout}
	return []broker.Broker{
		uazapi.New(cfg.UazapiBaseURL, client),
		cloudapi.New(cfg.CloudAPIBaseURL, cfg.CloudAPIVersion, client),
		telegram.New(cfg.TelegramAPIEndpoint, client),
	}
}

// waitFor blocks until fn returns or ctx expires.
func waitFor(ctx context.Context, fn func(), log zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("background replies still running at shutdown")
	}
}
