package main

import (
	"context"
	"strings"
	"time"

	"chatrelay/api_realtime/internal/auth"
	"chatrelay/api_realtime/internal/config"
	"chatrelay/api_realtime/internal/handlers"
	"chatrelay/api_realtime/internal/identity"
	"chatrelay/api_realtime/internal/metrics"
	"chatrelay/api_realtime/internal/presence"
	"chatrelay/api_realtime/internal/registry"
	"chatrelay/api_realtime/internal/websocket"
	"chatrelay/pkg/cache"
	"chatrelay/pkg/clients"
	"chatrelay/pkg/clients/chat"
	identityclient "chatrelay/pkg/clients/identity"
	pkgconfig "chatrelay/pkg/config"
	"chatrelay/pkg/kafka"
	"chatrelay/pkg/logging"
	"chatrelay/pkg/monitoring"
	"chatrelay/pkg/redis"
	"chatrelay/pkg/server"
	"chatrelay/pkg/version"
)

const serviceName = "chatrelay"

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService(serviceName)

	// Load environment variables
	pkgconfig.LoadEnv(logger)

	logger.WithField("version", version.GetInfo().String()).Info("Starting chatrelay (WebSocket gateway)")

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis carries both the channel broker and presence
	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer func() { _ = redisClient.Close() }()

	broker := redis.NewBroker(ctx, redisClient)
	defer func() { _ = broker.Close() }()

	subscriptions := registry.New(broker)
	metrics.RegisterBrokerSubscriptions(metricsCollector, subscriptions.ChannelCount)

	verifier, err := buildVerifier(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure auth tenants")
	}

	identityClient := identityclient.NewClient(cfg.IdentityServiceURL,
		identityclient.WithHTTPExecutorConfig(collaboratorExecutor("identity", cfg, logger)))
	resolver := identity.NewResolver(identityClient, cfg.IdentityCacheTTL, cache.MetricsHooks{
		OnHit:  serviceMetrics.IdentityCacheHit,
		OnMiss: serviceMetrics.IdentityCacheMiss,
	}, logger)

	chatExecutor := collaboratorExecutor("chat", cfg, logger)
	breaker := clients.DefaultBreakerConfig()
	chatExecutor.Breaker = &breaker
	chatClient := chat.NewClient(cfg.ChatServiceURL, chat.WithHTTPExecutorConfig(chatExecutor))

	// Lifecycle events are optional
	var events kafka.Publisher = kafka.NoopPublisher{}
	if cfg.KafkaEnabled() {
		producer, err := kafka.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, pkgconfig.GetEnv("KAFKA_CLIENT_ID", serviceName), logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Kafka producer")
		}
		defer func() { _ = producer.Close() }()
		events = producer
		healthChecker.AddCheck("kafka", monitoring.NonCritical(monitoring.PingHealthCheck("kafka", producer)))
	}

	// Add health checks
	healthChecker.AddCheck("redis", monitoring.PingHealthCheck("redis", broker))
	healthChecker.AddCheck("identity", monitoring.HTTPServiceHealthCheck("identity", strings.TrimRight(cfg.IdentityServiceURL, "/")+"/health"))
	healthChecker.AddCheck("chat", monitoring.HTTPServiceHealthCheck("chat", strings.TrimRight(cfg.ChatServiceURL, "/")+"/health"))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"IDENTITY_SERVICE_URL": cfg.IdentityServiceURL,
		"CHAT_SERVICE_URL":     cfg.ChatServiceURL,
		"AUTH_TENANTS":         strings.Join(verifier.Tenants(), ","),
	}))

	gateway := websocket.NewGateway(websocket.Deps{
		Verifier:   verifier,
		Resolver:   resolver,
		Presence:   presence.NewStore(redisClient, cfg.PresenceTTL),
		Registry:   subscriptions,
		Authorizer: chatClient,
		Receipts:   chatClient,
		Publisher:  broker,
		Events:     events,
		Metrics:    serviceMetrics,
		Logger:     logger,
	}, websocket.Options{
		Service:              serviceName,
		AuthTimeout:          cfg.AuthTimeout,
		MaxSubscribeChannels: cfg.MaxSubscribeChannels,
		DenialNotices:        cfg.SubscribeDenialNotices,
	})

	// Relay broker traffic to sockets
	fanout := websocket.NewFanout(subscriptions, serviceMetrics)
	go func() {
		if err := broker.Listen(ctx, fanout.Deliver); err != nil {
			logger.WithError(err).Error("Broker listener stopped")
		}
	}()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, serviceName, metricsCollector)
	handlers.NewGatewayHandlers(gateway, healthChecker, serviceMetrics, serviceName, logger).Register(router)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig(serviceName, cfg.Port)
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Sockets still open at shutdown deadline")
	}
	logger.Info("chatrelay stopped")
}

// collaboratorExecutor is the retry policy shared by identity and chat calls.
func collaboratorExecutor(name string, cfg config.Config, logger logging.Logger) clients.HTTPExecutorConfig {
	executor := clients.DefaultHTTPExecutorConfig(name)
	executor.MaxRetries = cfg.CollaboratorMaxRetries
	executor.Logger = logger
	return executor
}

func buildVerifier(cfg config.Config, logger logging.Logger) (*auth.Verifier, error) {
	httpClient := clients.NewHTTPClient(10 * time.Second)
	tenants := make([]auth.Tenant, 0, len(cfg.Tenants))
	for _, tc := range cfg.Tenants {
		tenant, err := auth.NewJWTTenant(tc, httpClient, collaboratorExecutor("directory", cfg, logger))
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return auth.NewVerifier(tenants, logger)
}
