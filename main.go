// Package main provides the entry point of the broadcast lifecycle and dispatch service
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/amirphl/broadcast-core/app/handlers"
	"github.com/amirphl/broadcast-core/app/middleware"
	"github.com/amirphl/broadcast-core/app/router"
	"github.com/amirphl/broadcast-core/app/scheduler"
	"github.com/amirphl/broadcast-core/app/services"
	"github.com/amirphl/broadcast-core/app/worker"
	businessflow "github.com/amirphl/broadcast-core/business_flow"
	"github.com/amirphl/broadcast-core/config"
	"github.com/amirphl/broadcast-core/models"
	"github.com/amirphl/broadcast-core/repository"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Application represents the main application structure
type Application struct {
	router    *router.FiberRouter
	server    *fiber.App
	stopFuncs []func()
	closers   []io.Closer
}

func main() {
	log.Println("Starting broadcast core...")

	cfg, err := config.LoadProductionConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	app, err := initializeApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	app.router.SetupRoutes()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := app.router.Start(address); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-sigChan
	log.Println("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.server.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	// Stop background workers after the API so no new events are queued behind them
	for i := len(app.stopFuncs) - 1; i >= 0; i-- {
		app.stopFuncs[i]()
	}
	for _, c := range app.closers {
		_ = c.Close()
	}

	log.Println("Server stopped")
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	gormCfg := &gorm.Config{}
	if cfg.SlowQueryLog {
		gormCfg.Logger = logger.New(log.Default(), logger.Config{
			SlowThreshold:             cfg.SlowQueryTime,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("Database connection established with %d max open connections, %d max idle connections",
		cfg.MaxOpenConns, cfg.MaxIdleConns)

	return db, nil
}

// initializeCache initializes the redis client and verifies connectivity
func initializeCache(cfg config.CacheConfig) (*redis.Client, error) {
	if !cfg.Enabled || cfg.Provider != "redis" {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Printf("Redis connection established to %s (db=%d)", cfg.RedisURL, cfg.RedisDB)
	return rc, nil
}

// startCacheHealthMonitor periodically pings redis and returns a stop function
func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(context.Background(), 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					log.Printf("Redis healthcheck failed: %v", err)
				}
				c()
			}
		}
	}()
	return cancel
}

// initializeNotificationService builds the on-call SMS notifier
func initializeNotificationService(cfg *config.ProductionConfig) services.NotificationService {
	var smsService services.SMSService
	switch cfg.SMS.ProviderDomain {
	case "mock":
		smsService = services.NewMockSMSService()
	default:
		smsService = services.NewSMSService(&cfg.SMS)
	}
	return services.NewNotificationService(smsService, cfg.Admin.OnCallMobiles, cfg.Deployment.Domain)
}

// componentLogger opens a logger next to the main log file, named after the component
func componentLogger(cfg config.LoggingConfig, name string) (*log.Logger, io.Closer) {
	opts := utils.LogFileOptions{
		Output:     cfg.Output,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	if cfg.FilePath != "" {
		opts.FilePath = filepath.Join(filepath.Dir(cfg.FilePath), name+".log")
	}
	return utils.NewLogger("", opts)
}

// initializeApplication initializes the main application components
func initializeApplication(cfg *config.ProductionConfig) (*Application, error) {
	app := &Application{}

	key, err := cfg.Broadcast.PersonalisationKeyBytes()
	if err != nil {
		return nil, err
	}
	if err := models.RegisterSealedSerializer(key); err != nil {
		return nil, fmt.Errorf("failed to register personalisation serializer: %w", err)
	}

	db, err := initializeDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	rc, err := initializeCache(cfg.Cache)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		app.stopFuncs = append(app.stopFuncs, startCacheHealthMonitor(context.Background(), rc, cfg.Cache.HealthCheckInterval))
		app.closers = append(app.closers, rc)
	}

	dispatchLogger, dispatchLogCloser := componentLogger(cfg.Logging, "dispatch")
	workerLogger, workerLogCloser := componentLogger(cfg.Logging, "worker")
	app.closers = append(app.closers, dispatchLogCloser, workerLogCloser)

	// Repositories
	messageRepo := repository.NewBroadcastMessageRepository(db)
	eventRepo := repository.NewBroadcastEventRepository(db)
	providerMessageRepo := repository.NewBroadcastProviderMessageRepository(db)
	serviceRepo := repository.NewServiceRepository(db)
	userRepo := repository.NewUserRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)
	counterRepo := repository.NewSequenceCounterRepository(db)
	tx := repository.NewTransactor(db)

	// Services
	var queue services.DispatchQueue
	if rc != nil {
		queue = services.NewRedisDispatchQueue(rc, cfg.Cache.RedisPrefix, cfg.Broadcast.QueueName)
	} else {
		log.Println("Redis disabled, using the in-process dispatch queue")
		memQueue := services.NewMemoryDispatchQueue()
		app.stopFuncs = append(app.stopFuncs, memQueue.Close)
		queue = memQueue
	}

	numbering, err := businessflow.NewProviderMessageNumbering(cfg.Broadcast.NumberingBackend, counterRepo, rc, cfg.Cache.RedisPrefix)
	if err != nil {
		return nil, err
	}

	var proxy services.CBCProxyClient
	if cfg.CBCProxy.Enabled {
		proxy = services.NewCBCProxyClient(&cfg.CBCProxy, dispatchLogger)
	} else {
		proxy = services.NewMockCBCProxyClient()
	}

	notifier := initializeNotificationService(cfg)

	tokenService, err := services.NewTokenService(
		cfg.JWT.AccessTokenTTL,
		cfg.JWT.RefreshTokenTTL,
		cfg.JWT.Issuer,
		cfg.JWT.Audience,
		cfg.JWT.UseRSAKeys,
		cfg.JWT.PrivateKey,
		cfg.JWT.PublicKey,
		cfg.JWT.SecretKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}
	log.Printf("Token service initialized with issuer: %s, audience: %s", cfg.JWT.Issuer, cfg.JWT.Audience)

	providers, err := models.ParseBroadcastProviders(cfg.Broadcast.EnabledProviders)
	if err != nil {
		return nil, err
	}

	// Flows
	guard := businessflow.NewBroadcastStatusGuard(utils.UTCNow)
	factory := businessflow.NewBroadcastEventFactory(cfg.Broadcast.Sender, utils.UTCNow)

	messageFlow := businessflow.NewBroadcastMessageFlow(
		messageRepo,
		eventRepo,
		serviceRepo,
		userRepo,
		templateRepo,
		auditRepo,
		tx,
		guard,
		factory,
		queue,
		cfg.Broadcast.EmailDomain,
		log.Default(),
	)

	dispatchFlow := businessflow.NewBroadcastDispatchFlow(
		messageRepo,
		eventRepo,
		providerMessageRepo,
		serviceRepo,
		auditRepo,
		tx,
		numbering,
		proxy,
		notifier,
		businessflow.DispatchConfig{
			Environment:      cfg.Deployment.Environment,
			EnabledProviders: providers,
			StubEnvironments: cfg.Broadcast.StubEnvironments,
			ProxyEnabled:     cfg.CBCProxy.Enabled,
			EmailDomain:      cfg.Broadcast.EmailDomain,
			TransportTimeout: cfg.Broadcast.TransportTimeout,
		},
		utils.UTCNow,
		dispatchLogger,
	)

	reportFlow := businessflow.NewDeliveryReportFlow(messageRepo, eventRepo, serviceRepo, userRepo, cfg.Broadcast.EmailDomain)

	// Background workers
	dispatchWorker := worker.NewDispatchWorker(queue, dispatchFlow, workerLogger, cfg.Broadcast.WorkerCount, cfg.Broadcast.MaxDispatchRetry)
	app.stopFuncs = append(app.stopFuncs, dispatchWorker.Start(context.Background()))

	if cfg.Broadcast.LinkTestInterval > 0 && cfg.CBCProxy.Enabled {
		linkTests := scheduler.NewLinkTestScheduler(queue, cfg.Broadcast.EnabledProviders, workerLogger, cfg.Broadcast.LinkTestInterval)
		app.stopFuncs = append(app.stopFuncs, linkTests.Start(context.Background()))
	}

	// HTTP
	authHandler := handlers.NewAuthHandler(tokenService)
	messageHandler := handlers.NewBroadcastMessageHandler(messageFlow, reportFlow)
	dispatchHandler := handlers.NewBroadcastDispatchHandler(dispatchFlow)
	authMiddleware := middleware.NewAuthMiddleware(tokenService)

	app.router = router.NewFiberRouter(
		router.Config{
			BodyLimit:      cfg.Server.BodyLimit,
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
			IdleTimeout:    cfg.Server.IdleTimeout,
			AllowOrigins:   allowedOrigins(cfg.Deployment.Domain),
			MetricsEnabled: cfg.Metrics.Enabled,
			MetricsPath:    cfg.Metrics.Path,
			CallbackAPIKey: cfg.CBCProxy.APIKey,
			Version:        cfg.Deployment.Version,
		},
		authHandler,
		messageHandler,
		dispatchHandler,
		authMiddleware,
	)
	app.server = app.router.GetApp()

	return app, nil
}

func allowedOrigins(domain string) []string {
	if domain == "" || domain == "localhost" {
		return nil
	}
	return []string{"https://" + domain, "https://admin." + domain}
}
