package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-messaging/internal/config"
	"github.com/noah-isme/gema-messaging/internal/database"
	"github.com/noah-isme/gema-messaging/internal/handler"
	"github.com/noah-isme/gema-messaging/internal/messaging"
	"github.com/noah-isme/gema-messaging/internal/middleware"
	"github.com/noah-isme/gema-messaging/internal/repository"
	"github.com/noah-isme/gema-messaging/internal/router"
	"github.com/noah-isme/gema-messaging/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if !cfg.IsProduction() {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if cfg.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
	}

	probes := map[string]handler.HealthProbe{
		"database": database.SQLProbe(db),
	}

	var (
		redisClient    *redis.Client
		limiterStorage fiber.Storage
	)
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		probes["redis"] = database.RedisProbe(redisClient)
		limiterStorage = database.NewRedisStorage(redisClient, cfg.ChannelBase+":ratelimit")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
		probes["nats"] = database.NATSProbe(natsConn)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	rosterRepo := repository.NewRosterRepository(db)
	threadRepo := repository.NewThreadRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	userRepo := repository.NewUserRepository(db)

	resolver := messaging.NewResolver(rosterRepo, rosterRepo, logger).WithConcurrency(cfg.ResolverConcurrency)

	// Realtime admission depends on the messaging service, which publishes through realtime.
	var messagingService service.MessagingService
	admission := service.AdmissionFunc(func(ctx context.Context, viewer messaging.Viewer, threadIDs []uint) ([]uint, error) {
		return messagingService.SubscribableThreads(ctx, viewer, threadIDs)
	})
	realtimeService := service.NewRealtimeService(admission, redisClient, cfg.ChannelBase, cfg.LastEventTTL, natsConn, logger)
	messagingService = service.NewMessagingService(threadRepo, messageRepo, userRepo, resolver, realtimeService, validate, cfg.MessagePageSize, logger)

	messagingHandler := handler.NewMessagingHandler(messagingService, logger)
	realtimeHandler := handler.NewRealtimeHandler(realtimeService, cfg.StreamKeepAlive, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	realtimeService.Start(ctx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.AllowOrigins,
		AccessLog:    !cfg.IsProduction(),
		StackTraces:  !cfg.IsProduction(),
	})
	router.Register(app, cfg, router.Dependencies{
		MessagingHandler: messagingHandler,
		RealtimeHandler:  realtimeHandler,
		HealthProbes:     probes,
		JWTMiddleware:    middleware.JWTProtected(cfg.JWTSecret),
		RateLimitStorage: limiterStorage,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	logger.Info().Str("addr", cfg.HTTPAddress()).Str("driver", cfg.DatabaseDriver).Msg("messaging api started")
	waitForShutdown(app, cancel)
}

func waitForShutdown(app *fiber.App, stopRealtime context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()
	stopRealtime()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
