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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/chat"
	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/database"
	"github.com/noah-isme/gema-chat/internal/handler"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/realtime"
	"github.com/noah-isme/gema-chat/internal/repository"
	"github.com/noah-isme/gema-chat/internal/router"
	"github.com/noah-isme/gema-chat/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if cfg.AppEnv == "development" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	presence := realtime.NewMemoryPresenceRegistry()
	if redisClient != nil {
		presence = realtime.NewRedisPresenceRegistry(redisClient, cfg.ChannelBase, cfg.PresenceTTL)
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	hub := realtime.NewHub(realtime.HubOptions{
		Presence:        presence,
		Redis:           redisClient,
		NATS:            natsConn,
		ChannelBase:     cfg.ChannelBase,
		BufferSize:      cfg.ChatSubscriberBuffer,
		PresenceRefresh: cfg.PresenceTTL / 3,
		Logger:          logger,
	})
	hub.Start(hubCtx)

	validate := validator.New(validator.WithRequiredStructEnabled())

	chatRepo := repository.NewChatRepository(db)
	memberRepo := repository.NewProjectMemberRepository(db)

	membershipService := service.NewMembershipService(memberRepo, redisClient, cfg.ChannelBase, cfg.MembershipCacheTTL, validate, logger)
	chatService := service.NewChatService(chatRepo, service.ChatServiceOptions{
		Notifier:    hub,
		Membership:  membershipService,
		Redis:       redisClient,
		ChannelBase: cfg.ChannelBase,
	}, validate, logger)

	sessions := chat.NewManager(chatService, membershipService, hub, chat.Options{
		JoinTimeout:        cfg.ChatJoinTimeout,
		RetryBackoff:       cfg.ChatRetryBackoff,
		RetryMaxBackoff:    cfg.ChatRetryMaxBackoff,
		TypingIdle:         cfg.ChatTypingIdle,
		TypingTTL:          cfg.ChatTypingTTL,
		PageSize:           cfg.ChatPageSize,
		ErrorDisplayWindow: cfg.ChatErrorDisplayWindow,
		Logger:             logger,
	})

	chatHandler := handler.NewChatHandler(chatService, membershipService, sessions, hub, validate, logger, handler.ChatHandlerOptions{
		RateLimit:  cfg.ChatRateLimit,
		RateWindow: cfg.ChatRateWindow,
	})

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.CORSAllowOrigins,
		AccessLog:    cfg.AppEnv == "development",
	})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:   chatHandler,
		JWTMiddleware: middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, func() {
		sessions.CloseAll()
		stopHub()
		hub.Close()
	})
}

func waitForShutdown(app *fiber.App, cleanup func()) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Sessions go first so their Leave calls reach a live hub.
	if cleanup != nil {
		cleanup()
	}

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
