package main

import (
	"classmate/backend/internal/api/handler"
	"classmate/backend/internal/chathub"
	"classmate/backend/internal/config"
	"classmate/backend/internal/invite"
	"classmate/backend/internal/livekit"
	"classmate/backend/internal/localization"
	"classmate/backend/internal/logging"
	"classmate/backend/internal/metrics"
	"classmate/backend/internal/pubsub"
	"classmate/backend/internal/storage"
	"classmate/backend/internal/telegram"
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupDependencies(cfg *config.Config) (*gorm.DB, *redis.Client) {
	dsn := cfg.DatabaseURL
	if dsn == "" {
		dsn = "host=localhost user=user password=password dbname=classmate port=5432 sslmode=disable"
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect PostgreSQL")
	}

	// Without Redis the process runs single-instance on the in-memory bus.
	if cfg.RedisURL == "" {
		log.Warn().Msg("REDIS_URL not set, using in-memory pub/sub")
		return db, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid REDIS_URL")
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect Redis")
	}

	return db, rdb
}

func main() {
	cfg := config.Load()
	logging.Setup(cfg.IsDevelopment(), cfg.LogLevel)
	log.Info().Str("env", cfg.Env).Msg("Starting Classmate realtime backend")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Storage
	db, rdb := setupDependencies(cfg)
	s := storage.NewStorageService(db, rdb)
	if err := s.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}
	log.Info().Msg("Database connection established, migrations complete")

	var bus pubsub.Bus
	deps := chathub.SessionDeps{Invites: s}
	var online telegram.OnlineChecker
	if rdb != nil {
		redisBus := pubsub.NewRedisBus(rdb)
		defer redisBus.Close()
		bus = redisBus
		deps.Mirror = s
		online = s
	} else {
		memBus := pubsub.NewMemoryBus()
		defer memBus.Close()
		bus = memBus
	}
	deps.Bus = bus

	hub := chathub.NewManagerService(deps)
	go hub.Run()
	defer hub.Stop()

	// 2. Telegram (optional)
	var notifier invite.Notifier
	if cfg.TelegramBotToken != "" {
		localizer, err := localization.New()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load translations")
		}
		botService, err := telegram.NewBotService(cfg.TelegramBotToken, localizer)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start Telegram bot")
		}
		callNotifier := telegram.NewCallNotifier(botService.BotAPI, online, localizer).WithLocalSessions(hub)
		defer callNotifier.Wait()
		notifier = callNotifier
		go botService.Run(ctx)
	}

	// 3. Services
	invites := invite.NewService(s, bus, notifier)
	issuer := livekit.NewIssuer(cfg, s)
	if !cfg.LiveKitConfigured() {
		log.Warn().Msg("LiveKit is not configured, media token requests will fail")
	}

	go expireInvites(ctx, invites)

	// 4. HTTP
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), logging.Middleware(logging.Component("http")), metrics.Middleware())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := handler.NewHandler(cfg, hub, s, invites, issuer)
	h.RegisterRoutes(r)

	server := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
}

// expireInvites cancels invites nobody answered so they stop showing up as
// pending.
func expireInvites(ctx context.Context, invites *invite.Service) {
	ticker := time.NewTicker(config.InviteStaleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := invites.ExpireStale(ctx, config.InviteStaleAfter); err != nil {
				log.Error().Err(err).Msg("Invite expiry failed")
			}
		}
	}
}
