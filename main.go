package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"drawrelay/internal/config"
	"drawrelay/internal/http/http_server"
	"drawrelay/internal/ratelimit"
	"drawrelay/internal/redis/redis_client"
	"drawrelay/internal/relay"
	"drawrelay/internal/ws"

	"go.uber.org/zap"
)

var (
	Log, _ = zap.NewDevelopment()
)

func main() {
	defer Log.Sync()
	zap.ReplaceGlobals(Log)

	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Rate limiter (+ optional Redis-backed shared blocklist)
	limiter := ratelimit.NewLimiter(ratelimit.Policy{
		MaxConnAttempts:    cfg.MaxConnAttempts,
		ConnAttemptWindow:  cfg.ConnAttemptWindow,
		MaxConcurrentConns: cfg.MaxConcurrentConns,
		MaxMessages:        cfg.MaxMessages,
		MessageWindow:      cfg.MessageWindow,
		ConnBlockDuration:  cfg.ConnBlockDuration,
		MsgBlockDuration:   cfg.MsgBlockDuration,
		CleanupInterval:    cfg.CleanupInterval,
	})
	if cfg.RedisBlocklistHost != "" {
		redisClient, err := redis_client.NewRedisClient(cfg.RedisBlocklistHost, int(cfg.RedisBlocklistPort))
		if err != nil {
			Log.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		limiter.WithSharedBlocklist(ratelimit.NewSharedBlocklist(redisClient))
		Log.Debug("Shared blocklist enabled")
	}

	// 4. Background: rate-limit record cleanup
	limiter.Run(ctx)

	// 5. Room registry
	registry := relay.NewRegistry(relay.Config{
		CreatorLeaveGrace: cfg.CreatorLeaveGrace,
		ReapGrace:         cfg.ReapGrace,
	})

	// 6. WS server
	wsSrv := ws.NewServer(registry, limiter, ws.Options{
		PingInterval:   cfg.PingInterval,
		PongTimeout:    cfg.PongTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// 7. Background: idle-room reaper
	ws.NewReaper(registry, cfg.ReapInterval, cfg.RoomIdleThreshold).Run(ctx)

	// 8. HTTP + WS server
	httpServer := http_server.NewHttpServer(ctx, cfg.HttpServerPort, wsSrv, registry, limiter)
	if err := httpServer.Start(); err != nil {
		Log.Fatal("Failed to start HTTP server", zap.Error(err))
	}
}
