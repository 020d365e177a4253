package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chirp/sns/internal/api"
	"github.com/chirp/sns/internal/auth"
	"github.com/chirp/sns/internal/config"
	"github.com/chirp/sns/internal/messaging"
	"github.com/chirp/sns/internal/metrics"
	"github.com/chirp/sns/internal/ratelimit"
	"github.com/chirp/sns/internal/realtime"
	"github.com/chirp/sns/internal/store"
)

func main() {
	log.Println("Starting SNS API service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Postgres setup.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := store.Open(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	// Redis setup. Post throttling is skipped when Redis is down.
	apiConfig := api.Config{
		Users:        store.NewUserStore(db),
		Posts:        store.NewPostStore(db),
		Likes:        store.NewLikeStore(db),
		Tokens:       auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL),
		CookieSecure: cfg.CookieSecure,
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("redis unavailable, post rate limiting disabled: %v", err)
	} else {
		apiConfig.Limiter = ratelimit.NewLimiter(rdb)
	}
	cancel()

	// NATS setup. Without a bus, writes still succeed but nothing is fanned out.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "sns-api"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Printf("nats unavailable, realtime events disabled: %v", err)
		apiConfig.Notifier = realtime.NopNotifier{}
	} else {
		apiConfig.Notifier = realtime.NewBridgeNotifier(natsClient)
	}

	mux := http.NewServeMux()
	mux.Handle("/", api.NewServer(apiConfig).Handler())
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:              cfg.APIListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("SNS API service running")
	log.Printf("  listen_addr: %s", cfg.APIListenAddr)
	log.Printf("  nats_url:    %s", natsConfig.URL)
	log.Printf("  redis_addr:  %s", cfg.RedisAddr)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if natsClient != nil {
		if err := natsClient.Flush(); err != nil {
			log.Printf("nats flush error: %v", err)
		}
		natsClient.Close()
	}
	rdb.Close()
	db.Close()
}
