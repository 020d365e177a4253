package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chirp/sns/internal/auth"
	"github.com/chirp/sns/internal/config"
	"github.com/chirp/sns/internal/messaging"
	"github.com/chirp/sns/internal/metrics"
	"github.com/chirp/sns/internal/presence"
	"github.com/chirp/sns/internal/ratelimit"
	"github.com/chirp/sns/internal/realtime"
	"github.com/chirp/sns/internal/session"
	"github.com/chirp/sns/internal/store"
	"github.com/chirp/sns/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	serverConfig := cfg.ServerConfig()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "sns-wsserver"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- Postgres (user lookups for the handshake) ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := store.Open(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)

	log.Printf("SNS realtime gateway starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:    %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:   %s", serverConfig.WriteTimeout)
	log.Printf("  auth_timeout:    %s", serverConfig.AuthTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)

	// Phase one: the transport. Phase two: presence and fan-out bound to it.
	server := ws.NewServer(serverConfig, sessionStore, nil)
	server.SetAuthenticator(auth.NewAuthenticator(tokens, store.NewUserStore(db)))
	server.SetLimiter(limiter)
	server.Handle("/metrics", metrics.Handler())

	gw, events := realtime.Attach(server, presence.NewTable(), presence.NewTypingTable(), realtime.GatewayConfig{
		StopTypingOnDisconnect: cfg.TypingStopOnDisconnect,
	})
	gw.SetLimiter(limiter)

	bridge := realtime.NewBridge(natsClient, events)
	if err := bridge.Start(); err != nil {
		log.Fatalf("failed to subscribe to %s: %v", messaging.SubjectPostEvents, err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		gw.Shutdown()
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
