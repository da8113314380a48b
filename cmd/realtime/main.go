package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper/livechat/internal/config"
	"github.com/whisper/livechat/internal/gateway"
	"github.com/whisper/livechat/internal/messaging"
	"github.com/whisper/livechat/internal/ratelimit"
	"github.com/whisper/livechat/internal/session"
	"github.com/whisper/livechat/internal/store/postgres"
	"github.com/whisper/livechat/internal/ws"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	// --- Postgres ---
	if cfg.Migrate {
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
	}
	feed := postgres.NewFeed(cfg.DatabaseURL)

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	var remote gateway.ChangePublisher
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "livechat-realtime-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		remote = natsClient
	}

	log.Printf("livechat realtime gateway starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:    %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:   %s", serverConfig.WriteTimeout)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)

	dispatcher := ws.NewMessageDispatcher()
	gateway.NewSubscriptions(sessionStore, limiter).Register(dispatcher)

	server := ws.NewServer(serverConfig, sessionStore, limiter, dispatcher.Dispatch)
	server.SetOnDisconnect(func(conn *ws.Connection) {
		log.Printf("disconnect session=%s subscriptions=%d", conn.ID, conn.SubscriptionCount())
	})

	relay := gateway.NewRelay(feed, server, remote)
	if err := relay.Start(context.Background()); err != nil {
		log.Fatalf("failed to start relay: %v", err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := relay.Close(); err != nil {
			log.Printf("relay close error: %v", err)
		}
		if err := feed.Close(); err != nil {
			log.Printf("feed close error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
