package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/toolgate/backend/internal/clock"
	"github.com/toolgate/backend/internal/config"
	"github.com/toolgate/backend/internal/dedup"
	"github.com/toolgate/backend/internal/events"
	"github.com/toolgate/backend/internal/gateway"
	"github.com/toolgate/backend/internal/handlers"
	"github.com/toolgate/backend/internal/keys"
	"github.com/toolgate/backend/internal/ledger"
	"github.com/toolgate/backend/internal/mcp"
	"github.com/toolgate/backend/internal/metering"
	"github.com/toolgate/backend/internal/plans"
	"github.com/toolgate/backend/internal/ratelimit"
	"github.com/toolgate/backend/internal/session"
	"github.com/toolgate/backend/internal/webhooks"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	// .env is optional; real deployments use the environment directly.
	godotenv.Load()

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("load config %s: %v", *configPath, err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if adminKey := os.Getenv("ADMIN_KEY"); adminKey != "" {
		cfg.Server.AdminKey = adminKey
	}
	if cfg.Server.AdminKey == "" {
		log.Println("WARNING: no admin key configured, admin surface is locked")
	}
	if cfg.Tools.Command == "" {
		log.Fatal("tools.command is required: the gateway fronts a tool child process")
	}

	clk := clock.System{}

	// Core components.
	var limiterSource ratelimit.Source
	memLimiter := ratelimit.New(ratelimit.Config{
		WindowMs:    cfg.Limiter.WindowMs,
		MaxRequests: cfg.Limiter.MaxRequests,
		SubWindows:  cfg.Limiter.SubWindows,
		MaxKeys:     cfg.Limiter.MaxKeys,
	}, clk)
	limiterSource = memLimiter

	var redisLimiter *ratelimit.RedisLimiter
	if cfg.Limiter.RedisAddr != "" {
		rl, err := ratelimit.NewRedisLimiter(cfg.Limiter.RedisAddr, cfg.Limiter.RedisPassword, cfg.Limiter.RedisDB, ratelimit.Config{
			WindowMs:    cfg.Limiter.WindowMs,
			MaxRequests: cfg.Limiter.MaxRequests,
			SubWindows:  cfg.Limiter.SubWindows,
		})
		if err != nil {
			log.Fatalf("connect redis %s: %v", cfg.Limiter.RedisAddr, err)
		}
		redisLimiter = rl
		limiterSource = rl.AsSource(context.Background())
		log.Printf("rate limiting backed by redis at %s", cfg.Limiter.RedisAddr)
	}

	resolver := plans.NewResolver(clk)
	deduper := dedup.New(dedup.Config{
		TTLMs:      cfg.Dedup.TTLMs,
		MaxEntries: cfg.Dedup.MaxEntries,
		Algorithm:  dedup.Algorithm(cfg.Dedup.HashAlgorithm),
	}, clk)
	credits := ledger.New(ledger.Config{
		DefaultTTLSeconds:     cfg.Ledger.DefaultTTLSeconds,
		MaxReservationsPerKey: cfg.Ledger.MaxReservationsPerKey,
		MaxReservationAmount:  cfg.Ledger.MaxReservationAmount,
		AutoExpireIntervalMs:  cfg.Ledger.AutoExpireIntervalMs,
		AllowOverdraft:        cfg.Ledger.AllowOverdraftValue(),
	}, clk)
	sessions := session.NewManager(session.Config{
		MaxActiveSessions: cfg.Sessions.MaxActiveSessions,
		DefaultTTLMs:      cfg.Sessions.DefaultTTLMs,
	}, clk)
	metrics := metering.New(cfg.Metering.MaxRecords, clk)
	bus := events.NewEmitter()
	keyStore := keys.NewStore(keys.Config{MaxTagsPerKey: cfg.Keys.MaxTagsPerKey}, clk)

	credits.SetOnExpired(func(rec *ledger.Reservation) {
		bus.Emit(events.TopicReservationExpired, rec.Key, rec.Tool, map[string]interface{}{
			"reservationId": rec.ID,
			"amount":        rec.Amount,
		})
	})

	// Downstream tool child.
	toolClient := mcp.NewClient(mcp.Config{Command: cfg.Tools.Command, Args: cfg.Tools.Args})
	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	if err := toolClient.Start(startCtx); err != nil {
		cancelStart()
		log.Fatalf("start tool child: %v", err)
	}
	cancelStart()

	pipe := gateway.New(gateway.Config{
		Prices:       cfg.Tools.Prices,
		DefaultPrice: cfg.Tools.DefaultPrice,
		CallTimeout:  time.Duration(cfg.Tools.CallTimeoutMs) * time.Millisecond,
	}, gateway.Deps{
		Limiter:  limiterSource,
		Resolver: resolver,
		Deduper:  deduper,
		Credits:  credits,
		Sessions: sessions,
		Metrics:  metrics,
		Emitter:  bus,
		Invoker:  toolClient,
		Clock:    clk,
	})

	// Webhook sink rides the bus's async path.
	registry := webhooks.NewRegistry(cfg.Webhooks.MaxRules)
	dispatcher := webhooks.NewDispatcher(registry, cfg.Webhooks.Workers)
	dispatcher.Bind(bus)

	var adminLimiter *ratelimit.Limiter
	if cfg.Limiter.AdminRateLimit > 0 {
		adminLimiter = ratelimit.New(ratelimit.Config{
			WindowMs:    60_000,
			MaxRequests: cfg.Limiter.AdminRateLimit,
			SubWindows:  6,
		}, clk)
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Pipeline:     pipe,
		Keys:         keyStore,
		Plans:        resolver,
		Credits:      credits,
		Sessions:     sessions,
		Metrics:      metrics,
		Events:       bus,
		Webhooks:     registry,
		AdminKey:     cfg.Server.AdminKey,
		AdminLimiter: adminLimiter,
		StartedAt:    time.Now(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("toolgate listening on :%s (env=%s)", cfg.Server.Port, cfg.Server.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutdown signal received, draining...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	dispatcher.Shutdown()
	toolClient.Close()
	memLimiter.Destroy()
	if redisLimiter != nil {
		redisLimiter.Close()
	}
	if adminLimiter != nil {
		adminLimiter.Destroy()
	}
	resolver.Destroy()
	deduper.Destroy()
	credits.Destroy()
	sessions.Destroy()
	metrics.Destroy()
	bus.Destroy()
	keyStore.Destroy()
	log.Println("toolgate stopped")
}
