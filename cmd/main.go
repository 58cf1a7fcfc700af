/**
 * @description
 * This is the main entry point for the packet-service. It loads configuration,
 * assembles the packet service through internal/bootstrap, and then runs the
 * HTTP API, the deposit-confirmed consumer and the refund sweep scheduler
 * until it receives SIGINT or SIGTERM.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - internal/api, internal/app, internal/bootstrap, internal/config, internal/scheduler: service packages.
 * - internal/tracing: OpenTelemetry tracer provider.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/transfa/packet-service/internal/api"
	"github.com/transfa/packet-service/internal/app"
	"github.com/transfa/packet-service/internal/bootstrap"
	"github.com/transfa/packet-service/internal/config"
	"github.com/transfa/packet-service/internal/scheduler"
	"github.com/transfa/packet-service/internal/tracing"
	rmrabbit "github.com/transfa/packet-service/pkg/rabbitmq"
)

const depositExchange = "ledger.events"

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.InternalAPIKey == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.JWKSURL) == "" && strings.TrimSpace(cfg.JWTHS256Secret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"no token verification configured\" env=JWKS_URL,JWT_HS256_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting packet-service\" port=%s environment=%s store_backend=%s", cfg.ServerPort, cfg.Environment, cfg.StoreBackend)

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.JaegerEndpoint,
		Environment: cfg.Environment,
	})
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"tracing init failed; continuing without traces\" err=%v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	stack, err := bootstrap.Build(context.Background(), cfg)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"service assembly failed\" err=%v", err)
	}
	defer stack.Close()

	// Deposit confirmations create packets. Without a broker the internal
	// deposit hook remains the only creation path besides the public API.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		subscriber, err := rmrabbit.DialDepositSubscriber(cfg.RabbitMQURL, 20)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; deposit events disabled\" err=%v", err)
		} else {
			defer subscriber.Close()
			depositConsumer := app.NewDepositConsumer(stack.Service)
			if err := subscriber.SubscribeDeposits(depositExchange, cfg.DepositEventQueue, depositConsumer.HandleMessage); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"deposit consumer start failed\" err=%v", err)
			}
			log.Printf("level=info component=bootstrap msg=\"deposit consumer started\" queue=%s", cfg.DepositEventQueue)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "scheduler")
	sweeps := scheduler.NewScheduler(scheduler.NewJobs(stack.Service, logger, 0), logger, cfg.RefundSweepSchedule)
	if err := sweeps.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"refund scheduler start failed\" err=%v", err)
	}

	handlers := api.NewPacketHandlers(stack.Service)
	router := api.PacketRoutes(handlers, api.RouterConfig{
		Auth: api.AuthConfig{
			JWKSURL:  cfg.JWKSURL,
			HS256Key: cfg.JWTHS256Secret,
			Audience: cfg.JWTAudience,
			Issuer:   cfg.JWTIssuer,
		},
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	select {
	case <-sweeps.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"refund sweep still running at shutdown\"")
	}

	if err := shutdownTracing(ctx); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"tracing shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
