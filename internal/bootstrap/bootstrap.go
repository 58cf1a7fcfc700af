/**
 * @description
 * This package assembles the packet-service from configuration. Both the
 * HTTP server in cmd/main.go and the packetctl operator CLI build their
 * stack here so they see the same store, ledger and broker settings.
 *
 * @notes
 * - Redis is optional unless it is the store backend. Without it the
 *   locker, rate limiter and activity feed stay process-local.
 * - A RabbitMQ outage at startup degrades to the fallback publisher.
 */

package bootstrap

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/packet-service/internal/app"
	"github.com/transfa/packet-service/internal/config"
	"github.com/transfa/packet-service/internal/eligibility"
	"github.com/transfa/packet-service/internal/store"
	"github.com/transfa/packet-service/pkg/directoryclient"
	"github.com/transfa/packet-service/pkg/ledgerclient"
	"github.com/transfa/packet-service/pkg/rabbitmq"
)

const connectTimeout = 5 * time.Second

// Stack is the assembled service and the connections it owns.
type Stack struct {
	Service   *app.Service
	Repo      store.Repository
	Redis     *redis.Client
	Publisher rabbitmq.Publisher

	closers []func()
}

// Close releases every connection in reverse order of opening.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

type historyTTLSetter interface {
	SetHistoryTTL(ttl time.Duration)
}

// Build opens the configured backends and wires the packet service.
func Build(ctx context.Context, cfg config.Config) (*Stack, error) {
	stack := &Stack{}

	redisClient, err := openRedis(ctx, cfg)
	if err != nil {
		if cfg.StoreBackend == config.StoreRedis {
			return nil, err
		}
		log.Printf("level=warn component=bootstrap msg=\"redis unavailable; using process-local lock, rate limit and feed\" err=%v", err)
	}
	if redisClient != nil {
		stack.Redis = redisClient
		stack.closers = append(stack.closers, func() { redisClient.Close() })
	}

	repo, err := openStore(ctx, cfg, stack)
	if err != nil {
		stack.Close()
		return nil, err
	}
	if setter, ok := repo.(historyTTLSetter); ok {
		setter.SetHistoryTTL(cfg.HistoryTTL())
	}
	stack.Repo = repo

	stack.Publisher = openPublisher(cfg)
	stack.closers = append(stack.closers, stack.Publisher.Close)

	ledger := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey, cfg.LedgerTimeout())

	var scores eligibility.ScoreSource = directoryclient.NewClient(cfg.DirectoryAPIBaseURL, cfg.DirectoryAPIKey)
	if redisClient != nil {
		scores = app.NewRedisScoreCache(scores, redisClient, cfg.RedisKeyPrefix, cfg.ScoreCacheTTL())
	}

	svc := app.NewService(repo, ledger, scores, stack.Publisher, app.Options{
		ExpiryWindow:            cfg.ExpiryWindow(),
		RetentionGrace:          cfg.RetentionGrace(),
		MaxPersistRetries:       cfg.ClaimMaxPersistRetries,
		LedgerConfirmAttempts:   cfg.LedgerConfirmTries,
		LedgerTimeout:           cfg.LedgerTimeout(),
		ScoreTimeout:            cfg.ScoreTimeout(),
		LockWait:                cfg.LockWait(),
		ClaimRateLimitPerMinute: cfg.ClaimRateLimitPerMinute,
		EventExchange:           cfg.EventExchange,
		ActivityFeedSize:        cfg.ActivityFeedSize,
	})

	if redisClient != nil {
		svc.SetPacketLocker(app.NewRedisPacketLocker(redisClient, cfg.RedisKeyPrefix+":lock", svc.ClaimLockTTL(cfg.LockTTL())))
		svc.SetClaimRateLimiter(app.NewRedisClaimRateLimiter(redisClient, cfg.RedisKeyPrefix+":rate_limit"))
		svc.SetActivityFeed(app.NewRedisActivityFeed(redisClient, cfg.RedisKeyPrefix, cfg.ActivityFeedSize))
	} else if cfg.ClaimRateLimitPerMinute > 0 {
		svc.SetClaimRateLimiter(app.NewMemoryClaimRateLimiter())
	}

	stack.Service = svc
	log.Printf("level=info component=bootstrap msg=\"packet service assembled\" store_backend=%s redis=%t rabbitmq=%t",
		cfg.StoreBackend, redisClient != nil, !isFallback(stack.Publisher))
	return stack, nil
}

func openRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis url is empty (REDIS_URL)")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client, nil
}

func openStore(ctx context.Context, cfg config.Config, stack *Stack) (store.Repository, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Println("level=warn component=bootstrap msg=\"using in-memory packet store; packets do not survive restarts\"")
		return store.NewMemoryRepository(), nil
	case config.StoreRedis:
		return store.NewRedisRepository(stack.Redis, cfg.RedisKeyPrefix), nil
	default:
		pool, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		stack.closers = append(stack.closers, pool.Close)

		repo := store.NewPostgresRepository(pool)
		schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := repo.EnsureSchema(schemaCtx); err != nil {
			return nil, fmt.Errorf("failed to ensure packet schema: %w", err)
		}
		return repo, nil
	}
}

func openPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is empty (DATABASE_URL)")
	}
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return pool, nil
}

func openPublisher(cfg config.Config) rabbitmq.Publisher {
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; packet events will not be published\" env=RABBITMQ_URL")
		return &rabbitmq.EventProducerFallback{}
	}
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		return &rabbitmq.EventProducerFallback{}
	}
	log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	return producer
}

func isFallback(p rabbitmq.Publisher) bool {
	_, ok := p.(*rabbitmq.EventProducerFallback)
	return ok
}
