/**
 * @description
 * This file contains the core wiring for the packet-service. The `Service`
 * struct coordinates the packet store, the allocation engine, the
 * eligibility filter, the settlement ledger and the message broker.
 *
 * Key features:
 * - Implements the caller operations: create, claim, status and listings.
 * - Owns the claim transaction protocol (see claim.go).
 * - Publishes packet events to RabbitMQ and the activity feed best-effort.
 *
 * @dependencies
 * - internal/allocation, internal/eligibility, internal/lifecycle: pure packet rules.
 * - internal/store: packet persistence with version compare-and-swap.
 * - pkg/ledgerclient, pkg/rabbitmq: external collaborators.
 */

package app

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/transfa/packet-service/internal/allocation"
	"github.com/transfa/packet-service/internal/domain"
	"github.com/transfa/packet-service/internal/eligibility"
	"github.com/transfa/packet-service/internal/lifecycle"
	"github.com/transfa/packet-service/internal/store"
	"github.com/transfa/packet-service/pkg/ledgerclient"
	"github.com/transfa/packet-service/pkg/rabbitmq"
)

// Defaults applied by Options for zero values.
const (
	DefaultMaxPersistRetries     = 5
	DefaultLedgerConfirmAttempts = 3
	DefaultLedgerConfirmBackoff  = 500 * time.Millisecond
	DefaultLedgerTimeout         = 10 * time.Second
	DefaultPersistTimeout        = 5 * time.Second
	DefaultActivityFeedSize      = 30
	DefaultPublicListSize        = 20
	MaxMessageLength             = 140
	claimRateLimitScope          = "claim"
)

// LedgerClient settles claim payouts.
type LedgerClient interface {
	Transfer(ctx context.Context, packetID, address string, amount int64) (string, error)
	Lookup(ctx context.Context, packetID, address string) (ledgerclient.Settlement, bool, error)
}

// ClaimRateLimiter counts attempts per subject in a fixed window.
type ClaimRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Options tunes the service. Zero values take the package defaults.
type Options struct {
	ExpiryWindow            time.Duration
	RetentionGrace          time.Duration
	MaxPersistRetries       int
	LedgerConfirmAttempts   int
	LedgerConfirmBackoff    time.Duration
	LedgerTimeout           time.Duration
	PersistTimeout          time.Duration
	ScoreTimeout            time.Duration
	LockWait                time.Duration
	ClaimRateLimitPerMinute int
	EventExchange           string
	ActivityFeedSize        int
}

func (o Options) normalized() Options {
	if o.MaxPersistRetries <= 0 {
		o.MaxPersistRetries = DefaultMaxPersistRetries
	}
	if o.LedgerConfirmAttempts <= 0 {
		o.LedgerConfirmAttempts = DefaultLedgerConfirmAttempts
	}
	if o.LedgerConfirmBackoff <= 0 {
		o.LedgerConfirmBackoff = DefaultLedgerConfirmBackoff
	}
	if o.LedgerTimeout <= 0 {
		o.LedgerTimeout = DefaultLedgerTimeout
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = DefaultPersistTimeout
	}
	if o.ScoreTimeout <= 0 {
		o.ScoreTimeout = eligibility.DefaultScoreTimeout
	}
	if o.LockWait <= 0 {
		o.LockWait = DefaultLockWait
	}
	if o.ClaimRateLimitPerMinute < 0 {
		o.ClaimRateLimitPerMinute = 0
	}
	if strings.TrimSpace(o.EventExchange) == "" {
		o.EventExchange = "packet.events"
	}
	if o.ActivityFeedSize <= 0 {
		o.ActivityFeedSize = DefaultActivityFeedSize
	}
	return o
}

// confirmBudget bounds the post-transfer confirmation loop.
func (o Options) confirmBudget() time.Duration {
	attempts := time.Duration(o.LedgerConfirmAttempts)
	return attempts * (o.LedgerConfirmBackoff*attempts + o.LedgerTimeout)
}

// Service provides the core business logic for packets.
type Service struct {
	repo          store.Repository
	ledger        LedgerClient
	filter        *eligibility.Filter
	lifecycle     *lifecycle.Manager
	eventProducer rabbitmq.Publisher
	locker        PacketLocker
	local         *LocalPacketLocker
	limiter       ClaimRateLimiter
	feed          ActivityFeed
	rand          allocation.Rand
	opts          Options
	newPacketID   func() (string, error)
}

// NewService creates a new packet service instance.
func NewService(repo store.Repository, ledger LedgerClient, scores eligibility.ScoreSource, producer rabbitmq.Publisher, opts Options) *Service {
	opts = opts.normalized()
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	local := NewLocalPacketLocker()
	return &Service{
		repo:          repo,
		ledger:        ledger,
		filter:        eligibility.NewFilter(scores, opts.ScoreTimeout),
		lifecycle:     lifecycle.NewManager(opts.ExpiryWindow, opts.RetentionGrace),
		eventProducer: producer,
		locker:        local,
		local:         local,
		feed:          NewMemoryActivityFeed(opts.ActivityFeedSize),
		rand:          allocation.NewRand(),
		opts:          opts,
		newPacketID:   generatePacketID,
	}
}

// SetPacketLocker replaces the per-packet lock. nil restores the in-process
// lock.
func (s *Service) SetPacketLocker(locker PacketLocker) {
	if locker == nil {
		locker = s.local
	}
	s.locker = locker
}

// SetClaimRateLimiter installs a per-claimant rate limiter.
func (s *Service) SetClaimRateLimiter(limiter ClaimRateLimiter) {
	s.limiter = limiter
}

// SetActivityFeed replaces the activity feed.
func (s *Service) SetActivityFeed(feed ActivityFeed) {
	if feed != nil {
		s.feed = feed
	}
}

// SetClock overrides the lifecycle clock.
func (s *Service) SetClock(now func() time.Time) {
	s.lifecycle.SetClock(now)
}

// SetRand overrides the allocation random source.
func (s *Service) SetRand(r allocation.Rand) {
	if r != nil {
		s.rand = r
	}
}

// Ping checks the packet store.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) publish(ctx context.Context, routingKey string, event interface{}) {
	if err := s.eventProducer.Publish(ctx, s.opts.EventExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

func (s *Service) recordActivity(ctx context.Context, entry domain.ActivityEntry) {
	if err := s.feed.Record(ctx, entry); err != nil {
		log.Printf("level=warn component=service msg=\"activity feed write failed\" packet_id=%s type=%s err=%v", entry.PacketID, entry.Type, err)
	}
}

// detached returns a context that survives caller cancellation, bounded by
// the persist timeout. Used for bookkeeping after money has moved.
func (s *Service) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
}
