package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/packet-service/internal/domain"
)

// DefaultLockTTL and DefaultLockWait apply when the packet lock is built
// without explicit values.
const (
	DefaultLockTTL    = 90 * time.Second
	DefaultLockWait   = 5 * time.Second
	lockPollInterval  = 25 * time.Millisecond
	defaultLockPrefix = "packets:lock"
)

var (
	// ErrLockNotAcquired means another holder kept the lock until the
	// acquisition context ended.
	ErrLockNotAcquired = errors.New("packet lock not acquired")
	// ErrLockUnavailable means the lock backend could not be reached.
	ErrLockUnavailable = errors.New("packet lock backend unavailable")
)

// PacketLocker serializes the claims and refund signals of one packet across
// the settlement call. Acquire waits until ctx ends; release is always safe
// to call.
type PacketLocker interface {
	Acquire(ctx context.Context, packetID string) (release func(), err error)
}

// LocalPacketLocker is an in-process keyed mutex.
type LocalPacketLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalPacketLocker creates an empty keyed mutex.
func NewLocalPacketLocker() *LocalPacketLocker {
	return &LocalPacketLocker{locks: make(map[string]*localLock)}
}

func (l *LocalPacketLocker) Acquire(ctx context.Context, packetID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[packetID]
	if !ok {
		lock = &localLock{ch: make(chan struct{}, 1)}
		l.locks[packetID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(packetID, lock)
		return func() {}, fmt.Errorf("%w: %v", ErrLockNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.ch
			l.unref(packetID, lock)
		})
	}, nil
}

func (l *LocalPacketLocker) unref(packetID string, lock *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, packetID)
	}
}

var redisLockReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisPacketLocker is a distributed lock using SET NX PX with an owner
// token and compare-and-delete release. The ttl must outlast a whole claim.
type RedisPacketLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisPacketLocker builds a Redis lock. A non-positive ttl takes the default.
func NewRedisPacketLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisPacketLocker {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = defaultLockPrefix
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisPacketLocker{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (l *RedisPacketLocker) Acquire(ctx context.Context, packetID string) (func(), error) {
	key := fmt.Sprintf("%s:%s", l.prefix, packetID)
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return func() {}, fmt.Errorf("%w: %v", ErrLockNotAcquired, ctx.Err())
			}
			return func() {}, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
		}
		if ok {
			return l.releaser(ctx, key, token, packetID), nil
		}
		select {
		case <-ctx.Done():
			return func() {}, fmt.Errorf("%w: %v", ErrLockNotAcquired, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

func (l *RedisPacketLocker) releaser(ctx context.Context, key, token, packetID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			deleted, err := redisLockReleaseScript.Run(releaseCtx, l.client, []string{key}, token).Int()
			switch {
			case err != nil:
				log.Printf("level=warn component=lock msg=\"lock release failed; it will expire\" packet_id=%s err=%v", packetID, err)
			case deleted == 0:
				log.Printf("level=error component=lock msg=\"lock expired before release\" packet_id=%s ttl=%s", packetID, l.ttl)
			}
		})
	}
}

// acquirePacketLock takes the packet lock within LockWait. A backend failure
// falls back to the in-process lock; contention is reported as
// ErrPacketBusy and the caller must not touch the packet.
func (s *Service) acquirePacketLock(ctx context.Context, packetID, flow string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockWait)
	defer cancel()

	release, err := s.locker.Acquire(lockCtx, packetID)
	if err == nil {
		return release, nil
	}

	contended := errors.Is(err, ErrLockNotAcquired) || lockCtx.Err() != nil
	if !contended && s.locker != PacketLocker(s.local) {
		log.Printf("level=warn component=service flow=%s msg=\"lock backend unavailable; serializing in process\" packet_id=%s err=%v", flow, packetID, err)
		if release, err = s.local.Acquire(lockCtx, packetID); err == nil {
			return release, nil
		}
	}

	log.Printf("level=info component=service flow=%s msg=\"packet busy\" packet_id=%s err=%v", flow, packetID, err)
	return nil, domain.WrapError(domain.KindPacketBusy, domain.ErrPacketBusy.Message, err)
}

// claimLockFloor is the longest a claim can hold its packet lock: the score
// lookup, the pre-submit lookup, the transfer, the confirmation loop and the
// two bookkeeping writes.
func (o Options) claimLockFloor() time.Duration {
	return o.ScoreTimeout + 2*o.LedgerTimeout + o.confirmBudget() + 2*o.PersistTimeout
}

// ClaimLockTTL returns configured raised to the longest a claim can hold
// its packet lock.
func (s *Service) ClaimLockTTL(configured time.Duration) time.Duration {
	if floor := s.opts.claimLockFloor(); configured < floor {
		return floor
	}
	return configured
}
