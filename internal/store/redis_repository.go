package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/packet-service/internal/domain"
	"github.com/transfa/packet-service/internal/lifecycle"
)

const (
	redisHistoryMaxLen = 200
	defaultRedisPrefix = "packets"
)

// KEYS[1]=packet hash, KEYS[2]=public index, KEYS[3]=expiry index
// ARGV[1]=payload, ARGV[2]=ttl millis, ARGV[3]=packet id, ARGV[4]=public flag, ARGV[5]=expires-at millis
var redisInsertPacketScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[1], "version", 1)
redis.call("PEXPIRE", KEYS[1], ARGV[2])
if ARGV[4] == "1" then
	redis.call("LPUSH", KEYS[2], ARGV[3])
	redis.call("LTRIM", KEYS[2], 0, 99)
end
redis.call("ZADD", KEYS[3], ARGV[5], ARGV[3])
return 1
`)

// KEYS[1]=packet hash, KEYS[2]=expiry index
// ARGV[1]=expected version, ARGV[2]=payload, ARGV[3]=drop-from-expiry-index flag, ARGV[4]=packet id
var redisSavePacketScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if not current then
	return -1
end
if tonumber(current) ~= tonumber(ARGV[1]) then
	return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[2])
redis.call("HINCRBY", KEYS[1], "version", 1)
if ARGV[3] == "1" then
	redis.call("ZREM", KEYS[2], ARGV[4])
end
return 1
`)

// RedisRepository stores packets as Redis hashes with a retention TTL and a
// version field for compare-and-swap.
type RedisRepository struct {
	client     redis.UniversalClient
	prefix     string
	historyTTL time.Duration
}

// NewRedisRepository builds a Redis-backed repository under prefix.
func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisRepository{client: client, prefix: prefix, historyTTL: DefaultHistoryTTL}
}

// SetHistoryTTL sets how long sender and claimant history lists are kept.
func (r *RedisRepository) SetHistoryTTL(ttl time.Duration) {
	if ttl > 0 {
		r.historyTTL = ttl
	}
}

func (r *RedisRepository) packetKey(id string) string { return r.prefix + ":packet:" + id }
func (r *RedisRepository) publicKey() string        { return r.prefix + ":plaza:active" }
func (r *RedisRepository) expiryKey() string        { return r.prefix + ":by_expiry" }
func (r *RedisRepository) reconKey() string         { return r.prefix + ":reconciliations" }
func (r *RedisRepository) historyKey(identityID string, role domain.ListRole) string {
	return r.prefix + ":user:" + identityID + ":" + string(role)
}

func (r *RedisRepository) InsertPacket(ctx context.Context, p *domain.Packet, retainUntil time.Time) error {
	ttl := time.Until(retainUntil)
	if ttl <= 0 {
		return fmt.Errorf("packet %s retention already elapsed", p.ID)
	}

	p.Version = 1
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode packet: %w", err)
	}
	public := "0"
	if p.IsPublic() {
		public = "1"
	}

	res, err := redisInsertPacketScript.Run(ctx, r.client,
		[]string{r.packetKey(p.ID), r.publicKey(), r.expiryKey()},
		string(payload), ttl.Milliseconds(), p.ID, public, p.ExpiresAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to insert packet: %w", err)
	}
	if res == 0 {
		return ErrPacketExists
	}
	return nil
}

func (r *RedisRepository) GetPacket(ctx context.Context, packetID string) (*domain.Packet, error) {
	values, err := r.client.HMGet(ctx, r.packetKey(packetID), "data", "version").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read packet: %w", err)
	}
	return decodeRedisPacket(values)
}

func decodeRedisPacket(values []interface{}) (*domain.Packet, error) {
	if len(values) != 2 || values[0] == nil || values[1] == nil {
		return nil, ErrPacketNotFound
	}
	data, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected packet payload type %T", values[0])
	}
	rawVersion, ok := values[1].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected packet version type %T", values[1])
	}
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid packet version %q: %w", rawVersion, err)
	}
	return decodePacket([]byte(data), version)
}

func (r *RedisRepository) SavePacket(ctx context.Context, p *domain.Packet, expectedVersion int64) error {
	next := *p
	next.Version = expectedVersion + 1
	payload, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to encode packet: %w", err)
	}
	dropFromExpiry := "0"
	if p.RemainingCount == 0 || p.RefundNotifiedAt != nil {
		dropFromExpiry = "1"
	}

	res, err := redisSavePacketScript.Run(ctx, r.client,
		[]string{r.packetKey(p.ID), r.expiryKey()},
		expectedVersion, string(payload), dropFromExpiry, p.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to update packet: %w", err)
	}
	switch res {
	case 1:
		p.Version = next.Version
		return nil
	case 0:
		return ErrVersionConflict
	default:
		return ErrPacketNotFound
	}
}

func (r *RedisRepository) AddToHistory(ctx context.Context, identityID string, role domain.ListRole, packetID string) error {
	key := r.historyKey(identityID, role)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, key, 0, packetID)
		pipe.LPush(ctx, key, packetID)
		pipe.LTrim(ctx, key, 0, redisHistoryMaxLen-1)
		pipe.Expire(ctx, key, r.historyTTL)
		return nil
	})
	return err
}

func (r *RedisRepository) fetchPackets(ctx context.Context, ids []string) ([]*domain.Packet, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	cmds := make([]*redis.SliceCmd, len(ids))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, r.packetKey(id), "data", "version")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("failed to fetch packets: %w", err)
	}

	var (
		packets []*domain.Packet
		missing []string
	)
	for i, cmd := range cmds {
		p, decodeErr := decodeRedisPacket(cmd.Val())
		if errors.Is(decodeErr, ErrPacketNotFound) {
			missing = append(missing, ids[i])
			continue
		}
		if decodeErr != nil {
			return nil, nil, decodeErr
		}
		packets = append(packets, p)
	}
	return packets, missing, nil
}

func (r *RedisRepository) ListPacketsByOwner(ctx context.Context, identityID string, role domain.ListRole, offset, limit int) ([]*domain.Packet, bool, error) {
	offset, limit = NormalizePage(offset, limit)

	ids, err := r.client.LRange(ctx, r.historyKey(identityID, role), int64(offset), int64(offset+limit)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read history: %w", err)
	}
	hasMore := len(ids) > limit
	if hasMore {
		ids = ids[:limit]
	}

	packets, _, err := r.fetchPackets(ctx, ids)
	if err != nil {
		return nil, false, err
	}
	if packets == nil {
		packets = []*domain.Packet{}
	}
	return packets, hasMore, nil
}

func (r *RedisRepository) ListPublicPackets(ctx context.Context, now time.Time, limit int) ([]*domain.Packet, error) {
	_, limit = NormalizePage(0, limit)

	ids, err := r.client.LRange(ctx, r.publicKey(), 0, publicIndexSize-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read public index: %w", err)
	}
	packets, _, err := r.fetchPackets(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := []*domain.Packet{}
	for _, p := range packets {
		if len(out) >= limit {
			break
		}
		if p.IsPublic() && lifecycle.Derive(p, now) == domain.StatusActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *RedisRepository) ListRefundCandidates(ctx context.Context, now time.Time, limit int) ([]*domain.Packet, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read expiry index: %w", err)
	}

	packets, missing, err := r.fetchPackets(ctx, ids)
	if err != nil {
		return nil, err
	}
	stale := append([]string(nil), missing...)
	out := []*domain.Packet{}
	for _, p := range packets {
		if lifecycle.RefundEligibleAt(p, now) {
			out = append(out, p)
			continue
		}
		if lifecycle.Derive(p, now).IsTerminal() {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) > 0 {
		members := make([]interface{}, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		if err := r.client.ZRem(ctx, r.expiryKey(), members...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune expiry index: %w", err)
		}
	}
	return out, nil
}

func (r *RedisRepository) CreateReconciliation(ctx context.Context, rec *domain.Reconciliation) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode reconciliation: %w", err)
	}
	return r.client.HSet(ctx, r.reconKey(), rec.ID.String(), payload).Err()
}

func (r *RedisRepository) ListReconciliations(ctx context.Context, includeResolved bool, limit int) ([]domain.Reconciliation, error) {
	if limit <= 0 {
		limit = 100
	}

	values, err := r.client.HVals(ctx, r.reconKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read reconciliations: %w", err)
	}
	out := make([]domain.Reconciliation, 0, len(values))
	for _, raw := range values {
		var rec domain.Reconciliation
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode reconciliation: %w", err)
		}
		if rec.ResolvedAt != nil && !includeResolved {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RedisRepository) ResolveReconciliation(ctx context.Context, id uuid.UUID, note string, resolvedAt time.Time) error {
	raw, err := r.client.HGet(ctx, r.reconKey(), id.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrReconciliationNotFound
		}
		return fmt.Errorf("failed to read reconciliation: %w", err)
	}
	var rec domain.Reconciliation
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("failed to decode reconciliation: %w", err)
	}
	rec.ResolvedAt = &resolvedAt
	rec.ResolutionNote = note
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode reconciliation: %w", err)
	}
	return r.client.HSet(ctx, r.reconKey(), id.String(), payload).Err()
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
