package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/packet-service/internal/domain"
	"github.com/transfa/packet-service/internal/lifecycle"
)

type memoryEntry struct {
	packet      *domain.Packet
	retainUntil time.Time
	seq         int64
}

type memoryHistoryItem struct {
	packetID  string
	expiresAt time.Time
}

// MemoryRepository is a process-local Repository. It backs tests and
// single-instance deployments without Postgres or Redis.
type MemoryRepository struct {
	mu              sync.Mutex
	now             func() time.Time
	historyTTL      time.Duration
	seq             int64
	packets         map[string]*memoryEntry
	history         map[string][]memoryHistoryItem
	reconciliations map[uuid.UUID]domain.Reconciliation
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:             time.Now,
		historyTTL:      DefaultHistoryTTL,
		packets:         make(map[string]*memoryEntry),
		history:         make(map[string][]memoryHistoryItem),
		reconciliations: make(map[uuid.UUID]domain.Reconciliation),
	}
}

// SetClock overrides the clock used for retention checks.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now != nil {
		r.now = now
	}
}

// SetHistoryTTL sets how long history entries are kept.
func (r *MemoryRepository) SetHistoryTTL(ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ttl > 0 {
		r.historyTTL = ttl
	}
}

func historyKey(identityID string, role domain.ListRole) string {
	return identityID + "|" + string(role)
}

func (r *MemoryRepository) live(id string) (*memoryEntry, bool) {
	entry, ok := r.packets[id]
	if !ok {
		return nil, false
	}
	if !r.now().Before(entry.retainUntil) {
		delete(r.packets, id)
		return nil, false
	}
	return entry, true
}

func (r *MemoryRepository) InsertPacket(ctx context.Context, p *domain.Packet, retainUntil time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.live(p.ID); exists {
		return ErrPacketExists
	}
	p.Version = 1
	r.seq++
	r.packets[p.ID] = &memoryEntry{packet: p.Clone(), retainUntil: retainUntil, seq: r.seq}
	return nil
}

func (r *MemoryRepository) GetPacket(ctx context.Context, packetID string) (*domain.Packet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.live(packetID)
	if !ok {
		return nil, ErrPacketNotFound
	}
	return entry.packet.Clone(), nil
}

func (r *MemoryRepository) SavePacket(ctx context.Context, p *domain.Packet, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.live(p.ID)
	if !ok {
		return ErrPacketNotFound
	}
	if entry.packet.Version != expectedVersion {
		return ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	entry.packet = p.Clone()
	return nil
}

func (r *MemoryRepository) AddToHistory(ctx context.Context, identityID string, role domain.ListRole, packetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := historyKey(identityID, role)
	items := r.history[key]
	for _, item := range items {
		if item.packetID == packetID {
			return nil
		}
	}
	item := memoryHistoryItem{packetID: packetID, expiresAt: r.now().Add(r.historyTTL)}
	r.history[key] = append([]memoryHistoryItem{item}, items...)
	return nil
}

func (r *MemoryRepository) ListPacketsByOwner(ctx context.Context, identityID string, role domain.ListRole, offset, limit int) ([]*domain.Packet, bool, error) {
	offset, limit = NormalizePage(offset, limit)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var live []*domain.Packet
	for _, item := range r.history[historyKey(identityID, role)] {
		if !now.Before(item.expiresAt) {
			continue
		}
		entry, ok := r.live(item.packetID)
		if !ok {
			continue
		}
		live = append(live, entry.packet.Clone())
	}

	if offset >= len(live) {
		return []*domain.Packet{}, false, nil
	}
	end := offset + limit
	if end > len(live) {
		end = len(live)
	}
	return live[offset:end], end < len(live), nil
}

func (r *MemoryRepository) sortedLive() []*memoryEntry {
	entries := make([]*memoryEntry, 0, len(r.packets))
	for id := range r.packets {
		if entry, ok := r.live(id); ok {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })
	return entries
}

func (r *MemoryRepository) ListPublicPackets(ctx context.Context, now time.Time, limit int) ([]*domain.Packet, error) {
	_, limit = NormalizePage(0, limit)

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Packet
	for _, entry := range r.sortedLive() {
		if len(out) >= limit {
			break
		}
		p := entry.packet
		if p.IsPublic() && lifecycle.Derive(p, now) == domain.StatusActive {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListRefundCandidates(ctx context.Context, now time.Time, limit int) ([]*domain.Packet, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.sortedLive()
	sort.Slice(entries, func(i, j int) bool { return entries[i].packet.ExpiresAt.Before(entries[j].packet.ExpiresAt) })

	var out []*domain.Packet
	for _, entry := range entries {
		if len(out) >= limit {
			break
		}
		if lifecycle.RefundEligibleAt(entry.packet, now) {
			out = append(out, entry.packet.Clone())
		}
	}
	return out, nil
}

func (r *MemoryRepository) CreateReconciliation(ctx context.Context, rec *domain.Reconciliation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	r.reconciliations[rec.ID] = *rec
	return nil
}

func (r *MemoryRepository) ListReconciliations(ctx context.Context, includeResolved bool, limit int) ([]domain.Reconciliation, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Reconciliation, 0, len(r.reconciliations))
	for _, rec := range r.reconciliations {
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

func (r *MemoryRepository) ResolveReconciliation(ctx context.Context, id uuid.UUID, note string, resolvedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.reconciliations[id]
	if !ok {
		return ErrReconciliationNotFound
	}
	rec.ResolvedAt = &resolvedAt
	rec.ResolutionNote = note
	r.reconciliations[id] = rec
	return nil
}

func (r *MemoryRepository) Ping(ctx context.Context) error { return nil }
