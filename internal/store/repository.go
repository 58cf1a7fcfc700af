/**
 * @description
 * This file defines the `Repository` interface, the contract for all packet
 * persistence required by the packet-service. The PostgreSQL, Redis and
 * in-memory implementations share the same compare-and-swap semantics so the
 * claim coordinator can run unchanged against any of them.
 *
 * @notes
 * - Every packet carries a `Version`. `SavePacket` only succeeds when the
 *   stored version still equals `expectedVersion`; the stored version is then
 *   `expectedVersion + 1` and the caller's packet is updated to match.
 * - Packets lapse after their retention window. Lapsed packets are reported
 *   as `ErrPacketNotFound`, which callers treat as expected.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/packet-service/internal/domain"
)

// Errors shared by every Repository implementation.
var (
	ErrPacketNotFound         = errors.New("packet not found")
	ErrPacketExists           = errors.New("packet already exists")
	ErrVersionConflict        = errors.New("packet version conflict")
	ErrReconciliationNotFound = errors.New("reconciliation not found")
)

// Listing bounds and the default lifetime of per-identity history.
const (
	DefaultPageSize   = 20
	MaxPageSize       = 50
	DefaultHistoryTTL = 30 * 24 * time.Hour
	publicIndexSize   = 100
)

// Repository defines the set of methods for packet persistence.
type Repository interface {
	// Packet methods
	InsertPacket(ctx context.Context, p *domain.Packet, retainUntil time.Time) error
	GetPacket(ctx context.Context, packetID string) (*domain.Packet, error)
	SavePacket(ctx context.Context, p *domain.Packet, expectedVersion int64) error

	// Listing methods
	AddToHistory(ctx context.Context, identityID string, role domain.ListRole, packetID string) error
	ListPacketsByOwner(ctx context.Context, identityID string, role domain.ListRole, offset, limit int) ([]*domain.Packet, bool, error)
	ListPublicPackets(ctx context.Context, now time.Time, limit int) ([]*domain.Packet, error)
	ListRefundCandidates(ctx context.Context, now time.Time, limit int) ([]*domain.Packet, error)

	// Reconciliation methods
	CreateReconciliation(ctx context.Context, rec *domain.Reconciliation) error
	ListReconciliations(ctx context.Context, includeResolved bool, limit int) ([]domain.Reconciliation, error)
	ResolveReconciliation(ctx context.Context, id uuid.UUID, note string, resolvedAt time.Time) error

	Ping(ctx context.Context) error
}

// NormalizePage clamps offset and limit to the listing bounds.
func NormalizePage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return offset, limit
}
