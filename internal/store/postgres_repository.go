/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Each packet is stored as a JSONB document alongside the columns needed for
 * indexing and for the version-conditioned update.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/packet-service/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS packets (
	id                 TEXT PRIMARY KEY,
	sender_id          TEXT        NOT NULL,
	mode               TEXT        NOT NULL,
	status             TEXT        NOT NULL,
	is_public          BOOLEAN     NOT NULL,
	remaining_count    INTEGER     NOT NULL,
	expires_at         TIMESTAMPTZ NOT NULL,
	refund_notified_at TIMESTAMPTZ,
	retain_until       TIMESTAMPTZ NOT NULL,
	version            BIGINT      NOT NULL,
	payload            JSONB       NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS packets_public_idx ON packets (created_at DESC) WHERE is_public AND status = 'active';
CREATE INDEX IF NOT EXISTS packets_refund_idx ON packets (expires_at) WHERE refund_notified_at IS NULL AND remaining_count > 0;

CREATE TABLE IF NOT EXISTS packet_history (
	identity_id TEXT        NOT NULL,
	role        TEXT        NOT NULL,
	packet_id   TEXT        NOT NULL,
	added_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (identity_id, role, packet_id)
);

CREATE TABLE IF NOT EXISTS packet_reconciliations (
	id              UUID PRIMARY KEY,
	packet_id       TEXT        NOT NULL,
	claimant_id     TEXT        NOT NULL,
	payload         JSONB       NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	resolved_at     TIMESTAMPTZ,
	resolution_note TEXT
);
`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db         *pgxpool.Pool
	historyTTL time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db, historyTTL: DefaultHistoryTTL}
}

// SetHistoryTTL sets how long sender and claimant history entries are kept.
func (r *PostgresRepository) SetHistoryTTL(ttl time.Duration) {
	if ttl > 0 {
		r.historyTTL = ttl
	}
}

// EnsureSchema creates the packet tables when they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to ensure packet schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

func decodePacket(payload []byte, version int64) (*domain.Packet, error) {
	var p domain.Packet
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode packet payload: %w", err)
	}
	p.Version = version
	return &p, nil
}

// InsertPacket stores a new packet at version 1. A lapsed row with the same
// id is purged first.
func (r *PostgresRepository) InsertPacket(ctx context.Context, p *domain.Packet, retainUntil time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM packets WHERE id = $1 AND retain_until <= NOW()`, p.ID); err != nil {
		return fmt.Errorf("failed to purge lapsed packet: %w", err)
	}

	p.Version = 1
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode packet: %w", err)
	}

	query := `
		INSERT INTO packets (
			id, sender_id, mode, status, is_public, remaining_count,
			expires_at, refund_notified_at, retain_until, version, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = tx.Exec(ctx, query,
		p.ID,
		p.Sender.ID,
		string(p.Mode),
		string(p.Status),
		p.IsPublic(),
		p.RemainingCount,
		p.ExpiresAt,
		p.RefundNotifiedAt,
		retainUntil,
		p.Version,
		payload,
		p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPacketExists
		}
		return fmt.Errorf("failed to insert packet: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) GetPacket(ctx context.Context, packetID string) (*domain.Packet, error) {
	var (
		payload []byte
		version int64
	)
	query := `SELECT payload, version FROM packets WHERE id = $1 AND retain_until > NOW()`
	if err := r.db.QueryRow(ctx, query, packetID).Scan(&payload, &version); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPacketNotFound
		}
		return nil, err
	}
	return decodePacket(payload, version)
}

// SavePacket writes p only if the stored version is still expectedVersion.
func (r *PostgresRepository) SavePacket(ctx context.Context, p *domain.Packet, expectedVersion int64) error {
	next := *p
	next.Version = expectedVersion + 1
	payload, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to encode packet: %w", err)
	}

	query := `
		UPDATE packets
		SET payload = $3,
			status = $4,
			remaining_count = $5,
			refund_notified_at = $6,
			version = version + 1
		WHERE id = $1 AND version = $2 AND retain_until > NOW()
	`
	tag, err := r.db.Exec(ctx, query, p.ID, expectedVersion, payload, string(p.Status), p.RemainingCount, p.RefundNotifiedAt)
	if err != nil {
		return fmt.Errorf("failed to update packet: %w", err)
	}
	if tag.RowsAffected() == 1 {
		p.Version = next.Version
		return nil
	}

	var current int64
	err = r.db.QueryRow(ctx, `SELECT version FROM packets WHERE id = $1 AND retain_until > NOW()`, p.ID).Scan(&current)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrPacketNotFound
		}
		return fmt.Errorf("failed to read packet version: %w", err)
	}
	return ErrVersionConflict
}

func (r *PostgresRepository) AddToHistory(ctx context.Context, identityID string, role domain.ListRole, packetID string) error {
	query := `
		INSERT INTO packet_history (identity_id, role, packet_id, added_at, expires_at)
		VALUES ($1, $2, $3, NOW(), NOW() + ($4 * INTERVAL '1 second'))
		ON CONFLICT (identity_id, role, packet_id) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query, identityID, string(role), packetID, int64(r.historyTTL.Seconds()))
	return err
}

func (r *PostgresRepository) ListPacketsByOwner(ctx context.Context, identityID string, role domain.ListRole, offset, limit int) ([]*domain.Packet, bool, error) {
	offset, limit = NormalizePage(offset, limit)

	query := `
		SELECT p.payload, p.version
		FROM packet_history h
		JOIN packets p ON p.id = h.packet_id
		WHERE h.identity_id = $1
		  AND h.role = $2
		  AND h.expires_at > NOW()
		  AND p.retain_until > NOW()
		ORDER BY h.added_at DESC
		OFFSET $3
		LIMIT $4
	`
	rows, err := r.db.Query(ctx, query, identityID, string(role), offset, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list packets: %w", err)
	}
	packets, err := scanPackets(rows)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(packets) > limit
	if hasMore {
		packets = packets[:limit]
	}
	return packets, hasMore, nil
}

func (r *PostgresRepository) ListPublicPackets(ctx context.Context, now time.Time, limit int) ([]*domain.Packet, error) {
	_, limit = NormalizePage(0, limit)

	query := `
		SELECT payload, version
		FROM packets
		WHERE is_public
		  AND status = 'active'
		  AND remaining_count > 0
		  AND expires_at >= $1
		  AND retain_until > NOW()
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list public packets: %w", err)
	}
	return scanPackets(rows)
}

func (r *PostgresRepository) ListRefundCandidates(ctx context.Context, now time.Time, limit int) ([]*domain.Packet, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT payload, version
		FROM packets
		WHERE refund_notified_at IS NULL
		  AND remaining_count > 0
		  AND status <> 'claimed'
		  AND expires_at < $1
		  AND retain_until > NOW()
		ORDER BY expires_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list refund candidates: %w", err)
	}
	return scanPackets(rows)
}

func scanPackets(rows pgx.Rows) ([]*domain.Packet, error) {
	defer rows.Close()

	packets := []*domain.Packet{}
	for rows.Next() {
		var (
			payload []byte
			version int64
		)
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("failed to scan packet: %w", err)
		}
		p, err := decodePacket(payload, version)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return packets, rows.Err()
}

func (r *PostgresRepository) CreateReconciliation(ctx context.Context, rec *domain.Reconciliation) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode reconciliation: %w", err)
	}

	query := `
		INSERT INTO packet_reconciliations (id, packet_id, claimant_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.Exec(ctx, query, rec.ID, rec.PacketID, rec.Claimant.ID, payload, rec.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert reconciliation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListReconciliations(ctx context.Context, includeResolved bool, limit int) ([]domain.Reconciliation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT payload, resolved_at, resolution_note
		FROM packet_reconciliations
		WHERE $1 OR resolved_at IS NULL
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, includeResolved, limit)
	if err != nil {
		if isUndefinedTableError(err) {
			return []domain.Reconciliation{}, nil
		}
		return nil, fmt.Errorf("failed to list reconciliations: %w", err)
	}
	defer rows.Close()

	out := []domain.Reconciliation{}
	for rows.Next() {
		var (
			payload    []byte
			resolvedAt *time.Time
			note       *string
		)
		if err := rows.Scan(&payload, &resolvedAt, &note); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation: %w", err)
		}
		var rec domain.Reconciliation
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode reconciliation: %w", err)
		}
		rec.ResolvedAt = resolvedAt
		if note != nil {
			rec.ResolutionNote = *note
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ResolveReconciliation(ctx context.Context, id uuid.UUID, note string, resolvedAt time.Time) error {
	query := `
		UPDATE packet_reconciliations
		SET resolved_at = $2, resolution_note = $3
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, resolvedAt, note)
	if err != nil {
		return fmt.Errorf("failed to resolve reconciliation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReconciliationNotFound
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
