package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/packet-service/internal/domain"
	"github.com/transfa/packet-service/internal/metrics"
	"github.com/transfa/packet-service/internal/store"
	"github.com/transfa/packet-service/pkg/rabbitmq"
)

const (
	defaultReconcileListLimit = 100
	maxReconcileListLimit     = 500
)

// ErrReconciliationNotFound is returned when resolving an unknown record. It
// is the store's sentinel, so either name matches under errors.Is.
var ErrReconciliationNotFound = store.ErrReconciliationNotFound

// recordReconciliation persists a divergence between the ledger and pool
// bookkeeping and raises the alarm. A store failure is logged at error level
// with the full record so the divergence is never lost silently.
func (s *Service) recordReconciliation(ctx context.Context, rec domain.Reconciliation) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.lifecycle.Now()
	}

	metrics.ReconciliationRequired.WithLabelValues(string(rec.Reason)).Inc()
	log.Printf("level=error component=service flow=claim_reconcile msg=\"claim requires reconciliation\" reconciliation_id=%s packet_id=%s claimant_id=%s address=%s amount=%s settlement_ref=%s reason=%s detail=%q",
		rec.ID, rec.PacketID, rec.Claimant.ID, rec.Claimant.Address, rec.Amount, rec.SettlementRef, rec.Reason, rec.Detail)

	if err := s.repo.CreateReconciliation(ctx, &rec); err != nil {
		log.Printf("level=error component=service flow=claim_reconcile msg=\"failed to persist reconciliation record\" reconciliation_id=%s packet_id=%s err=%v", rec.ID, rec.PacketID, err)
	}
	s.publish(ctx, rabbitmq.RoutingKeyReconciliationRequired, domain.ReconciliationRequiredEvent{
		EventID:        uuid.New(),
		Reconciliation: rec,
		OccurredAt:     rec.CreatedAt,
	})
}

// ListReconciliations returns reconciliation records, oldest first.
func (s *Service) ListReconciliations(ctx context.Context, includeResolved bool, limit int) ([]domain.Reconciliation, error) {
	if limit <= 0 {
		limit = defaultReconcileListLimit
	}
	if limit > maxReconcileListLimit {
		limit = maxReconcileListLimit
	}
	records, err := s.repo.ListReconciliations(ctx, includeResolved, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliations: %w", err)
	}
	if records == nil {
		records = []domain.Reconciliation{}
	}
	return records, nil
}

// ResolveReconciliation marks a record as handled by an operator.
func (s *Service) ResolveReconciliation(ctx context.Context, id uuid.UUID, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return domain.Invalid("a resolution note is required")
	}
	if err := s.repo.ResolveReconciliation(ctx, id, note, s.lifecycle.Now()); err != nil {
		return fmt.Errorf("failed to resolve reconciliation %s: %w", id, err)
	}
	log.Printf("level=info component=service flow=claim_reconcile msg=\"reconciliation resolved\" reconciliation_id=%s", id)
	return nil
}
