package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/packet-service/internal/domain"
	"github.com/transfa/packet-service/internal/lifecycle"
	"github.com/transfa/packet-service/internal/metrics"
	"github.com/transfa/packet-service/internal/store"
	"github.com/transfa/packet-service/pkg/rabbitmq"
)

const defaultRefundSweepLimit = 100

// RefundSweepResult summarizes one sweep.
type RefundSweepResult struct {
	Scanned   int `json:"scanned" yaml:"scanned"`
	Signalled int `json:"signalled" yaml:"signalled"`
	Conflicts int `json:"conflicts" yaml:"conflicts"`
	Busy      int `json:"busy" yaml:"busy"`
	Failed    int `json:"failed" yaml:"failed"`
}

// SweepRefunds emits one refund-eligible signal per expired packet with
// unclaimed value. Each packet is re-read under its packet lock, so a claim
// that is still settling finishes before the remainder is signalled; busy
// packets are left for the next sweep. The mark is a conditional write and
// is rolled back when the event cannot be published.
func (s *Service) SweepRefunds(ctx context.Context, limit int) (*RefundSweepResult, error) {
	if limit <= 0 {
		limit = defaultRefundSweepLimit
	}

	now := s.lifecycle.Now()
	candidates, err := s.repo.ListRefundCandidates(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list refund candidates: %w", err)
	}

	result := &RefundSweepResult{Scanned: len(candidates)}
	for _, candidate := range candidates {
		if !lifecycle.RefundEligibleAt(candidate, now) {
			continue
		}

		release, err := s.acquirePacketLock(ctx, candidate.ID, "refund_sweep")
		if err != nil {
			result.Busy++
			continue
		}
		s.signalRefund(ctx, candidate.ID, now, result)
		release()
	}

	return result, nil
}

// signalRefund marks and publishes one packet. The caller holds its lock.
func (s *Service) signalRefund(ctx context.Context, packetID string, now time.Time, result *RefundSweepResult) {
	p, err := s.repo.GetPacket(ctx, packetID)
	if err != nil {
		if errors.Is(err, store.ErrPacketNotFound) {
			result.Conflicts++
			return
		}
		result.Failed++
		log.Printf("level=warn component=service flow=refund_sweep msg=\"failed to re-read packet\" packet_id=%s err=%v", packetID, err)
		return
	}
	if !lifecycle.RefundEligibleAt(p, now) {
		result.Conflicts++
		log.Printf("level=info component=service flow=refund_sweep msg=\"packet no longer refundable; skipping\" packet_id=%s", packetID)
		return
	}

	marked := p.Clone()
	marked.Status = domain.StatusExpired
	marked.RefundNotifiedAt = &now
	if err := s.repo.SavePacket(ctx, marked, p.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrPacketNotFound) {
			result.Conflicts++
			log.Printf("level=info component=service flow=refund_sweep msg=\"packet changed during sweep; skipping\" packet_id=%s err=%v", p.ID, err)
			return
		}
		result.Failed++
		log.Printf("level=warn component=service flow=refund_sweep msg=\"failed to mark packet refund-notified\" packet_id=%s err=%v", p.ID, err)
		return
	}

	event := domain.RefundEligibleEvent{
		EventID:         uuid.New(),
		PacketID:        p.ID,
		Sender:          p.Sender,
		RemainingAmount: p.RemainingAmount,
		RemainingCount:  p.RemainingCount,
		ExpiredAt:       p.ExpiresAt,
		OccurredAt:      now,
	}
	if err := s.eventProducer.Publish(ctx, s.opts.EventExchange, rabbitmq.RoutingKeyRefundEligible, event); err != nil {
		result.Failed++
		log.Printf("level=warn component=service flow=refund_sweep msg=\"refund signal publish failed; rolling back mark\" packet_id=%s err=%v", p.ID, err)
		rollback := marked.Clone()
		rollback.RefundNotifiedAt = nil
		if rbErr := s.repo.SavePacket(ctx, rollback, marked.Version); rbErr != nil {
			log.Printf("level=error component=service flow=refund_sweep msg=\"failed to roll back refund mark; packet needs a manual refund signal\" packet_id=%s err=%v", p.ID, rbErr)
		}
		return
	}

	result.Signalled++
	metrics.RefundSignals.Inc()
	log.Printf("level=info component=service flow=refund_sweep msg=\"refund signal emitted\" packet_id=%s sender_id=%s remaining_amount=%s", p.ID, p.Sender.ID, p.RemainingAmount)
}
