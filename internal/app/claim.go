/**
 * @description
 * The claim transaction coordinator. One call turns (packet, claimant) into
 * either a recorded claim with a settlement reference or a classified error.
 *
 * @notes
 * - Steps: snapshot, preconditions, eligibility, allocate, settle, persist.
 *   Everything before settlement is read-only and fails terminally.
 * - Settlement is irreversible, so only persistence is retried. A version
 *   conflict re-reads the packet and re-appends the same settled claim; it
 *   never draws a new amount or pays again.
 * - If the settled claim cannot be recorded within the retry budget the
 *   coordinator writes a reconciliation record and returns
 *   ConflictRetryExhausted.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/packet-service/internal/allocation"
	"github.com/transfa/packet-service/internal/domain"
	"github.com/transfa/packet-service/internal/metrics"
	"github.com/transfa/packet-service/internal/store"
	"github.com/transfa/packet-service/internal/tracing"
	"github.com/transfa/packet-service/pkg/ledgerclient"
	"github.com/transfa/packet-service/pkg/rabbitmq"
	"go.opentelemetry.io/otel/attribute"
)

// RateLimitError carries the retry hint of a RateLimited failure.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("retry after %d seconds", e.RetryAfterSeconds)
}

type payout struct {
	ref    string
	amount domain.Amount
}

// ClaimPacket runs one claim attempt end to end.
func (s *Service) ClaimPacket(ctx context.Context, req domain.ClaimPacketRequest) (resp *domain.ClaimPacketResponse, err error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "packet.claim",
		attribute.String("packet.id", req.PacketID),
		attribute.String("claimant.id", req.Claimant.ID),
	)
	defer func() {
		metrics.ClaimDuration.Observe(time.Since(start).Seconds())
		metrics.ClaimsTotal.WithLabelValues(claimOutcome(resp, err)).Inc()
		tracing.EndSpan(span, err)
	}()

	packetID := strings.ToLower(strings.TrimSpace(req.PacketID))
	claimant := req.Claimant
	claimant.ID = strings.TrimSpace(claimant.ID)
	claimant.Address = strings.TrimSpace(claimant.Address)
	if packetID == "" {
		return nil, domain.Invalid("packet id is required")
	}
	if claimant.ID == "" {
		return nil, domain.Invalid("claimant id is required")
	}
	if claimant.Address == "" {
		return nil, domain.Invalid("claimant address is required")
	}

	if err := s.checkClaimRateLimit(ctx, claimant.ID); err != nil {
		return nil, err
	}

	release, err := s.acquirePacketLock(ctx, packetID, "claim")
	if err != nil {
		return nil, err
	}
	defer release()

	// Snapshot and version for the conditional write.
	snapshot, err := s.loadPacket(ctx, packetID)
	if err != nil {
		return nil, err
	}
	if err := s.lifecycle.CheckClaimable(snapshot); err != nil {
		return nil, err
	}
	if err := s.filter.Check(ctx, snapshot, claimant); err != nil {
		return nil, err
	}

	amount, err := allocation.Share(snapshot.Mode, snapshot.RemainingAmount, snapshot.RemainingCount, s.rand)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate claim amount: %w", err)
	}

	paid, err := s.settle(ctx, snapshot, claimant, amount)
	if err != nil {
		return nil, err
	}

	// Money has moved. Bookkeeping must finish even if the caller goes away.
	persistCtx, cancel := s.detached(ctx)
	defer cancel()

	claim := domain.Claim{
		ID:            uuid.New(),
		Claimant:      claimant,
		Amount:        paid.amount,
		ClaimedAt:     s.lifecycle.Now(),
		SettlementRef: paid.ref,
	}
	committed, recorded, replayed, err := s.persistClaim(persistCtx, snapshot, claim)
	if err != nil {
		return nil, err
	}

	if replayed {
		log.Printf("level=info component=service flow=claim msg=\"claim already recorded; returning existing result\" packet_id=%s claimant_id=%s settlement_ref=%s", packetID, claimant.ID, recorded.SettlementRef)
	} else {
		log.Printf("level=info component=service flow=claim msg=\"claim recorded\" packet_id=%s claimant_id=%s amount=%s remaining_amount=%s remaining_count=%d settlement_ref=%s", packetID, claimant.ID, recorded.Amount, committed.RemainingAmount, committed.RemainingCount, recorded.SettlementRef)
		s.afterClaim(persistCtx, committed, recorded)
	}

	return &domain.ClaimPacketResponse{
		Claim:    recorded,
		Packet:   s.lifecycle.Refresh(committed),
		Replayed: replayed,
	}, nil
}

func (s *Service) checkClaimRateLimit(ctx context.Context, claimantID string) error {
	limit := s.opts.ClaimRateLimitPerMinute
	if s.limiter == nil || limit <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, claimRateLimitScope, claimantID, limit, time.Minute)
	if err != nil {
		log.Printf("level=warn component=service flow=claim msg=\"rate limiter unavailable; allowing attempt\" claimant_id=%s err=%v", claimantID, err)
		return nil
	}
	if count > limit {
		return domain.WrapError(domain.KindRateLimited, "too many claim attempts", &RateLimitError{RetryAfterSeconds: retryAfter})
	}
	return nil
}

// settle pays amount to the claimant. A payout already on the ledger for
// this packet and address is reused instead of paying again. An ambiguous
// transfer failure is resolved by polling the ledger.
func (s *Service) settle(ctx context.Context, p *domain.Packet, claimant domain.Identity, amount domain.Amount) (payout, error) {
	ctx, span := tracing.StartSpan(ctx, "packet.claim.settle", attribute.String("packet.id", p.ID))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	lookupCtx, cancel := context.WithTimeout(ctx, s.opts.LedgerTimeout)
	prior, found, lookupErr := s.ledger.Lookup(lookupCtx, p.ID, claimant.Address)
	cancel()
	switch {
	case lookupErr != nil:
		log.Printf("level=warn component=service flow=claim msg=\"pre-submit ledger lookup failed; relying on idempotency key\" packet_id=%s claimant_id=%s err=%v", p.ID, claimant.ID, lookupErr)
	case found:
		log.Printf("level=warn component=service flow=claim msg=\"ledger already holds a payout for claimant; recording it\" packet_id=%s claimant_id=%s settlement_ref=%s amount=%d", p.ID, claimant.ID, prior.Ref, prior.Amount)
		return payout{ref: prior.Ref, amount: domain.Amount(prior.Amount)}, nil
	}

	transferCtx, cancel := context.WithTimeout(ctx, s.opts.LedgerTimeout)
	ref, transferErr := s.ledger.Transfer(transferCtx, p.ID, claimant.Address, int64(amount))
	cancel()
	if transferErr == nil {
		return payout{ref: ref, amount: amount}, nil
	}
	if ledgerclient.IsDefinitiveRejection(transferErr) {
		err = domain.WrapError(domain.KindSettlementFailed, "settlement rejected by ledger", transferErr)
		return payout{}, err
	}

	log.Printf("level=warn component=service flow=claim msg=\"ledger transfer outcome unknown; confirming\" packet_id=%s claimant_id=%s amount=%s err=%v", p.ID, claimant.ID, amount, transferErr)
	confirmed, ok := s.confirmPayout(ctx, p.ID, claimant)
	if ok {
		return confirmed, nil
	}

	recordCtx, cancelRecord := s.detached(ctx)
	defer cancelRecord()
	s.recordReconciliation(recordCtx, domain.Reconciliation{
		PacketID: p.ID,
		Claimant: claimant,
		Amount:   amount,
		Reason:   domain.ReasonSettlementUnconfirmed,
		Detail:   transferErr.Error(),
	})
	err = domain.WrapError(domain.KindSettlementUnconfirmed, "settlement outcome unconfirmed; claim is under reconciliation", transferErr)
	return payout{}, err
}

func (s *Service) confirmPayout(ctx context.Context, packetID string, claimant domain.Identity) (payout, bool) {
	attempts := s.opts.LedgerConfirmAttempts
	confirmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.confirmBudget())
	defer cancel()

	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-confirmCtx.Done():
			return payout{}, false
		case <-time.After(s.opts.LedgerConfirmBackoff * time.Duration(attempt)):
		}

		lookupCtx, cancelLookup := context.WithTimeout(confirmCtx, s.opts.LedgerTimeout)
		settled, found, err := s.ledger.Lookup(lookupCtx, packetID, claimant.Address)
		cancelLookup()
		if err != nil {
			log.Printf("level=warn component=service flow=claim msg=\"ledger confirmation lookup failed\" packet_id=%s claimant_id=%s attempt=%d err=%v", packetID, claimant.ID, attempt, err)
			continue
		}
		if found {
			log.Printf("level=info component=service flow=claim msg=\"ledger confirmed payout\" packet_id=%s claimant_id=%s settlement_ref=%s attempt=%d", packetID, claimant.ID, settled.Ref, attempt)
			return payout{ref: settled.Ref, amount: domain.Amount(settled.Amount)}, true
		}
	}
	return payout{}, false
}

// persistClaim appends claim with a conditional write, retrying only the
// write on version conflicts. replayed is true when a re-read shows the
// claimant's claim already recorded.
func (s *Service) persistClaim(ctx context.Context, snapshot *domain.Packet, claim domain.Claim) (*domain.Packet, domain.Claim, bool, error) {
	current := snapshot
	var lastErr error

	for attempt := 0; attempt <= s.opts.MaxPersistRetries; attempt++ {
		if attempt > 0 {
			reread, err := s.repo.GetPacket(ctx, snapshot.ID)
			if err != nil {
				lastErr = err
				log.Printf("level=warn component=service flow=claim msg=\"re-read after failed write failed\" packet_id=%s attempt=%d err=%v", snapshot.ID, attempt, err)
				if errors.Is(err, store.ErrPacketNotFound) {
					break
				}
				continue
			}
			current = reread
			if existing, ok := current.FindClaim(claim.Claimant.ID); ok {
				return current, existing, true, nil
			}
		}

		if current.RefundNotifiedAt != nil {
			err := fmt.Errorf("remainder signalled for refund at %s", current.RefundNotifiedAt.UTC().Format(time.RFC3339))
			return nil, domain.Claim{}, false, s.bookkeepingFailed(ctx, current, claim, domain.ReasonRefundSignalled, err)
		}

		next := current.Clone()
		if err := next.AppendClaim(claim); err != nil {
			return nil, domain.Claim{}, false, s.bookkeepingFailed(ctx, current, claim, domain.ReasonNotAppendable, err)
		}

		err := s.repo.SavePacket(ctx, next, current.Version)
		if err == nil {
			return next, claim, false, nil
		}
		lastErr = err
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.PersistConflicts.Inc()
			log.Printf("level=info component=service flow=claim msg=\"version conflict persisting settled claim; retrying write\" packet_id=%s claimant_id=%s attempt=%d", snapshot.ID, claim.Claimant.ID, attempt)
		} else {
			log.Printf("level=warn component=service flow=claim msg=\"persisting settled claim failed; retrying write\" packet_id=%s claimant_id=%s attempt=%d err=%v", snapshot.ID, claim.Claimant.ID, attempt, err)
		}
	}

	return nil, domain.Claim{}, false, s.bookkeepingFailed(ctx, current, claim, domain.ReasonPersistConflict, lastErr)
}

func (s *Service) bookkeepingFailed(ctx context.Context, p *domain.Packet, claim domain.Claim, reason domain.ReconciliationReason, cause error) error {
	if cause == nil {
		cause = errors.New("retry budget exhausted")
	}
	s.recordReconciliation(ctx, domain.Reconciliation{
		PacketID:      p.ID,
		Claimant:      claim.Claimant,
		Amount:        claim.Amount,
		SettlementRef: claim.SettlementRef,
		Reason:        reason,
		Detail:        cause.Error(),
	})
	return domain.WrapError(domain.KindConflictRetryExhausted, "claim settled but pool bookkeeping could not be reconciled", cause)
}

func (s *Service) afterClaim(ctx context.Context, p *domain.Packet, claim domain.Claim) {
	if err := s.repo.AddToHistory(ctx, claim.Claimant.ID, domain.RoleClaimant, p.ID); err != nil {
		log.Printf("level=warn component=service flow=claim msg=\"claimant history write failed\" packet_id=%s claimant_id=%s err=%v", p.ID, claim.Claimant.ID, err)
	}
	if p.IsPublic() {
		s.recordActivity(ctx, domain.ActivityEntry{
			Type:       domain.ActivityClaimed,
			PacketID:   p.ID,
			Mode:       p.Mode,
			Actor:      claim.Claimant,
			Amount:     claim.Amount,
			OccurredAt: claim.ClaimedAt,
		})
	}
	s.publish(ctx, rabbitmq.RoutingKeyPacketClaimed, domain.PacketClaimedEvent{
		EventID:         uuid.New(),
		PacketID:        p.ID,
		Claim:           claim,
		RemainingAmount: p.RemainingAmount,
		RemainingCount:  p.RemainingCount,
		OccurredAt:      claim.ClaimedAt,
	})
}

func claimOutcome(resp *domain.ClaimPacketResponse, err error) string {
	if err == nil {
		if resp != nil && resp.Replayed {
			return "replayed"
		}
		return "claimed"
	}
	if kind := domain.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
