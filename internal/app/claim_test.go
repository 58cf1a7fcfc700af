package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/transfa/packet-service/internal/allocation"
	"github.com/transfa/packet-service/internal/domain"
	"github.com/transfa/packet-service/internal/store"
	"github.com/transfa/packet-service/pkg/ledgerclient"
	"github.com/transfa/packet-service/pkg/rabbitmq"
)

func assertPool(t *testing.T, env *testEnv, packetID string) *domain.Packet {
	t.Helper()
	p, err := env.repo.GetPacket(context.Background(), packetID)
	if err != nil {
		t.Fatalf("get packet: %v", err)
	}
	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("pool invariants broken: %v", err)
	}
	return p
}

func TestClaimPacket_EqualSplit(t *testing.T) {
	env := newTestEnv(t, Options{})
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 100, TotalCount: 3})

	var amounts []domain.Amount
	for i := 1; i <= 3; i++ {
		resp, err := env.claim(p.ID, claimant(fmt.Sprint(i)))
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if resp.Claim.SettlementRef == "" {
			t.Fatalf("claim %d has no settlement ref", i)
		}
		amounts = append(amounts, resp.Claim.Amount)
	}

	if amounts[0] != 33 || amounts[1] != 33 || amounts[2] != 34 {
		t.Fatalf("expected 33/33/34, got %v", amounts)
	}

	final := assertPool(t, env, p.ID)
	if final.Status != domain.StatusClaimed || final.RemainingAmount != 0 {
		t.Fatalf("expected fully claimed pool, got %s remaining %s", final.Status, final.RemainingAmount)
	}
	if env.ledger.paidTotal() != 100 {
		t.Fatalf("expected 100 paid, got %d", env.ledger.paidTotal())
	}

	if _, err := env.claim(p.ID, claimant("4")); !errors.Is(err, domain.ErrFullyClaimed) {
		t.Fatalf("expected fully claimed, got %v", err)
	}
	if n := env.publisher.count(rabbitmq.RoutingKeyPacketClaimed); n != 3 {
		t.Fatalf("expected 3 claimed events, got %d", n)
	}
}

func TestClaimPacket_RandomSplitConservesTotal(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.svc.SetRand(allocation.NewSeededRand(7, 11))
	p := env.create(t, domain.CreatePacketRequest{Mode: "random", TotalAmount: 1000, TotalCount: 5})

	var sum domain.Amount
	for i := 1; i <= 5; i++ {
		resp, err := env.claim(p.ID, claimant(fmt.Sprint(i)))
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if resp.Claim.Amount < 1 {
			t.Fatalf("claim %d got %s", i, resp.Claim.Amount)
		}
		sum += resp.Claim.Amount
	}
	if sum != 1000 {
		t.Fatalf("expected claims to sum to 1000, got %s", sum)
	}
	assertPool(t, env, p.ID)
}

func TestClaimPacket_Exclusive(t *testing.T) {
	env := newTestEnv(t, Options{})
	bob := domain.Identity{ID: "bob", Address: "0xBob"}
	p := env.create(t, domain.CreatePacketRequest{Mode: "exclusive", TotalAmount: 500, TotalCount: 1, ExclusiveRecipient: &bob})

	if _, err := env.claim(p.ID, claimant("1")); !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("expected not eligible for stranger, got %v", err)
	}
	resp, err := env.claim(p.ID, bob)
	if err != nil {
		t.Fatalf("recipient claim: %v", err)
	}
	if resp.Claim.Amount != 500 || resp.Packet.Status != domain.StatusClaimed {
		t.Fatalf("expected full payout and claimed status, got %s/%s", resp.Claim.Amount, resp.Packet.Status)
	}
}

func TestClaimPacket_TerminalPreconditions(t *testing.T) {
	env := newTestEnv(t, Options{})
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 100, TotalCount: 4})

	if _, err := env.claim(p.ID, testSender); !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("expected sender to be rejected, got %v", err)
	}
	if _, err := env.claim(p.ID, claimant("1")); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := env.claim(p.ID, claimant("1")); !errors.Is(err, domain.ErrAlreadyClaimed) {
		t.Fatalf("expected already claimed, got %v", err)
	}
	if _, err := env.claim("0xunknown", claimant("2")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.claim(p.ID, domain.Identity{ID: "nobody"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request without address, got %v", err)
	}

	env.clock.Advance(24*time.Hour + time.Second)
	if _, err := env.claim(p.ID, claimant("3")); !errors.Is(err, domain.ErrAlreadyExpired) {
		t.Fatalf("expected already expired, got %v", err)
	}
	if got := env.ledger.transferCount(); got != 1 {
		t.Fatalf("expected a single transfer, got %d", got)
	}
}

func TestClaimPacket_ScoreGate(t *testing.T) {
	threshold := 0.5
	env := newTestEnv(t, Options{})
	env.scores.scores["claimant-low"] = 0.4
	env.scores.scores["claimant-high"] = 0.9
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 100, TotalCount: 4, MinEligibilityScore: &threshold})

	if _, err := env.claim(p.ID, claimant("low")); !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("expected not eligible below threshold, got %v", err)
	}
	if _, err := env.claim(p.ID, claimant("unknown")); !errors.Is(err, domain.ErrScoreUnavailable) {
		t.Fatalf("expected score unavailable without score, got %v", err)
	}
	if _, err := env.claim(p.ID, claimant("high")); err != nil {
		t.Fatalf("expected eligible claimant to succeed, got %v", err)
	}

	env.scores.err = errors.New("directory down")
	if _, err := env.claim(p.ID, claimant("other")); !errors.Is(err, domain.ErrScoreUnavailable) {
		t.Fatalf("expected score unavailable on directory error, got %v", err)
	}
	if got := env.ledger.transferCount(); got != 1 {
		t.Fatalf("expected only the eligible claim to settle, got %d transfers", got)
	}
}

func TestClaimPacket_ConcurrentClaimsNeverOverAllocate(t *testing.T) {
	const claimants = 25
	const slots = 10

	env := newTestEnv(t, Options{})
	p := env.create(t, domain.CreatePacketRequest{Mode: "random", TotalAmount: 10_000, TotalCount: slots})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		paid      domain.Amount
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp, err := env.claim(p.ID, claimant(fmt.Sprint(n)))
			if err != nil {
				if !errors.Is(err, domain.ErrFullyClaimed) {
					t.Errorf("claimant %d: unexpected error %v", n, err)
				}
				return
			}
			mu.Lock()
			succeeded++
			paid += resp.Claim.Amount
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if succeeded != slots {
		t.Fatalf("expected %d successful claims, got %d", slots, succeeded)
	}
	if paid != 10_000 {
		t.Fatalf("expected 10000 paid, got %s", paid)
	}
	final := assertPool(t, env, p.ID)
	if final.RemainingCount != 0 || len(final.Claims) != slots {
		t.Fatalf("unexpected final pool: %d claims, %d remaining", len(final.Claims), final.RemainingCount)
	}
}

func TestClaimPacket_ConcurrentWithoutLockStaysConsistent(t *testing.T) {
	const claimants = 20
	const slots = 8

	env := newTestEnv(t, Options{MaxPersistRetries: 50})
	env.svc.SetPacketLocker(passThroughLocker{})
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 800, TotalCount: slots})

	var (
		wg                  sync.WaitGroup
		mu                  sync.Mutex
		succeeded, diverged int
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := env.claim(p.ID, claimant(fmt.Sprint(n)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrConflictRetryExhausted):
				diverged++
			case errors.Is(err, domain.ErrFullyClaimed):
			default:
				t.Errorf("claimant %d: unexpected error %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	final := assertPool(t, env, p.ID)
	if len(final.Claims) != succeeded {
		t.Fatalf("expected %d recorded claims, got %d", succeeded, len(final.Claims))
	}
	if succeeded > slots {
		t.Fatalf("over-allocated: %d claims for %d slots", succeeded, slots)
	}
	recs, err := env.svc.ListReconciliations(context.Background(), true, 0)
	if err != nil {
		t.Fatalf("list reconciliations: %v", err)
	}
	if len(recs) != diverged {
		t.Fatalf("expected one reconciliation per diverged claim, got %d for %d", len(recs), diverged)
	}
	if got := env.ledger.transferCount(); got != succeeded+diverged {
		t.Fatalf("expected %d transfers, got %d", succeeded+diverged, got)
	}
}

// conflictRepo fails SavePacket with a version conflict and runs onConflict
// first so tests can simulate a competing writer.
type conflictRepo struct {
	store.Repository
	inner *store.MemoryRepository

	mu         sync.Mutex
	conflicts  int
	saves      int
	onConflict func(ctx context.Context, inner *store.MemoryRepository)
}

func (r *conflictRepo) SavePacket(ctx context.Context, p *domain.Packet, expectedVersion int64) error {
	r.mu.Lock()
	r.saves++
	conflict := r.conflicts > 0
	if conflict {
		r.conflicts--
	}
	hook := r.onConflict
	r.mu.Unlock()

	if conflict {
		if hook != nil {
			hook(ctx, r.inner)
		}
		return store.ErrVersionConflict
	}
	return r.inner.SavePacket(ctx, p, expectedVersion)
}

func newConflictEnv(t *testing.T, opts Options, conflicts int) (*testEnv, *conflictRepo) {
	t.Helper()
	var repo *conflictRepo
	env := newTestEnvWithRepo(t, opts, func(m *store.MemoryRepository) store.Repository {
		repo = &conflictRepo{Repository: m, inner: m, conflicts: conflicts}
		return repo
	})
	return env, repo
}

func TestClaimPacket_RetriesOnlyTheWrite(t *testing.T) {
	env, repo := newConflictEnv(t, Options{}, 2)
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 90, TotalCount: 3})

	resp, err := env.claim(p.ID, claimant("1"))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if resp.Replayed {
		t.Fatalf("expected a fresh claim")
	}
	if repo.saves != 3 {
		t.Fatalf("expected 3 write attempts, got %d", repo.saves)
	}
	if got := env.ledger.transferCount(); got != 1 {
		t.Fatalf("expected exactly one transfer across retries, got %d", got)
	}
	final := assertPool(t, env, p.ID)
	if final.RemainingAmount != 60 || final.Version != 2 {
		t.Fatalf("unexpected pool after retry: remaining %s version %d", final.RemainingAmount, final.Version)
	}
}

func TestClaimPacket_ReplaysClaimRecordedByCompetingWriter(t *testing.T) {
	env, repo := newConflictEnv(t, Options{}, 1)
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 90, TotalCount: 3})
	who := claimant("1")

	var recorded domain.Claim
	repo.onConflict = func(ctx context.Context, inner *store.MemoryRepository) {
		current, err := inner.GetPacket(ctx, p.ID)
		if err != nil {
			t.Errorf("hook get: %v", err)
			return
		}
		recorded = domain.Claim{Claimant: who, Amount: 30, SettlementRef: "stl_other_worker", ClaimedAt: env.clock.Now()}
		if err := current.AppendClaim(recorded); err != nil {
			t.Errorf("hook append: %v", err)
			return
		}
		if err := inner.SavePacket(ctx, current, current.Version); err != nil {
			t.Errorf("hook save: %v", err)
		}
	}

	resp, err := env.claim(p.ID, who)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !resp.Replayed || resp.Claim.SettlementRef != recorded.SettlementRef {
		t.Fatalf("expected replay of the recorded claim, got %+v", resp)
	}
	final := assertPool(t, env, p.ID)
	if len(final.Claims) != 1 {
		t.Fatalf("expected the claim once, got %d", len(final.Claims))
	}
	if n := env.publisher.count(rabbitmq.RoutingKeyPacketClaimed); n != 0 {
		t.Fatalf("expected no claimed event on replay, got %d", n)
	}
}

func TestClaimPacket_ExhaustedRetriesRecordReconciliation(t *testing.T) {
	env, repo := newConflictEnv(t, Options{MaxPersistRetries: 3}, 100)
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 90, TotalCount: 3})

	_, err := env.claim(p.ID, claimant("1"))
	if !errors.Is(err, domain.ErrConflictRetryExhausted) {
		t.Fatalf("expected conflict retry exhausted, got %v", err)
	}
	if repo.saves != 4 {
		t.Fatalf("expected 4 write attempts, got %d", repo.saves)
	}
	if got := env.ledger.transferCount(); got != 1 {
		t.Fatalf("expected one transfer, got %d", got)
	}

	recs, err := env.svc.ListReconciliations(context.Background(), false, 0)
	if err != nil {
		t.Fatalf("list reconciliations: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one reconciliation, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Reason != domain.ReasonPersistConflict || rec.Amount != 30 || rec.SettlementRef == "" || rec.PacketID != p.ID {
		t.Fatalf("unexpected reconciliation: %+v", rec)
	}
	if n := env.publisher.count(rabbitmq.RoutingKeyReconciliationRequired); n != 1 {
		t.Fatalf("expected reconciliation event, got %d", n)
	}

	untouched := assertPool(t, env, p.ID)
	if untouched.RemainingAmount != 90 || len(untouched.Claims) != 0 {
		t.Fatalf("expected pool untouched, got remaining %s", untouched.RemainingAmount)
	}

	if err := env.svc.ResolveReconciliation(context.Background(), rec.ID, "  "); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected note to be required, got %v", err)
	}
	if err := env.svc.ResolveReconciliation(context.Background(), rec.ID, "credited manually"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	open, _ := env.svc.ListReconciliations(context.Background(), false, 0)
	if len(open) != 0 {
		t.Fatalf("expected no open reconciliations, got %d", len(open))
	}
}

func TestClaimPacket_NotAppendableStopsImmediately(t *testing.T) {
	env, repo := newConflictEnv(t, Options{}, 1)
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 50, TotalCount: 1})

	repo.onConflict = func(ctx context.Context, inner *store.MemoryRepository) {
		current, _ := inner.GetPacket(ctx, p.ID)
		_ = current.AppendClaim(domain.Claim{Claimant: claimant("racer"), Amount: 50, SettlementRef: "stl_racer"})
		_ = inner.SavePacket(ctx, current, current.Version)
	}

	_, err := env.claim(p.ID, claimant("1"))
	if !errors.Is(err, domain.ErrConflictRetryExhausted) {
		t.Fatalf("expected conflict retry exhausted, got %v", err)
	}
	if repo.saves != 1 {
		t.Fatalf("expected no further write attempts, got %d", repo.saves)
	}
	recs, _ := env.svc.ListReconciliations(context.Background(), false, 0)
	if len(recs) != 1 || recs[0].Reason != domain.ReasonNotAppendable {
		t.Fatalf("expected not-appendable reconciliation, got %+v", recs)
	}
}

func TestClaimPacket_RefundSignalledBeforeWriteRecordsReconciliation(t *testing.T) {
	env, repo := newConflictEnv(t, Options{}, 1)
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 60, TotalCount: 3})

	repo.onConflict = func(ctx context.Context, inner *store.MemoryRepository) {
		current, err := inner.GetPacket(ctx, p.ID)
		if err != nil {
			t.Errorf("hook get: %v", err)
			return
		}
		signalled := env.clock.Now()
		current.Status = domain.StatusExpired
		current.RefundNotifiedAt = &signalled
		if err := inner.SavePacket(ctx, current, current.Version); err != nil {
			t.Errorf("hook save: %v", err)
		}
	}

	_, err := env.claim(p.ID, claimant("1"))
	if !errors.Is(err, domain.ErrConflictRetryExhausted) {
		t.Fatalf("expected conflict retry exhausted, got %v", err)
	}
	if repo.saves != 1 {
		t.Fatalf("expected no write after the refund mark, got %d attempts", repo.saves)
	}
	recs, _ := env.svc.ListReconciliations(context.Background(), false, 0)
	if len(recs) != 1 || recs[0].Reason != domain.ReasonRefundSignalled || recs[0].Amount != 20 {
		t.Fatalf("expected refund-signalled reconciliation for 20, got %+v", recs)
	}
	if final := assertPool(t, env, p.ID); len(final.Claims) != 0 || final.RemainingAmount != 60 {
		t.Fatalf("expected the signalled remainder untouched, got remaining %s", final.RemainingAmount)
	}
}

func TestClaimPacket_DefinitiveRejection(t *testing.T) {
	env := newTestEnv(t, Options{})
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 100, TotalCount: 2})
	env.ledger.transferErr = &ledgerclient.ErrorResponse{StatusCode: 422}

	_, err := env.claim(p.ID, claimant("1"))
	if !errors.Is(err, domain.ErrSettlementFailed) {
		t.Fatalf("expected settlement failed, got %v", err)
	}
	untouched := assertPool(t, env, p.ID)
	if untouched.RemainingCount != 2 {
		t.Fatalf("expected pool untouched, got %d remaining", untouched.RemainingCount)
	}
	recs, _ := env.svc.ListReconciliations(context.Background(), true, 0)
	if len(recs) != 0 {
		t.Fatalf("expected no reconciliation for a rejection, got %d", len(recs))
	}
}

func TestClaimPacket_AmbiguousTransferConfirmedByLookup(t *testing.T) {
	env := newTestEnv(t, Options{})
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 100, TotalCount: 2})
	env.ledger.transferErr = context.DeadlineExceeded
	env.ledger.settleOnError = true

	resp, err := env.claim(p.ID, claimant("1"))
	if err != nil {
		t.Fatalf("expected confirmed claim, got %v", err)
	}
	if resp.Claim.Amount != 50 || resp.Claim.SettlementRef == "" {
		t.Fatalf("unexpected claim: %+v", resp.Claim)
	}
	assertPool(t, env, p.ID)
}

func TestClaimPacket_AmbiguousTransferUnconfirmed(t *testing.T) {
	env := newTestEnv(t, Options{})
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 100, TotalCount: 2})
	env.ledger.transferErr = &ledgerclient.ErrorResponse{StatusCode: 503}

	_, err := env.claim(p.ID, claimant("1"))
	if !errors.Is(err, domain.ErrSettlementUnconfirmed) {
		t.Fatalf("expected settlement unconfirmed, got %v", err)
	}
	recs, _ := env.svc.ListReconciliations(context.Background(), false, 0)
	if len(recs) != 1 || recs[0].Reason != domain.ReasonSettlementUnconfirmed || recs[0].Amount != 50 {
		t.Fatalf("expected unconfirmed reconciliation, got %+v", recs)
	}
	untouched := assertPool(t, env, p.ID)
	if untouched.RemainingCount != 2 {
		t.Fatalf("expected pool untouched, got %d remaining", untouched.RemainingCount)
	}
}

func TestClaimPacket_ReusesPriorLedgerPayout(t *testing.T) {
	env := newTestEnv(t, Options{})
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 100, TotalCount: 4})
	who := claimant("1")
	env.ledger.settled[ledgerclient.IdempotencyKey(p.ID, who.Address)] = ledgerclient.Settlement{Ref: "stl_earlier", Amount: 25}

	resp, err := env.claim(p.ID, who)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if resp.Claim.SettlementRef != "stl_earlier" || resp.Claim.Amount != 25 {
		t.Fatalf("expected earlier payout to be recorded, got %+v", resp.Claim)
	}
	if got := env.ledger.transferCount(); got != 0 {
		t.Fatalf("expected no new transfer, got %d", got)
	}
}

func TestClaimPacket_RateLimited(t *testing.T) {
	env := newTestEnv(t, Options{ClaimRateLimitPerMinute: 2})
	env.svc.SetClaimRateLimiter(NewMemoryClaimRateLimiter())

	who := claimant("1")
	for i := 0; i < 2; i++ {
		if _, err := env.claim("0xmissing", who); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("attempt %d: expected not found, got %v", i, err)
		}
	}
	_, err := env.claim("0xmissing", who)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfterSeconds < 1 {
		t.Fatalf("expected retry hint, got %v", err)
	}

	if _, err := env.claim("0xmissing", claimant("2")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected other claimant to be unaffected, got %v", err)
	}
}

func TestMemoryClaimRateLimiter_WindowResets(t *testing.T) {
	clock := newTestClock()
	limiter := NewMemoryClaimRateLimiter()
	limiter.now = clock.Now

	for i := 1; i <= 3; i++ {
		count, _, err := limiter.ConsumeRateLimit(context.Background(), "claim", "u1", 5, time.Minute)
		if err != nil || count != i {
			t.Fatalf("attempt %d: count %d err %v", i, count, err)
		}
	}
	clock.Advance(time.Minute)
	count, retryAfter, _ := limiter.ConsumeRateLimit(context.Background(), "claim", "u1", 5, time.Minute)
	if count != 1 || retryAfter != 60 {
		t.Fatalf("expected fresh window, got count %d retry %d", count, retryAfter)
	}
}
