package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/packet-service/internal/domain"
	"github.com/transfa/packet-service/pkg/rabbitmq"
)

func TestSweepRefunds_SignalsExpiredPacketsOnce(t *testing.T) {
	env := newTestEnv(t, Options{})
	partial := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 100, TotalCount: 4})
	untouched := env.create(t, domain.CreatePacketRequest{Mode: "random", TotalAmount: 50, TotalCount: 2})
	full := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 10, TotalCount: 1})

	if _, err := env.claim(partial.ID, claimant("1")); err != nil {
		t.Fatalf("claim partial: %v", err)
	}
	if _, err := env.claim(full.ID, claimant("1")); err != nil {
		t.Fatalf("claim full: %v", err)
	}

	result, err := env.svc.SweepRefunds(context.Background(), 0)
	if err != nil {
		t.Fatalf("sweep before expiry: %v", err)
	}
	if result.Signalled != 0 {
		t.Fatalf("expected nothing to refund before expiry, got %d", result.Signalled)
	}

	env.clock.Advance(24*time.Hour + time.Minute)
	result, err = env.svc.SweepRefunds(context.Background(), 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Signalled != 2 || result.Failed != 0 {
		t.Fatalf("expected 2 signals, got %+v", result)
	}
	if n := env.publisher.count(rabbitmq.RoutingKeyRefundEligible); n != 2 {
		t.Fatalf("expected 2 refund events, got %d", n)
	}

	for _, id := range []string{partial.ID, untouched.ID} {
		p := assertPool(t, env, id)
		if p.Status != domain.StatusExpired || p.RefundNotifiedAt == nil {
			t.Fatalf("packet %s not marked: status %s", id, p.Status)
		}
	}

	again, err := env.svc.SweepRefunds(context.Background(), 0)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.Signalled != 0 || again.Scanned != 0 {
		t.Fatalf("expected second sweep to find nothing, got %+v", again)
	}
}

func TestSweepRefunds_PublishFailureRollsBackMark(t *testing.T) {
	env := newTestEnv(t, Options{})
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 100, TotalCount: 2})

	env.clock.Advance(24*time.Hour + time.Minute)
	env.publisher.setErr(errors.New("broker down"))

	result, err := env.svc.SweepRefunds(context.Background(), 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Failed != 1 || result.Signalled != 0 {
		t.Fatalf("expected one failure, got %+v", result)
	}
	if stored := assertPool(t, env, p.ID); stored.RefundNotifiedAt != nil {
		t.Fatalf("expected refund mark to be rolled back")
	}

	env.publisher.setErr(nil)
	result, err = env.svc.SweepRefunds(context.Background(), 0)
	if err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	if result.Signalled != 1 {
		t.Fatalf("expected retry to signal, got %+v", result)
	}
}

func TestSweepRefunds_WaitsForClaimStillSettling(t *testing.T) {
	env := newTestEnv(t, Options{LockWait: 20 * time.Millisecond})
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 100, TotalCount: 4})

	var during *RefundSweepResult
	env.ledger.beforeTransfer = func() {
		env.clock.Advance(24*time.Hour + time.Minute)
		var err error
		if during, err = env.svc.SweepRefunds(context.Background(), 0); err != nil {
			t.Errorf("sweep during settlement: %v", err)
		}
	}

	resp, err := env.claim(p.ID, claimant("1"))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if resp.Claim.Amount != 25 {
		t.Fatalf("expected 25, got %s", resp.Claim.Amount)
	}
	if during == nil || during.Busy != 1 || during.Signalled != 0 {
		t.Fatalf("expected the sweep to skip the busy packet, got %+v", during)
	}

	after, err := env.svc.SweepRefunds(context.Background(), 0)
	if err != nil {
		t.Fatalf("sweep after settlement: %v", err)
	}
	if after.Signalled != 1 {
		t.Fatalf("expected one refund signal, got %+v", after)
	}

	env.publisher.mu.Lock()
	defer env.publisher.mu.Unlock()
	var refunded domain.Amount
	for _, e := range env.publisher.events {
		if event, ok := e.body.(domain.RefundEligibleEvent); ok {
			refunded += event.RemainingAmount
		}
	}
	if refunded != 75 || resp.Claim.Amount+refunded != 100 {
		t.Fatalf("claimed %s and refunded %s out of 100", resp.Claim.Amount, refunded)
	}
}

