package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/transfa/packet-service/internal/domain"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func activePacket(created time.Time) *domain.Packet {
	return &domain.Packet{
		ID:              "pkt",
		Mode:            domain.ModeEqual,
		TotalAmount:     100,
		RemainingAmount: 100,
		TotalCount:      4,
		RemainingCount:  4,
		CreatedAt:       created,
		ExpiresAt:       created.Add(DefaultExpiryWindow),
		Status:          domain.StatusActive,
	}
}

func TestDerive(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		mutate func(p *domain.Packet)
		now    time.Time
		want   domain.PacketStatus
	}{
		{
			name: "active before expiry",
			now:  created.Add(time.Hour),
			want: domain.StatusActive,
		},
		{
			name: "active exactly at expiry",
			now:  created.Add(DefaultExpiryWindow),
			want: domain.StatusActive,
		},
		{
			name: "expired past expiry with open slots",
			now:  created.Add(DefaultExpiryWindow + time.Second),
			want: domain.StatusExpired,
		},
		{
			name: "claimed stays claimed after expiry",
			mutate: func(p *domain.Packet) {
				p.RemainingCount = 0
				p.RemainingAmount = 0
			},
			now:  created.Add(48 * time.Hour),
			want: domain.StatusClaimed,
		},
		{
			name: "expired is terminal",
			mutate: func(p *domain.Packet) {
				p.Status = domain.StatusExpired
			},
			now:  created.Add(time.Minute),
			want: domain.StatusExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := activePacket(created)
			if tt.mutate != nil {
				tt.mutate(p)
			}
			if got := Derive(p, tt.now); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCheckClaimable(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(0, 0)

	m.SetClock(fixedClock(created.Add(time.Hour)))
	if err := m.CheckClaimable(activePacket(created)); err != nil {
		t.Fatalf("expected active packet to be claimable, got %v", err)
	}

	m.SetClock(fixedClock(created.Add(25 * time.Hour)))
	if err := m.CheckClaimable(activePacket(created)); !errors.Is(err, domain.ErrAlreadyExpired) {
		t.Fatalf("expected AlreadyExpired, got %v", err)
	}

	full := activePacket(created)
	full.RemainingCount = 0
	if err := m.CheckClaimable(full); !errors.Is(err, domain.ErrFullyClaimed) {
		t.Fatalf("expected FullyClaimed, got %v", err)
	}
}

func TestRefundEligible(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(0, 0)
	p := activePacket(created)

	m.SetClock(fixedClock(created.Add(time.Hour)))
	if m.RefundEligible(p) {
		t.Fatal("active packet must not be refund eligible")
	}

	m.SetClock(fixedClock(created.Add(30 * time.Hour)))
	if !m.RefundEligible(p) {
		t.Fatal("expired packet with open slots must be refund eligible")
	}

	notified := created.Add(29 * time.Hour)
	p.RefundNotifiedAt = &notified
	if m.RefundEligible(p) {
		t.Fatal("refund signal must only be offered once")
	}

	claimed := activePacket(created)
	claimed.RemainingCount = 0
	if m.RefundEligible(claimed) {
		t.Fatal("claimed packet must not be refund eligible")
	}
}

func TestManager_RetentionIsWindowPlusGrace(t *testing.T) {
	m := NewManager(0, 0)
	if got := m.Retention(); got != 25*time.Hour {
		t.Fatalf("expected 25h retention, got %s", got)
	}
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := m.ExpiresAt(created); !got.Equal(created.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry %s", got)
	}
}
