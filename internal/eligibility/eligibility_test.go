package eligibility

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/packet-service/internal/domain"
)

type scoreStub struct {
	score  float64
	ok     bool
	err    error
	delay  time.Duration
	called bool
}

func (s *scoreStub) ScoreOf(ctx context.Context, identityID string) (float64, bool, error) {
	s.called = true
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}
	return s.score, s.ok, s.err
}

func floatPtr(v float64) *float64 { return &v }

func basePacket() *domain.Packet {
	return &domain.Packet{
		ID:              "pkt",
		Sender:          domain.Identity{ID: "sender"},
		Mode:            domain.ModeRandom,
		TotalAmount:     100,
		RemainingAmount: 100,
		TotalCount:      3,
		RemainingCount:  3,
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		packet   func() *domain.Packet
		claimant domain.Identity
		scores   *scoreStub
		wantErr  error
	}{
		{
			name:     "plain packet passes",
			packet:   basePacket,
			claimant: domain.Identity{ID: "alice"},
			scores:   &scoreStub{},
		},
		{
			name:     "sender self claim",
			packet:   basePacket,
			claimant: domain.Identity{ID: "sender"},
			scores:   &scoreStub{},
			wantErr:  domain.ErrNotEligible,
		},
		{
			name: "duplicate claim",
			packet: func() *domain.Packet {
				p := basePacket()
				p.Claims = []domain.Claim{{Claimant: domain.Identity{ID: "alice"}, Amount: 10}}
				p.RemainingCount = 2
				p.RemainingAmount = 90
				return p
			},
			claimant: domain.Identity{ID: "alice"},
			scores:   &scoreStub{},
			wantErr:  domain.ErrAlreadyClaimed,
		},
		{
			name: "exclusive recipient mismatch",
			packet: func() *domain.Packet {
				p := basePacket()
				p.Mode = domain.ModeExclusive
				p.TotalCount, p.RemainingCount = 1, 1
				p.ExclusiveRecipient = &domain.Identity{ID: "bob"}
				return p
			},
			claimant: domain.Identity{ID: "alice"},
			scores:   &scoreStub{},
			wantErr:  domain.ErrNotEligible,
		},
		{
			name: "exclusive recipient match",
			packet: func() *domain.Packet {
				p := basePacket()
				p.Mode = domain.ModeExclusive
				p.TotalCount, p.RemainingCount = 1, 1
				p.ExclusiveRecipient = &domain.Identity{ID: "bob"}
				return p
			},
			claimant: domain.Identity{ID: "bob"},
			scores:   &scoreStub{},
		},
		{
			name: "score below threshold",
			packet: func() *domain.Packet {
				p := basePacket()
				p.MinEligibilityScore = floatPtr(0.5)
				return p
			},
			claimant: domain.Identity{ID: "alice"},
			scores:   &scoreStub{score: 0.2, ok: true},
			wantErr:  domain.ErrNotEligible,
		},
		{
			name: "score at threshold",
			packet: func() *domain.Packet {
				p := basePacket()
				p.MinEligibilityScore = floatPtr(0.5)
				return p
			},
			claimant: domain.Identity{ID: "alice"},
			scores:   &scoreStub{score: 0.5, ok: true},
		},
		{
			name: "score missing",
			packet: func() *domain.Packet {
				p := basePacket()
				p.MinEligibilityScore = floatPtr(0.5)
				return p
			},
			claimant: domain.Identity{ID: "alice"},
			scores:   &scoreStub{ok: false},
			wantErr:  domain.ErrScoreUnavailable,
		},
		{
			name: "score lookup error",
			packet: func() *domain.Packet {
				p := basePacket()
				p.MinEligibilityScore = floatPtr(0.5)
				return p
			},
			claimant: domain.Identity{ID: "alice"},
			scores:   &scoreStub{err: errors.New("directory down")},
			wantErr:  domain.ErrScoreUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFilter(tt.scores, time.Second)
			err := f.Check(context.Background(), tt.packet(), tt.claimant)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCheck_ScoreTimeoutIsUnavailable(t *testing.T) {
	p := basePacket()
	p.MinEligibilityScore = floatPtr(0.1)
	scores := &scoreStub{score: 1, ok: true, delay: time.Second}

	f := NewFilter(scores, 20*time.Millisecond)
	err := f.Check(context.Background(), p, domain.Identity{ID: "alice"})
	if !errors.Is(err, domain.ErrScoreUnavailable) {
		t.Fatalf("expected timeout to surface as ScoreUnavailable, got %v", err)
	}
}

func TestCheck_NoScoreSourceIsUnavailable(t *testing.T) {
	p := basePacket()
	p.MinEligibilityScore = floatPtr(0.1)

	f := NewFilter(nil, time.Second)
	if err := f.Check(context.Background(), p, domain.Identity{ID: "alice"}); !errors.Is(err, domain.ErrScoreUnavailable) {
		t.Fatalf("expected ScoreUnavailable, got %v", err)
	}
}

func TestCheck_SkipsDirectoryWhenLocalRuleFails(t *testing.T) {
	p := basePacket()
	p.MinEligibilityScore = floatPtr(0.1)
	scores := &scoreStub{score: 1, ok: true}

	f := NewFilter(scores, time.Second)
	_ = f.Check(context.Background(), p, domain.Identity{ID: "sender"})
	if scores.called {
		t.Fatal("did not expect a directory lookup for a self claim")
	}
}
