// Package eligibility evaluates the gating rules a claimant must pass before
// an allocation is computed.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/transfa/packet-service/internal/domain"
)

// DefaultScoreTimeout bounds a directory score lookup when the filter is
// built without one.
const DefaultScoreTimeout = 3 * time.Second

// ScoreSource looks up a claimant's current reputation score. ok is false
// when the directory has no score for the identity.
type ScoreSource interface {
	ScoreOf(ctx context.Context, identityID string) (score float64, ok bool, err error)
}

// Filter applies the eligibility rules of a packet.
type Filter struct {
	scores  ScoreSource
	timeout time.Duration
}

// NewFilter builds a filter. scores may be nil, in which case any packet with
// a minimum score rejects every claimant with ScoreUnavailable.
func NewFilter(scores ScoreSource, timeout time.Duration) *Filter {
	if timeout <= 0 {
		timeout = DefaultScoreTimeout
	}
	return &Filter{scores: scores, timeout: timeout}
}

// Check returns nil when claimant may claim p. The directory is consulted
// only after every local rule has passed.
func (f *Filter) Check(ctx context.Context, p *domain.Packet, claimant domain.Identity) error {
	if p.Sender.Same(claimant) {
		return domain.NewError(domain.KindNotEligible, "sender cannot claim their own packet")
	}
	if p.HasClaimed(claimant.ID) {
		return domain.ErrAlreadyClaimed
	}
	if p.Mode == domain.ModeExclusive {
		if p.ExclusiveRecipient == nil || !p.ExclusiveRecipient.Same(claimant) {
			return domain.NewError(domain.KindNotEligible, "packet is reserved for another recipient")
		}
	}
	if p.MinEligibilityScore != nil {
		return f.checkScore(ctx, *p.MinEligibilityScore, claimant)
	}
	return nil
}

func (f *Filter) checkScore(ctx context.Context, threshold float64, claimant domain.Identity) error {
	if f.scores == nil {
		return domain.WrapError(domain.KindScoreUnavailable, "eligibility score unavailable", errors.New("no score source configured"))
	}

	lookupCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	score, ok, err := f.scores.ScoreOf(lookupCtx, claimant.ID)
	if err != nil {
		log.Printf("level=warn component=eligibility msg=\"score lookup failed\" identity_id=%s err=%v", claimant.ID, err)
		return domain.WrapError(domain.KindScoreUnavailable, "eligibility score unavailable", err)
	}
	if !ok {
		return domain.NewError(domain.KindScoreUnavailable, "no eligibility score for claimant")
	}
	if score < threshold {
		return domain.NewError(domain.KindNotEligible, fmt.Sprintf("eligibility score %.4g is below required %.4g", score, threshold))
	}
	return nil
}
