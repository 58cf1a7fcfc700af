// Package lifecycle derives packet status from stored state and the wall
// clock. It owns no persistence of its own.
package lifecycle

import (
	"time"

	"github.com/transfa/packet-service/internal/domain"
)

const (
	// DefaultExpiryWindow is how long a packet stays claimable after creation.
	DefaultExpiryWindow = 24 * time.Hour
	// DefaultRetentionGrace keeps an expired packet readable for status and
	// refund checks before the store drops it.
	DefaultRetentionGrace = time.Hour
)

// Manager applies the packet state machine. active -> claimed when the last
// slot is taken, active -> expired when the clock passes ExpiresAt with
// slots still open. Both end states are terminal.
type Manager struct {
	now            func() time.Time
	expiryWindow   time.Duration
	retentionGrace time.Duration
}

// NewManager builds a manager. Non-positive durations fall back to 24h and 1h.
func NewManager(expiryWindow, retentionGrace time.Duration) *Manager {
	if expiryWindow <= 0 {
		expiryWindow = DefaultExpiryWindow
	}
	if retentionGrace <= 0 {
		retentionGrace = DefaultRetentionGrace
	}
	return &Manager{now: time.Now, expiryWindow: expiryWindow, retentionGrace: retentionGrace}
}

// SetClock overrides the wall clock.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Now returns the current UTC time.
func (m *Manager) Now() time.Time {
	return m.now().UTC()
}

// ExpiresAt is createdAt plus the expiry window.
func (m *Manager) ExpiresAt(createdAt time.Time) time.Time {
	return createdAt.Add(m.expiryWindow)
}

// Retention is how long a packet record is kept after creation.
func (m *Manager) Retention() time.Duration {
	return m.expiryWindow + m.retentionGrace
}

// Derive computes the status of p at now.
func Derive(p *domain.Packet, now time.Time) domain.PacketStatus {
	if p.RemainingCount <= 0 || p.Status == domain.StatusClaimed {
		return domain.StatusClaimed
	}
	if p.Status == domain.StatusExpired || now.After(p.ExpiresAt) {
		return domain.StatusExpired
	}
	return domain.StatusActive
}

// Refresh stores the derived status on p and returns it.
func (m *Manager) Refresh(p *domain.Packet) *domain.Packet {
	if p != nil {
		p.Status = Derive(p, m.Now())
	}
	return p
}

// RefreshAll applies Refresh to every packet.
func (m *Manager) RefreshAll(packets []*domain.Packet) []*domain.Packet {
	for _, p := range packets {
		m.Refresh(p)
	}
	return packets
}

// CheckClaimable returns a terminal error when p cannot accept a claim.
func (m *Manager) CheckClaimable(p *domain.Packet) error {
	switch Derive(p, m.Now()) {
	case domain.StatusClaimed:
		return domain.ErrFullyClaimed
	case domain.StatusExpired:
		return domain.ErrAlreadyExpired
	}
	if p.RemainingCount <= 0 {
		return domain.ErrFullyClaimed
	}
	return nil
}

// RefundEligible reports whether the unclaimed value of p should be handed
// to the ledger for refund. It turns false once the signal has been recorded.
func (m *Manager) RefundEligible(p *domain.Packet) bool {
	return RefundEligibleAt(p, m.Now())
}

// RefundEligibleAt is RefundEligible for an explicit instant.
func RefundEligibleAt(p *domain.Packet, now time.Time) bool {
	return Derive(p, now) == domain.StatusExpired && p.RemainingCount > 0 && p.RefundNotifiedAt == nil
}
