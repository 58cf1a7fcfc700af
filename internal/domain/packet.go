/**
 * @description
 * This file defines the core domain models for the packet-service.
 * A Packet is one sender-funded distribution pool; a Claim is one recorded
 * payout of part of that pool to one claimant.
 *
 * @notes
 * - Amounts are stored as `Amount` (int64 minor units) and serialized as
 *   decimal strings so no precision is lost across transport.
 * - `Version` is the fencing token used by the store for compare-and-swap
 *   writes. It increases by one on every successful write.
 */

package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PacketMode selects the allocation policy of a packet.
type PacketMode string

const (
	ModeEqual     PacketMode = "equal"
	ModeRandom    PacketMode = "random"
	ModeExclusive PacketMode = "exclusive"
)

// ParseMode normalizes a mode name. The legacy client names "fixed" and
// "lucky" are accepted as aliases of equal and random.
func ParseMode(raw string) (PacketMode, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "equal", "fixed":
		return ModeEqual, true
	case "random", "lucky":
		return ModeRandom, true
	case "exclusive":
		return ModeExclusive, true
	default:
		return "", false
	}
}

// PacketStatus is the derived lifecycle state of a packet.
type PacketStatus string

const (
	StatusActive  PacketStatus = "active"
	StatusClaimed PacketStatus = "claimed"
	StatusExpired PacketStatus = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s PacketStatus) IsTerminal() bool {
	return s == StatusClaimed || s == StatusExpired
}

// Identity is a reference to a user. ID is the only field used for equality;
// Address is where settlements are sent.
type Identity struct {
	ID          string `json:"id" yaml:"id"`
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	PfpURL      string `json:"pfp_url,omitempty" yaml:"pfp_url,omitempty"`
	Address     string `json:"address,omitempty" yaml:"address,omitempty"`
}

// Same reports whether both identities refer to the same user.
func (i Identity) Same(other Identity) bool {
	return strings.TrimSpace(i.ID) != "" && strings.TrimSpace(i.ID) == strings.TrimSpace(other.ID)
}

// Claim is one payout event. Claims are immutable once appended.
type Claim struct {
	ID            uuid.UUID `json:"id" yaml:"id"`
	Claimant      Identity  `json:"claimant" yaml:"claimant"`
	Amount        Amount    `json:"amount" yaml:"amount"`
	ClaimedAt     time.Time `json:"claimed_at" yaml:"claimed_at"`
	SettlementRef string    `json:"settlement_ref" yaml:"settlement_ref"`
}

// Packet is one distribution pool.
type Packet struct {
	ID                  string       `json:"id" yaml:"id"`
	Sender              Identity     `json:"sender" yaml:"sender"`
	Mode                PacketMode   `json:"mode" yaml:"mode"`
	TotalAmount         Amount       `json:"total_amount" yaml:"total_amount"`
	RemainingAmount     Amount       `json:"remaining_amount" yaml:"remaining_amount"`
	TotalCount          int          `json:"total_count" yaml:"total_count"`
	RemainingCount      int          `json:"remaining_count" yaml:"remaining_count"`
	Claims              []Claim      `json:"claims" yaml:"claims"`
	CreatedAt           time.Time    `json:"created_at" yaml:"created_at"`
	ExpiresAt           time.Time    `json:"expires_at" yaml:"expires_at"`
	Status              PacketStatus `json:"status" yaml:"status"`
	ExclusiveRecipient  *Identity    `json:"exclusive_recipient,omitempty" yaml:"exclusive_recipient,omitempty"`
	MinEligibilityScore *float64     `json:"min_eligibility_score,omitempty" yaml:"min_eligibility_score,omitempty"`
	DepositRef          string       `json:"deposit_ref,omitempty" yaml:"deposit_ref,omitempty"`
	Message             string       `json:"message,omitempty" yaml:"message,omitempty"`
	RefundNotifiedAt    *time.Time   `json:"refund_notified_at,omitempty" yaml:"refund_notified_at,omitempty"`
	Version             int64        `json:"version" yaml:"version"`
}

// ErrClaimNotAppendable is returned when a settled claim can no longer be
// recorded against the current pool without breaking its numeric invariants.
var ErrClaimNotAppendable = errors.New("claim cannot be appended to packet")

// FindClaim returns the claim recorded for the given identity, if any.
func (p *Packet) FindClaim(identityID string) (Claim, bool) {
	for _, c := range p.Claims {
		if c.Claimant.ID == identityID {
			return c, true
		}
	}
	return Claim{}, false
}

// HasClaimed reports whether identityID already has a claim on this packet.
func (p *Packet) HasClaimed(identityID string) bool {
	_, ok := p.FindClaim(identityID)
	return ok
}

// ClaimedTotal is the sum of all recorded claim amounts.
func (p *Packet) ClaimedTotal() Amount {
	var sum Amount
	for _, c := range p.Claims {
		sum += c.Amount
	}
	return sum
}

// IsPublic reports whether the packet can be listed on the plaza.
func (p *Packet) IsPublic() bool {
	return p.Mode != ModeExclusive
}

// CanAppend checks whether claim can be recorded against the current pool.
// A non-final slot must leave at least one unit for every other open slot and
// the final slot must take the remainder exactly.
func (p *Packet) CanAppend(c Claim) error {
	if p.RemainingCount <= 0 {
		return fmt.Errorf("%w: no remaining slots", ErrClaimNotAppendable)
	}
	if c.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrClaimNotAppendable)
	}
	if p.HasClaimed(c.Claimant.ID) {
		return fmt.Errorf("%w: claimant already recorded", ErrClaimNotAppendable)
	}
	if c.Amount > p.RemainingAmount {
		return fmt.Errorf("%w: amount %s exceeds remaining %s", ErrClaimNotAppendable, c.Amount, p.RemainingAmount)
	}
	left := p.RemainingAmount - c.Amount
	if p.RemainingCount == 1 && left != 0 {
		return fmt.Errorf("%w: final slot would leave %s unallocated", ErrClaimNotAppendable, left)
	}
	if left < Amount(p.RemainingCount-1) {
		return fmt.Errorf("%w: remaining %s cannot cover %d open slots", ErrClaimNotAppendable, left, p.RemainingCount-1)
	}
	return nil
}

// AppendClaim records c and decrements the pool. The packet flips to claimed
// when the last slot is taken.
func (p *Packet) AppendClaim(c Claim) error {
	if err := p.CanAppend(c); err != nil {
		return err
	}
	p.Claims = append(p.Claims, c)
	p.RemainingAmount -= c.Amount
	p.RemainingCount--
	if p.RemainingCount == 0 {
		p.Status = StatusClaimed
	}
	return nil
}

// CheckInvariants validates the pool accounting of p.
func (p *Packet) CheckInvariants() error {
	if p.RemainingAmount < 0 || p.RemainingAmount > p.TotalAmount {
		return fmt.Errorf("remaining amount %s out of range [0, %s]", p.RemainingAmount, p.TotalAmount)
	}
	if p.RemainingCount < 0 || p.RemainingCount > p.TotalCount {
		return fmt.Errorf("remaining count %d out of range [0, %d]", p.RemainingCount, p.TotalCount)
	}
	if p.Mode == ModeExclusive && p.TotalCount != 1 {
		return fmt.Errorf("exclusive packet must have total count 1, got %d", p.TotalCount)
	}
	if len(p.Claims) != p.TotalCount-p.RemainingCount {
		return fmt.Errorf("claims length %d does not match %d consumed slots", len(p.Claims), p.TotalCount-p.RemainingCount)
	}
	if sum := p.ClaimedTotal(); sum+p.RemainingAmount != p.TotalAmount {
		return fmt.Errorf("claimed %s plus remaining %s does not equal total %s", sum, p.RemainingAmount, p.TotalAmount)
	}
	seen := make(map[string]struct{}, len(p.Claims))
	for _, c := range p.Claims {
		if _, dup := seen[c.Claimant.ID]; dup {
			return fmt.Errorf("claimant %s recorded twice", c.Claimant.ID)
		}
		seen[c.Claimant.ID] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy of p.
func (p *Packet) Clone() *Packet {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Claims = append([]Claim(nil), p.Claims...)
	if p.ExclusiveRecipient != nil {
		r := *p.ExclusiveRecipient
		cp.ExclusiveRecipient = &r
	}
	if p.MinEligibilityScore != nil {
		s := *p.MinEligibilityScore
		cp.MinEligibilityScore = &s
	}
	if p.RefundNotifiedAt != nil {
		t := *p.RefundNotifiedAt
		cp.RefundNotifiedAt = &t
	}
	return &cp
}

// ListRole selects which side of a packet an identity is listed by.
type ListRole string

const (
	RoleSender   ListRole = "sent"
	RoleClaimant ListRole = "claimed"
)

// ParseListRole accepts the history names and their long forms.
func ParseListRole(raw string) (ListRole, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "sent", "sender":
		return RoleSender, true
	case "claimed", "claimant":
		return RoleClaimant, true
	default:
		return "", false
	}
}

// CreatePacketRequest is the DTO for creating a packet.
type CreatePacketRequest struct {
	PacketID            string    `json:"packet_id,omitempty"`
	Sender              Identity  `json:"sender"`
	Mode                string    `json:"mode"`
	TotalAmount         Amount    `json:"total_amount"`
	TotalCount          int       `json:"total_count"`
	ExclusiveRecipient  *Identity `json:"exclusive_recipient,omitempty"`
	MinEligibilityScore *float64  `json:"min_eligibility_score,omitempty"`
	DepositRef          string    `json:"deposit_ref,omitempty"`
	Message             string    `json:"message,omitempty"`
}

// ClaimPacketRequest is the DTO for claiming a packet.
type ClaimPacketRequest struct {
	PacketID string   `json:"packet_id"`
	Claimant Identity `json:"claimant"`
}

// ClaimPacketResponse is returned after a claim is recorded. Replayed is set
// when the claimant's claim was already present.
type ClaimPacketResponse struct {
	Claim    Claim   `json:"claim"`
	Packet   *Packet `json:"packet"`
	Replayed bool    `json:"replayed,omitempty"`
}

// PacketPage is one page of a packet listing.
type PacketPage struct {
	Packets []*Packet `json:"packets"`
	Offset  int       `json:"offset"`
	Limit   int       `json:"limit"`
	HasMore bool      `json:"has_more"`
}
