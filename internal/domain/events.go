package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActivityType names an entry in the public activity feed.
type ActivityType string

const (
	ActivityCreated ActivityType = "created"
	ActivityClaimed ActivityType = "claimed"
)

// ActivityEntry is one best-effort feed item.
type ActivityEntry struct {
	Type       ActivityType `json:"type"`
	PacketID   string       `json:"packet_id"`
	Mode       PacketMode   `json:"mode"`
	Actor      Identity     `json:"actor"`
	Amount     Amount       `json:"amount"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// PacketCreatedEvent is published after a packet is stored.
type PacketCreatedEvent struct {
	EventID     uuid.UUID  `json:"event_id"`
	PacketID    string     `json:"packet_id"`
	Sender      Identity   `json:"sender"`
	Mode        PacketMode `json:"mode"`
	TotalAmount Amount     `json:"total_amount"`
	TotalCount  int        `json:"total_count"`
	ExpiresAt   time.Time  `json:"expires_at"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// PacketClaimedEvent is published after a claim is committed.
type PacketClaimedEvent struct {
	EventID         uuid.UUID `json:"event_id"`
	PacketID        string    `json:"packet_id"`
	Claim           Claim     `json:"claim"`
	RemainingAmount Amount    `json:"remaining_amount"`
	RemainingCount  int       `json:"remaining_count"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// RefundEligibleEvent tells the ledger collaborator that the unclaimed value
// of an expired packet can be returned to the sender. It is emitted once per
// packet.
type RefundEligibleEvent struct {
	EventID         uuid.UUID `json:"event_id"`
	PacketID        string    `json:"packet_id"`
	Sender          Identity  `json:"sender"`
	RemainingAmount Amount    `json:"remaining_amount"`
	RemainingCount  int       `json:"remaining_count"`
	ExpiredAt       time.Time `json:"expired_at"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// ReconciliationReason names why a settled claim needs operator attention.
type ReconciliationReason string

const (
	ReasonPersistConflict       ReconciliationReason = "persist_conflict_exhausted"
	ReasonNotAppendable         ReconciliationReason = "claim_not_appendable"
	ReasonSettlementUnconfirmed ReconciliationReason = "settlement_unconfirmed"
	ReasonRefundSignalled       ReconciliationReason = "refund_already_signalled"
)

// Reconciliation records a divergence between ledger truth and pool
// bookkeeping.
type Reconciliation struct {
	ID             uuid.UUID            `json:"id" yaml:"id"`
	PacketID       string               `json:"packet_id" yaml:"packet_id"`
	Claimant       Identity             `json:"claimant" yaml:"claimant"`
	Amount         Amount               `json:"amount" yaml:"amount"`
	SettlementRef  string               `json:"settlement_ref,omitempty" yaml:"settlement_ref,omitempty"`
	Reason         ReconciliationReason `json:"reason" yaml:"reason"`
	Detail         string               `json:"detail,omitempty" yaml:"detail,omitempty"`
	CreatedAt      time.Time            `json:"created_at" yaml:"created_at"`
	ResolvedAt     *time.Time           `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
	ResolutionNote string               `json:"resolution_note,omitempty" yaml:"resolution_note,omitempty"`
}

// ReconciliationRequiredEvent is the alarmable event published alongside a
// new Reconciliation.
type ReconciliationRequiredEvent struct {
	EventID        uuid.UUID      `json:"event_id"`
	Reconciliation Reconciliation `json:"reconciliation"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// DepositConfirmedEvent is consumed from the ledger once the sender's deposit
// for a packet is final.
type DepositConfirmedEvent struct {
	EventID             string    `json:"event_id"`
	PacketID            string    `json:"packet_id"`
	Sender              Identity  `json:"sender"`
	Mode                string    `json:"mode"`
	TotalAmount         Amount    `json:"total_amount"`
	TotalCount          int       `json:"total_count"`
	ExclusiveRecipient  *Identity `json:"exclusive_recipient,omitempty"`
	MinEligibilityScore *float64  `json:"min_eligibility_score,omitempty"`
	DepositRef          string    `json:"deposit_ref"`
	Message             string    `json:"message,omitempty"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// CreateRequest converts the event into a creation request.
func (e DepositConfirmedEvent) CreateRequest() CreatePacketRequest {
	return CreatePacketRequest{
		PacketID:            e.PacketID,
		Sender:              e.Sender,
		Mode:                e.Mode,
		TotalAmount:         e.TotalAmount,
		TotalCount:          e.TotalCount,
		ExclusiveRecipient:  e.ExclusiveRecipient,
		MinEligibilityScore: e.MinEligibilityScore,
		DepositRef:          e.DepositRef,
		Message:             e.Message,
	}
}
