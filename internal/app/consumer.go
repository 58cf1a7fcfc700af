package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/transfa/packet-service/internal/domain"
	"github.com/transfa/packet-service/internal/store"
)

// PacketCreator is the part of Service the deposit consumer needs.
type PacketCreator interface {
	CreatePacket(ctx context.Context, req domain.CreatePacketRequest) (*domain.Packet, error)
}

// DepositConsumer creates packets when the ledger confirms a sender's
// deposit. Redelivery of an already-created packet is acknowledged.
type DepositConsumer struct {
	packets PacketCreator
}

func NewDepositConsumer(packets PacketCreator) *DepositConsumer {
	return &DepositConsumer{packets: packets}
}

// HandleMessage returns true to acknowledge the delivery and false to
// re-queue it.
func (c *DepositConsumer) HandleMessage(body []byte) bool {
	var event domain.DepositConfirmedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=deposit_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}

	if event.PacketID == "" {
		log.Printf("level=warn component=deposit_consumer msg=\"missing packet id; dropping\" event_id=%s deposit_ref=%s", event.EventID, event.DepositRef)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	p, err := c.packets.CreatePacket(ctx, event.CreateRequest())
	switch {
	case err == nil:
		log.Printf("level=info component=deposit_consumer msg=\"packet created from deposit\" packet_id=%s deposit_ref=%s", p.ID, event.DepositRef)
		return true
	case errors.Is(err, store.ErrPacketExists):
		log.Printf("level=info component=deposit_consumer msg=\"packet already exists; acknowledging\" packet_id=%s", event.PacketID)
		return true
	case domain.KindOf(err) == domain.KindInvalidRequest:
		log.Printf("level=error component=deposit_consumer msg=\"deposit describes an invalid packet; dropping\" packet_id=%s deposit_ref=%s err=%v", event.PacketID, event.DepositRef, err)
		return true
	default:
		log.Printf("level=warn component=deposit_consumer msg=\"processing error; re-queuing\" packet_id=%s err=%v", event.PacketID, err)
		return false
	}
}
