package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/transfa/packet-service/internal/domain"
	"github.com/transfa/packet-service/internal/metrics"
	"github.com/transfa/packet-service/internal/store"
	"github.com/transfa/packet-service/pkg/rabbitmq"
)

var packetIDPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

func generatePacketID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate packet id: %w", err)
	}
	return "0x" + hex.EncodeToString(buf), nil
}

// DepositPacketID derives the packet id a deposit funds, so one deposit
// reference cannot back two packets of the same sender.
func DepositPacketID(senderID, depositRef string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(senderID) + "\x00" + strings.TrimSpace(depositRef)))
	return "0x" + hex.EncodeToString(sum[:])
}

// NormalizePacketID lowercases a caller-supplied packet id and checks that it
// is a 0x-prefixed 32-byte hex string.
func NormalizePacketID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if !packetIDPattern.MatchString(id) {
		return "", domain.Invalid("packet_id must be a 0x-prefixed 32-byte hex string")
	}
	return id, nil
}

func (s *Service) validateCreate(req domain.CreatePacketRequest) (domain.PacketMode, error) {
	mode, ok := domain.ParseMode(req.Mode)
	if !ok {
		return "", domain.Invalid(fmt.Sprintf("unknown packet mode %q", req.Mode))
	}
	if strings.TrimSpace(req.Sender.ID) == "" {
		return "", domain.Invalid("sender id is required")
	}
	if req.TotalCount < 1 {
		return "", domain.Invalid("total_count must be at least 1")
	}
	if req.TotalAmount < domain.Amount(req.TotalCount) {
		return "", domain.Invalid("total_amount must cover at least one unit per claimant")
	}
	if mode == domain.ModeExclusive {
		if req.TotalCount != 1 {
			return "", domain.Invalid("exclusive packets have exactly one claimant")
		}
		if req.ExclusiveRecipient == nil || strings.TrimSpace(req.ExclusiveRecipient.ID) == "" {
			return "", domain.Invalid("exclusive packets require a recipient")
		}
		if req.ExclusiveRecipient.Same(req.Sender) {
			return "", domain.Invalid("exclusive recipient cannot be the sender")
		}
	} else if req.ExclusiveRecipient != nil {
		return "", domain.Invalid("only exclusive packets take a recipient")
	}
	if req.MinEligibilityScore != nil && *req.MinEligibilityScore < 0 {
		return "", domain.Invalid("min_eligibility_score cannot be negative")
	}
	if utf8.RuneCountInString(req.Message) > MaxMessageLength {
		return "", domain.Invalid(fmt.Sprintf("message exceeds %d characters", MaxMessageLength))
	}
	return mode, nil
}

// CreatePacket validates req and stores a new active packet.
func (s *Service) CreatePacket(ctx context.Context, req domain.CreatePacketRequest) (*domain.Packet, error) {
	mode, err := s.validateCreate(req)
	if err != nil {
		return nil, err
	}

	packetID := req.PacketID
	switch {
	case strings.TrimSpace(packetID) != "":
		if packetID, err = NormalizePacketID(packetID); err != nil {
			return nil, err
		}
	case strings.TrimSpace(req.DepositRef) != "":
		packetID = DepositPacketID(req.Sender.ID, req.DepositRef)
	default:
		if packetID, err = s.newPacketID(); err != nil {
			return nil, err
		}
	}

	now := s.lifecycle.Now()
	p := &domain.Packet{
		ID:                  packetID,
		Sender:              req.Sender,
		Mode:                mode,
		TotalAmount:         req.TotalAmount,
		RemainingAmount:     req.TotalAmount,
		TotalCount:          req.TotalCount,
		RemainingCount:      req.TotalCount,
		Claims:              []domain.Claim{},
		CreatedAt:           now,
		ExpiresAt:           s.lifecycle.ExpiresAt(now),
		Status:              domain.StatusActive,
		ExclusiveRecipient:  req.ExclusiveRecipient,
		MinEligibilityScore: req.MinEligibilityScore,
		DepositRef:          strings.TrimSpace(req.DepositRef),
		Message:             strings.TrimSpace(req.Message),
	}

	if err := s.repo.InsertPacket(ctx, p, now.Add(s.lifecycle.Retention())); err != nil {
		if errors.Is(err, store.ErrPacketExists) {
			return nil, domain.WrapError(domain.KindInvalidRequest, "packet already exists", err)
		}
		return nil, fmt.Errorf("failed to store packet: %w", err)
	}
	metrics.PacketsCreated.WithLabelValues(string(mode)).Inc()
	log.Printf("level=info component=service flow=create msg=\"packet created\" packet_id=%s sender_id=%s mode=%s total_amount=%s total_count=%d", p.ID, p.Sender.ID, p.Mode, p.TotalAmount, p.TotalCount)

	if err := s.repo.AddToHistory(ctx, p.Sender.ID, domain.RoleSender, p.ID); err != nil {
		log.Printf("level=warn component=service flow=create msg=\"sender history write failed\" packet_id=%s sender_id=%s err=%v", p.ID, p.Sender.ID, err)
	}
	if p.IsPublic() {
		s.recordActivity(ctx, domain.ActivityEntry{
			Type:       domain.ActivityCreated,
			PacketID:   p.ID,
			Mode:       p.Mode,
			Actor:      p.Sender,
			Amount:     p.TotalAmount,
			OccurredAt: now,
		})
	}
	s.publish(ctx, rabbitmq.RoutingKeyPacketCreated, domain.PacketCreatedEvent{
		EventID:     uuid.New(),
		PacketID:    p.ID,
		Sender:      p.Sender,
		Mode:        p.Mode,
		TotalAmount: p.TotalAmount,
		TotalCount:  p.TotalCount,
		ExpiresAt:   p.ExpiresAt,
		OccurredAt:  now,
	})

	return p, nil
}

func (s *Service) loadPacket(ctx context.Context, packetID string) (*domain.Packet, error) {
	id := strings.ToLower(strings.TrimSpace(packetID))
	if id == "" {
		return nil, domain.Invalid("packet id is required")
	}
	p, err := s.repo.GetPacket(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrPacketNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load packet: %w", err)
	}
	return p, nil
}

// GetStatus returns the packet with its status derived at read time.
func (s *Service) GetStatus(ctx context.Context, packetID string) (*domain.Packet, error) {
	p, err := s.loadPacket(ctx, packetID)
	if err != nil {
		return nil, err
	}
	return s.lifecycle.Refresh(p), nil
}

// ListByOwner pages through the packets an identity sent or claimed, newest
// first.
func (s *Service) ListByOwner(ctx context.Context, identityID string, role domain.ListRole, offset, limit int) (*domain.PacketPage, error) {
	if strings.TrimSpace(identityID) == "" {
		return nil, domain.Invalid("identity id is required")
	}
	if role != domain.RoleSender && role != domain.RoleClaimant {
		return nil, domain.Invalid(fmt.Sprintf("unknown list role %q", role))
	}
	offset, limit = store.NormalizePage(offset, limit)

	packets, hasMore, err := s.repo.ListPacketsByOwner(ctx, identityID, role, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list packets: %w", err)
	}
	if packets == nil {
		packets = []*domain.Packet{}
	}
	return &domain.PacketPage{
		Packets: s.lifecycle.RefreshAll(packets),
		Offset:  offset,
		Limit:   limit,
		HasMore: hasMore,
	}, nil
}

// ListPublic returns the most recent active non-exclusive packets.
func (s *Service) ListPublic(ctx context.Context, limit int) ([]*domain.Packet, error) {
	if limit <= 0 || limit > DefaultPublicListSize {
		limit = DefaultPublicListSize
	}
	packets, err := s.repo.ListPublicPackets(ctx, s.lifecycle.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list public packets: %w", err)
	}
	if packets == nil {
		packets = []*domain.Packet{}
	}
	return s.lifecycle.RefreshAll(packets), nil
}

// RecentActivity returns the newest activity feed entries.
func (s *Service) RecentActivity(ctx context.Context, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 || limit > s.opts.ActivityFeedSize {
		limit = s.opts.ActivityFeedSize
	}
	entries, err := s.feed.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read activity feed: %w", err)
	}
	if entries == nil {
		entries = []domain.ActivityEntry{}
	}
	return entries, nil
}
