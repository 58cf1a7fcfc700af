/**
 * @description
 * This file contains the HTTP handlers for the packet-service's API endpoints.
 * Handlers parse the request, call the application service and write the
 * JSON response. Every service error is mapped to a status in statusForError.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For route parameters.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/packet-service/internal/app"
	"github.com/transfa/packet-service/internal/domain"
	"github.com/transfa/packet-service/internal/store"
)

// PacketHandlers holds the application service that handlers will use.
type PacketHandlers struct {
	service *app.Service
}

// NewPacketHandlers creates a new instance of PacketHandlers.
func NewPacketHandlers(service *app.Service) *PacketHandlers {
	return &PacketHandlers{service: service}
}

type claimRequest struct {
	Claimant domain.Identity `json:"claimant"`
}

type pendingClaimResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HealthHandler reports whether the packet store is reachable.
func (h *PacketHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		log.Printf("level=warn component=api endpoint=health outcome=unhealthy err=%v", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("healthy"))
}

// CreatePacketHandler creates a packet funded by the authenticated sender.
func (h *PacketHandlers) CreatePacketHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get identity from context")
		return
	}

	var req domain.CreatePacketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Sender.ID) == "" {
		req.Sender.ID = callerID
	}
	if req.Sender.ID != callerID {
		log.Printf("level=warn component=api endpoint=create_packet outcome=reject reason=sender_mismatch caller_id=%s sender_id=%s", callerID, req.Sender.ID)
		writeError(w, http.StatusForbidden, "Sender must be the authenticated caller")
		return
	}
	if strings.TrimSpace(req.DepositRef) == "" {
		writeError(w, http.StatusBadRequest, "deposit_ref is required")
		return
	}

	p, err := h.service.CreatePacket(r.Context(), req)
	if err != nil {
		writeServiceError(w, "create_packet", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ClaimPacketHandler claims one share of a packet for the authenticated caller.
func (h *PacketHandlers) ClaimPacketHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get identity from context")
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Claimant.ID) == "" {
		req.Claimant.ID = callerID
	}
	if req.Claimant.ID != callerID {
		log.Printf("level=warn component=api endpoint=claim_packet outcome=reject reason=claimant_mismatch caller_id=%s claimant_id=%s", callerID, req.Claimant.ID)
		writeError(w, http.StatusForbidden, "Claimant must be the authenticated caller")
		return
	}

	packetID := chi.URLParam(r, "packet_id")
	resp, err := h.service.ClaimPacket(r.Context(), domain.ClaimPacketRequest{PacketID: packetID, Claimant: req.Claimant})
	if err != nil {
		if errors.Is(err, domain.ErrSettlementUnconfirmed) {
			writeJSON(w, http.StatusAccepted, pendingClaimResponse{
				Status:  "pending_reconciliation",
				Message: "Payout outcome is being confirmed; check the packet status later.",
			})
			return
		}
		writeServiceError(w, "claim_packet", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPacketHandler returns a packet with its derived status.
func (h *PacketHandlers) GetPacketHandler(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetStatus(r.Context(), chi.URLParam(r, "packet_id"))
	if err != nil {
		writeServiceError(w, "get_packet", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListUserPacketsHandler pages through the packets an identity sent or claimed.
func (h *PacketHandlers) ListUserPacketsHandler(w http.ResponseWriter, r *http.Request) {
	role, ok := domain.ParseListRole(r.URL.Query().Get("role"))
	if !ok {
		writeError(w, http.StatusBadRequest, "role must be sent or claimed")
		return
	}
	offset, ok := queryInt(r, "offset")
	if !ok {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	page, err := h.service.ListByOwner(r.Context(), chi.URLParam(r, "identity_id"), role, offset, limit)
	if err != nil {
		writeServiceError(w, "list_user_packets", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ListPlazaHandler lists the newest active public packets.
func (h *PacketHandlers) ListPlazaHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	packets, err := h.service.ListPublic(r.Context(), limit)
	if err != nil {
		writeServiceError(w, "list_plaza", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"packets": packets})
}

// ListActivityHandler returns the plaza activity feed.
func (h *PacketHandlers) ListActivityHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	entries, err := h.service.RecentActivity(r.Context(), limit)
	if err != nil {
		writeServiceError(w, "list_activity", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"activity": entries})
}

// DepositHookHandler creates a packet from a confirmed deposit. Repeated
// calls for the same packet return the stored packet.
func (h *PacketHandlers) DepositHookHandler(w http.ResponseWriter, r *http.Request) {
	var event domain.DepositConfirmedEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(event.PacketID) == "" {
		writeError(w, http.StatusBadRequest, "packet_id is required")
		return
	}

	p, err := h.service.CreatePacket(r.Context(), event.CreateRequest())
	if errors.Is(err, store.ErrPacketExists) {
		existing, getErr := h.service.GetStatus(r.Context(), event.PacketID)
		if getErr != nil {
			writeServiceError(w, "deposit_hook", getErr)
			return
		}
		writeJSON(w, http.StatusOK, existing)
		return
	}
	if err != nil {
		log.Printf("level=warn component=api endpoint=deposit_hook outcome=failed packet_id=%s deposit_ref=%s err=%v", event.PacketID, event.DepositRef, err)
		writeServiceError(w, "deposit_hook", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func queryInt(r *http.Request, key string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// statusForError maps a service error to its HTTP status.
func statusForError(err error) int {
	if errors.Is(err, store.ErrPacketExists) {
		return http.StatusConflict
	}
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindAlreadyExpired:
		return http.StatusGone
	case domain.KindFullyClaimed, domain.KindAlreadyClaimed:
		return http.StatusConflict
	case domain.KindNotEligible:
		return http.StatusForbidden
	case domain.KindScoreUnavailable, domain.KindPacketBusy:
		return http.StatusServiceUnavailable
	case domain.KindSettlementFailed:
		return http.StatusBadGateway
	case domain.KindSettlementUnconfirmed:
		return http.StatusAccepted
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status := statusForError(err)

	var rl *app.RateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds))
	} else if domain.KindOf(err) == domain.KindPacketBusy {
		w.Header().Set("Retry-After", "1")
	}

	var derr *domain.Error
	if !errors.As(err, &derr) {
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failed kind=%s err=%v", endpoint, derr.Kind, err)
	} else {
		log.Printf("level=info component=api endpoint=%s outcome=reject kind=%s err=%v", endpoint, derr.Kind, err)
	}

	msg := derr.Message
	if msg == "" {
		msg = string(derr.Kind)
	}
	writeJSONWithKind(w, status, msg, derr.Kind)
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONWithKind(w http.ResponseWriter, status int, message string, kind domain.ErrorKind) {
	writeJSON(w, status, map[string]string{"error": message, "kind": string(kind)})
}
