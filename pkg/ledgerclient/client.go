/**
 * @description
 * This package provides a client for the settlement ledger. It submits claim
 * payouts and looks up earlier settlements for a (packet, recipient) pair so
 * the coordinator can detect duplicate submissions and resolve ambiguous
 * transfer outcomes.
 *
 * @notes
 * - Every transfer carries an `Idempotency-Key` of `packetID:address`; the
 *   ledger must return the original settlement for a repeated key.
 * - A 4xx response with an error body is a definitive rejection. Timeouts,
 *   transport failures and 5xx responses are ambiguous: the payout may have
 *   happened.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a client for the ledger API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new ledger API client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// TransferRequest is the payload for a claim payout.
type TransferRequest struct {
	PacketID         string `json:"packet_id"`
	RecipientAddress string `json:"recipient_address"`
	Amount           string `json:"amount"`
}

// TransferResponse is returned from the transfer and lookup endpoints.
type TransferResponse struct {
	Data struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		PacketID         string `json:"packet_id"`
		RecipientAddress string `json:"recipient_address"`
		Amount           string `json:"amount"`
	} `json:"data"`
}

// Settlement is a payout the ledger has recorded.
type Settlement struct {
	Ref    string
	Amount int64
}

// ErrorResponse represents an error from the ledger API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Code   string `json:"code"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("ledger api error (status %d): %s - %s", e.StatusCode, e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("unknown ledger api error (status %d)", e.StatusCode)
}

// IsExplicitRejection reports whether the ledger definitively refused the
// transfer, meaning no value moved.
func (e *ErrorResponse) IsExplicitRejection() bool {
	return e != nil && e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests
}

// IsDefinitiveRejection reports whether err is an explicit ledger rejection.
// Any other error leaves the transfer outcome unknown.
func IsDefinitiveRejection(err error) bool {
	var errResp *ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.IsExplicitRejection()
	}
	return false
}

// IdempotencyKey returns the deduplication key for a payout.
func IdempotencyKey(packetID, address string) string {
	return strings.TrimSpace(packetID) + ":" + strings.ToLower(strings.TrimSpace(address))
}

// Transfer submits a payout and returns the ledger settlement reference.
func (c *Client) Transfer(ctx context.Context, packetID, address string, amount int64) (string, error) {
	payload := TransferRequest{
		PacketID:         packetID,
		RecipientAddress: address,
		Amount:           strconv.FormatInt(amount, 10),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/transfers", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", IdempotencyKey(packetID, address))

	resp, err := c.do(req, "transfer")
	if err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", errors.New("ledger transfer response is missing a settlement id")
	}
	return resp.Data.ID, nil
}

// Lookup finds an earlier settlement for packetID and address.
func (c *Client) Lookup(ctx context.Context, packetID, address string) (Settlement, bool, error) {
	query := url.Values{}
	query.Set("packet_id", packetID)
	query.Set("recipient_address", address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/transfers?"+query.Encode(), nil)
	if err != nil {
		return Settlement{}, false, fmt.Errorf("failed to create lookup request: %w", err)
	}

	resp, err := c.do(req, "lookup")
	if err != nil {
		var errResp *ErrorResponse
		if errors.As(err, &errResp) && errResp.StatusCode == http.StatusNotFound {
			return Settlement{}, false, nil
		}
		return Settlement{}, false, err
	}
	if resp.Data.ID == "" {
		return Settlement{}, false, nil
	}
	amount, err := strconv.ParseInt(strings.TrimSpace(resp.Data.Amount), 10, 64)
	if err != nil || amount <= 0 {
		return Settlement{}, false, fmt.Errorf("ledger settlement %s has invalid amount %q", resp.Data.ID, resp.Data.Amount)
	}
	return Settlement{Ref: resp.Data.ID, Amount: amount}, true, nil
}

func (c *Client) do(req *http.Request, op string) (*TransferResponse, error) {
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.APIKey))
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil || len(errResp.Errors) == 0 {
			log.Printf("level=warn component=ledger_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			if resp.StatusCode == http.StatusNotFound {
				return nil, &ErrorResponse{StatusCode: resp.StatusCode}
			}
			// Without an error body the outcome cannot be trusted as a rejection.
			return nil, fmt.Errorf("failed to decode %s error response (status %d)", op, resp.StatusCode)
		}
		errResp.StatusCode = resp.StatusCode
		log.Printf("level=warn component=ledger_client op=%s status=%d title=%q detail=%q", op, resp.StatusCode, firstErrorTitle(errResp), firstErrorDetail(errResp))
		return nil, &errResp
	}

	var successResp TransferResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return &successResp, nil
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
