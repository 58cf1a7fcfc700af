/**
 * @description
 * This package provides a client for the identity directory. The packet
 * service only needs one thing from it: the reputation score used by the
 * minimum-score eligibility rule.
 */
package directoryclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the identity directory.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new directory client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// ScoreResponse is the directory's reputation payload.
type ScoreResponse struct {
	IdentityID string   `json:"identity_id"`
	Score      *float64 `json:"score"`
}

// ScoreOf fetches the reputation score for identityID. ok is false when the
// directory knows the identity but has no score for it, or does not know the
// identity at all.
func (c *Client) ScoreOf(ctx context.Context, identityID string) (float64, bool, error) {
	if c.baseURL == "" {
		return 0, false, fmt.Errorf("directory base url is empty")
	}

	endpoint := fmt.Sprintf("%s/v1/identities/%s/score", c.baseURL, url.PathEscape(identityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("failed to execute request to directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, false, nil
	}
	if resp.StatusCode >= 400 {
		log.Printf("level=warn component=directory_client op=score identity_id=%s status=%d", identityID, resp.StatusCode)
		return 0, false, fmt.Errorf("directory returned error status %d", resp.StatusCode)
	}

	var response ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, false, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Score == nil {
		return 0, false, nil
	}
	return *response.Score, true, nil
}
