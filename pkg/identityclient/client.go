/**
 * @description
 * This package provides a client for communicating with the identity service.
 * It encapsulates the logic for resolving an external auth subject (e.g. the
 * `sub` claim of a validated JWT) to the internal owner UUID our repositories
 * operate on.
 */
package identityclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrOwnerNotResolved is returned when the identity service does not know the
// given subject. Callers treat this as an authorization failure.
var ErrOwnerNotResolved = errors.New("owner identity not resolved")

// Client is a client for the identity service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new identity service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// resolveOwnerResponse defines the response from the identity service.
type resolveOwnerResponse struct {
	OwnerID string `json:"owner_id"`
}

// ResolveOwnerID resolves an external auth subject to the internal owner UUID.
func (c *Client) ResolveOwnerID(ctx context.Context, subject string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("identity service base url is empty")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", ErrOwnerNotResolved
	}

	endpoint := fmt.Sprintf("%s/internal/identities/%s", c.baseURL, url.PathEscape(subject))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request to identity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrOwnerNotResolved
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("identity service returned error status %d", resp.StatusCode)
	}

	var response resolveOwnerResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if strings.TrimSpace(response.OwnerID) == "" {
		return "", ErrOwnerNotResolved
	}

	return response.OwnerID, nil
}
