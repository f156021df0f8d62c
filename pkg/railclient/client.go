/**
 * @description
 * This package provides a client for interacting with the payment rail API.
 * It encapsulates the logic for making authenticated HTTP requests to the rail's
 * endpoints, handling request body construction, and parsing responses.
 *
 * Error handling distinguishes two failure shapes: the rail received the call
 * and rejected it (an *APIError carrying the rail's own title and detail,
 * unmodified), and the call never reached the rail (wrapped in ErrUnreachable).
 * Callers must never see a silently discarded backend message.
 *
 * @dependencies
 * - bytes, context, encoding/json, errors, fmt, io, net/http, time: Standard Go libraries.
 */
package railclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// ErrUnreachable marks transport-level failures where the rail never received
// the request. Callers may retry; nothing was committed on the rail side.
var ErrUnreachable = errors.New("payment rail unreachable")

// Client is a client for the payment rail API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment rail API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// OnboardingLinkRequest is the payload for creating a connected-account
// onboarding session on the rail.
type OnboardingLinkRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			OwnerRef  string `json:"ownerRef"`
			ReturnURL string `json:"returnUrl"`
		} `json:"attributes"`
	} `json:"data"`
}

// OnboardingLinkResponse is the rail's response to an onboarding session request:
// a redirect URL for the user plus the external reference of the account being onboarded.
type OnboardingLinkResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			RedirectURL string `json:"redirectUrl"`
			AccountRef  string `json:"accountRef"`
		} `json:"attributes"`
	} `json:"data"`
}

// TransferStatusResponse is the rail's view of one outbound transfer.
type TransferStatusResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status string `json:"status"`
			Amount int64  `json:"amount"`
		} `json:"attributes"`
	} `json:"data"`
}

// APIError represents an error envelope returned by the rail API.
type APIError struct {
	StatusCode int
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("rail api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("rail api error: status %d", e.StatusCode)
}

// CreateOnboardingLink asks the rail for a connected-account onboarding session
// for the given owner. The caller redirects the user to RedirectURL and later
// registers the returned AccountRef as a connected payout account.
func (c *Client) CreateOnboardingLink(ctx context.Context, ownerRef, returnURL string) (*OnboardingLinkResponse, error) {
	reqPayload := OnboardingLinkRequest{}
	reqPayload.Data.Type = "OnboardingSession"
	reqPayload.Data.Attributes.OwnerRef = ownerRef
	reqPayload.Data.Attributes.ReturnURL = returnURL

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal onboarding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/onboarding-sessions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create onboarding request: %w", err)
	}
	c.setHeaders(req)

	respBody, apiErr, err := c.do(req, "create_onboarding_link")
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return nil, apiErr
	}

	var successResp OnboardingLinkResponse
	if err := json.Unmarshal(respBody, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode onboarding response: %w", err)
	}
	return &successResp, nil
}

// GetTransferStatus fetches the rail's view of a transfer. Used by operators to
// cross-check a ledger entry before settlement; the ledger stays authoritative.
func (c *Client) GetTransferStatus(ctx context.Context, transferRef string) (*TransferStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/api/v1/transfers/"+transferRef, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer status request: %w", err)
	}
	c.setHeaders(req)

	respBody, apiErr, err := c.do(req, "get_transfer_status")
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return nil, apiErr
	}

	var statusResp TransferStatusResponse
	if err := json.Unmarshal(respBody, &statusResp); err != nil {
		return nil, fmt.Errorf("failed to decode transfer status response: %w", err)
	}
	return &statusResp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-rail-key", c.APIKey)
}

// do executes the request and splits the outcome three ways: transport failure
// (ErrUnreachable-wrapped), rail rejection (*APIError with the backend envelope
// preserved), or the raw success body.
func (c *Client) do(req *http.Request, op string) ([]byte, *APIError, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w: %v", op, ErrUnreachable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: failed to read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil || len(apiErr.Errors) == 0 {
			// Keep the raw body so the backend message still reaches the caller.
			log.Printf("level=warn component=rail_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			apiErr.Errors = append(apiErr.Errors, struct {
				Title  string `json:"title"`
				Detail string `json:"detail"`
				Status string `json:"status"`
			}{Title: "unparsable error body", Detail: strings.TrimSpace(string(bodyBytes))})
			return nil, apiErr, nil
		}
		log.Printf("level=warn component=rail_client op=%s status=%d title=%q detail=%q", op, resp.StatusCode, apiErr.Errors[0].Title, apiErr.Errors[0].Detail)
		return nil, apiErr, nil
	}

	return bodyBytes, nil, nil
}
