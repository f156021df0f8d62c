package railclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateOnboardingLink_ParsesSuccessEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/onboarding-sessions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("x-rail-key"); got != "test-key" {
			t.Errorf("expected api key header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"id":"obs_123","type":"OnboardingSession","attributes":{"redirectUrl":"https://rail.example/onboard/obs_123","accountRef":"acct_ext_001"}}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	resp, err := client.CreateOnboardingLink(context.Background(), "owner_1", "https://app.example/return")
	if err != nil {
		t.Fatalf("CreateOnboardingLink returned error: %v", err)
	}
	if resp.Data.Attributes.RedirectURL != "https://rail.example/onboard/obs_123" {
		t.Fatalf("unexpected redirect url %q", resp.Data.Attributes.RedirectURL)
	}
	if resp.Data.Attributes.AccountRef != "acct_ext_001" {
		t.Fatalf("unexpected account ref %q", resp.Data.Attributes.AccountRef)
	}
}

func TestCreateOnboardingLink_SurfacesBackendErrorDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"errors":[{"title":"Validation Error","detail":"ownerRef is not eligible for onboarding","status":"422"}]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	_, err := client.CreateOnboardingLink(context.Background(), "owner_1", "https://app.example/return")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", apiErr.StatusCode)
	}
	if len(apiErr.Errors) == 0 || apiErr.Errors[0].Detail != "ownerRef is not eligible for onboarding" {
		t.Fatalf("expected backend detail preserved verbatim, got %+v", apiErr.Errors)
	}
	if errors.Is(err, ErrUnreachable) {
		t.Fatal("a rejection must not be classified as unreachable")
	}
}

func TestCreateOnboardingLink_KeepsUnparsableErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream exploded")
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	_, err := client.CreateOnboardingLink(context.Background(), "owner_1", "https://app.example/return")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if len(apiErr.Errors) == 0 || apiErr.Errors[0].Detail != "upstream exploded" {
		t.Fatalf("expected raw body carried as detail, got %+v", apiErr.Errors)
	}
}

func TestCreateOnboardingLink_TransportFailureIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	client := NewClient(server.URL, "test-key")
	_, err := client.CreateOnboardingLink(context.Background(), "owner_1", "https://app.example/return")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable for a refused connection, got %v", err)
	}
}

func TestGetTransferStatus_ParsesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/transfers/trf_9" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"id":"trf_9","type":"Transfer","attributes":{"status":"completed","amount":50000}}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	resp, err := client.GetTransferStatus(context.Background(), "trf_9")
	if err != nil {
		t.Fatalf("GetTransferStatus returned error: %v", err)
	}
	if resp.Data.Attributes.Status != "completed" {
		t.Fatalf("unexpected transfer status %q", resp.Data.Attributes.Status)
	}
	if resp.Data.Attributes.Amount != 50000 {
		t.Fatalf("unexpected transfer amount %d", resp.Data.Attributes.Amount)
	}
}
