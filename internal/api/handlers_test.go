package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/roomfund/payout-service/internal/app"
	"github.com/roomfund/payout-service/internal/domain"
	"github.com/roomfund/payout-service/internal/store"
)

type handlerRepoStub struct {
	store.Repository

	entry       *domain.PayoutLedgerEntry
	entryErr    error
	finalizeErr error
	insertErr   error
	seen        map[string]bool
}

func (s *handlerRepoStub) FindLedgerEntryByID(ctx context.Context, ledgerID uuid.UUID) (*domain.PayoutLedgerEntry, error) {
	if s.entryErr != nil {
		return nil, s.entryErr
	}
	if s.entry == nil {
		return nil, store.ErrLedgerEntryNotFound
	}
	return s.entry, nil
}

func (s *handlerRepoStub) FindDefaultPayoutAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.PayoutAccount, error) {
	return nil, store.ErrNoDefaultAccount
}

func (s *handlerRepoStub) FinalizeLedgerEntry(ctx context.Context, ledgerID uuid.UUID, status string, method, note *string) (*domain.PayoutLedgerEntry, error) {
	if s.finalizeErr != nil {
		return nil, s.finalizeErr
	}
	updated := *s.entry
	updated.Status = status
	return &updated, nil
}

func (s *handlerRepoStub) InsertWebhookEventIfAbsent(ctx context.Context, eventID, eventType string) (bool, error) {
	if s.insertErr != nil {
		return false, s.insertErr
	}
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	if s.seen[eventID] {
		return false, nil
	}
	s.seen[eventID] = true
	return true, nil
}

func newTestRouter(repo store.Repository, adminSecret string) http.Handler {
	service := app.NewService(repo, nil, nil, nil, adminSecret, "JPY", "")
	intake := app.NewPaymentEventIntake(repo, service)
	handlers := NewPayoutHandlers(service, intake)
	return PayoutRoutes(handlers, "", "test-internal-key")
}

func postJSON(t *testing.T, router http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSettleHandler_CredentialMismatchIsForbidden(t *testing.T) {
	repo := &handlerRepoStub{entry: &domain.PayoutLedgerEntry{
		ID:     uuid.New(),
		Status: domain.LedgerStatusRequested,
	}}
	router := newTestRouter(repo, "correct-secret")

	rec := postJSON(t, router, "/requests/"+repo.entry.ID.String()+"/settle",
		`{"status":"settled","admin_credential":"wrong-secret!!"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSettleHandler_UnconfiguredSecretIsUnavailable(t *testing.T) {
	repo := &handlerRepoStub{entry: &domain.PayoutLedgerEntry{
		ID:     uuid.New(),
		Status: domain.LedgerStatusRequested,
	}}
	router := newTestRouter(repo, "")

	rec := postJSON(t, router, "/requests/"+repo.entry.ID.String()+"/settle",
		`{"status":"settled","admin_credential":""}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSettleHandler_AcceptsCredentialHeader(t *testing.T) {
	repo := &handlerRepoStub{entry: &domain.PayoutLedgerEntry{
		ID:     uuid.New(),
		Status: domain.LedgerStatusRequested,
	}}
	router := newTestRouter(repo, "correct-secret")

	rec := postJSON(t, router, "/requests/"+repo.entry.ID.String()+"/settle",
		`{"status":"canceled"}`, map[string]string{"X-Admin-Credential": "correct-secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Entry domain.PayoutLedgerEntry `json:"entry"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Entry.Status != domain.LedgerStatusCanceled {
		t.Fatalf("expected canceled entry, got %q", resp.Entry.Status)
	}
}

func TestSettleHandler_FinalizedEntryIsConflict(t *testing.T) {
	repo := &handlerRepoStub{entry: &domain.PayoutLedgerEntry{
		ID:     uuid.New(),
		Status: domain.LedgerStatusSettled,
	}}
	router := newTestRouter(repo, "correct-secret")

	rec := postJSON(t, router, "/requests/"+repo.entry.ID.String()+"/settle",
		`{"status":"failed","admin_credential":"correct-secret"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSettleHandler_UnknownEntryIsNotFound(t *testing.T) {
	router := newTestRouter(&handlerRepoStub{}, "correct-secret")

	rec := postJSON(t, router, "/requests/"+uuid.NewString()+"/settle",
		`{"status":"settled","admin_credential":"correct-secret"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSettleHandler_InvalidStatusIsBadRequest(t *testing.T) {
	repo := &handlerRepoStub{entry: &domain.PayoutLedgerEntry{
		ID:     uuid.New(),
		Status: domain.LedgerStatusRequested,
	}}
	router := newTestRouter(repo, "correct-secret")

	rec := postJSON(t, router, "/requests/"+repo.entry.ID.String()+"/settle",
		`{"status":"refunded","admin_credential":"correct-secret"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookEventHandler_RequiresInternalKey(t *testing.T) {
	router := newTestRouter(&handlerRepoStub{}, "correct-secret")

	rec := postJSON(t, router, "/webhooks/events",
		`{"event_id":"evt_1","event_type":"transfer.settled"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without internal key, got %d", rec.Code)
	}
}

func TestWebhookEventHandler_DuplicateDeliveryIsSuccess(t *testing.T) {
	router := newTestRouter(&handlerRepoStub{}, "correct-secret")
	headers := map[string]string{"X-Internal-API-Key": "test-internal-key"}
	body := `{"event_id":"evt_1","event_type":"transfer.settled"}`

	first := postJSON(t, router, "/webhooks/events", body, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200 for first delivery, got %d: %s", first.Code, first.Body.String())
	}
	var firstResult domain.AdmissionResult
	if err := json.Unmarshal(first.Body.Bytes(), &firstResult); err != nil {
		t.Fatalf("failed to decode first response: %v", err)
	}
	if !firstResult.Accepted || firstResult.Duplicate {
		t.Fatalf("expected first delivery accepted, got %+v", firstResult)
	}

	second := postJSON(t, router, "/webhooks/events", body, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate delivery, got %d: %s", second.Code, second.Body.String())
	}
	var secondResult domain.AdmissionResult
	if err := json.Unmarshal(second.Body.Bytes(), &secondResult); err != nil {
		t.Fatalf("failed to decode second response: %v", err)
	}
	if secondResult.Accepted || !secondResult.Duplicate {
		t.Fatalf("expected duplicate reported, got %+v", secondResult)
	}
}

func TestWebhookEventHandler_MissingEventIDIsBadRequest(t *testing.T) {
	router := newTestRouter(&handlerRepoStub{}, "correct-secret")

	rec := postJSON(t, router, "/webhooks/events",
		`{"event_type":"transfer.settled"}`, map[string]string{"X-Internal-API-Key": "test-internal-key"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without event id, got %d", rec.Code)
	}
}

func TestWebhookEventHandler_UnreachableStoreIsUnavailable(t *testing.T) {
	repo := &handlerRepoStub{insertErr: store.ErrStoreUnreachable}
	router := newTestRouter(repo, "correct-secret")

	rec := postJSON(t, router, "/webhooks/events",
		`{"event_id":"evt_1","event_type":"transfer.settled"}`, map[string]string{"X-Internal-API-Key": "test-internal-key"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for unreachable store, got %d", rec.Code)
	}
}

func TestWebhookEventHandler_BackendRejectionKeepsMessage(t *testing.T) {
	repo := &handlerRepoStub{insertErr: &store.RejectedError{
		SQLState: "42P01",
		Message:  `relation "webhook_events" does not exist`,
	}}
	router := newTestRouter(repo, "correct-secret")

	rec := postJSON(t, router, "/webhooks/events",
		`{"event_id":"evt_1","event_type":"transfer.settled"}`, map[string]string{"X-Internal-API-Key": "test-internal-key"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for backend rejection, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `relation \"webhook_events\" does not exist`) {
		t.Fatalf("expected backend message surfaced unmodified, got %s", rec.Body.String())
	}
}
