/**
 * @description
 * This file contains the HTTP handlers for the payout-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 * - pkg/railclient: For payment rail error envelopes.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/roomfund/payout-service/internal/app"
	"github.com/roomfund/payout-service/internal/domain"
	"github.com/roomfund/payout-service/internal/store"
	"github.com/roomfund/payout-service/pkg/railclient"
)

// PayoutHandlers holds the application service and intake that handlers will use.
type PayoutHandlers struct {
	service *app.Service
	intake  *app.PaymentEventIntake
}

// NewPayoutHandlers creates a new instance of PayoutHandlers.
func NewPayoutHandlers(service *app.Service, intake *app.PaymentEventIntake) *PayoutHandlers {
	return &PayoutHandlers{service: service, intake: intake}
}

// registerAccountResponse is returned after a payout account is registered.
type registerAccountResponse struct {
	AccountID string                `json:"account_id"`
	Account   *domain.PayoutAccount `json:"account"`
}

// onboardingLinkResponse is returned after a rail onboarding session is created.
type onboardingLinkResponse struct {
	RedirectURL string `json:"redirect_url"`
	ExternalRef string `json:"external_ref"`
}

// ledgerEntryResponse is returned by payout ledger operations.
type ledgerEntryResponse struct {
	LedgerID string                    `json:"ledger_id"`
	Entry    *domain.PayoutLedgerEntry `json:"entry"`
}

// WebhookEventHandler admits an inbound payment-event notification. A duplicate
// delivery is a successful response with duplicate=true, never an error.
func (h *PayoutHandlers) WebhookEventHandler(w http.ResponseWriter, r *http.Request) {
	var event domain.PaymentEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		log.Printf("level=warn component=api endpoint=webhook_event outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	result, err := h.intake.AdmitFromHTTP(r.Context(), event)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrMissingEventID):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrRateLimited):
			h.writeError(w, http.StatusTooManyRequests, "Webhook intake throttled. Retry later; admission is idempotent.")
		default:
			h.respondServiceError(w, "webhook_event", err)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// RegisterAccountHandler registers a new payout destination for the caller.
func (h *PayoutHandlers) RegisterAccountHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.resolveOwner(w, r, "register_account")
	if !ok {
		return
	}

	var req domain.RegisterAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=register_account outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	account, err := h.service.RegisterAccount(r.Context(), ownerID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=register_account outcome=failed owner_id=%s err=%v", ownerID, err)
		switch {
		case errors.Is(err, app.ErrInvalidMethod),
			errors.Is(err, app.ErrMissingBankName),
			errors.Is(err, app.ErrInvalidAccountLast4),
			errors.Is(err, app.ErrMissingExternalRef),
			errors.Is(err, app.ErrInvalidAccountStatus):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrDefaultAccountConflict):
			h.writeError(w, http.StatusConflict, "Another default account was set concurrently. Please retry.")
		default:
			h.respondServiceError(w, "register_account", err)
		}
		return
	}

	log.Printf("level=info component=api endpoint=register_account outcome=created account_id=%s owner_id=%s", account.ID, ownerID)
	h.writeJSON(w, http.StatusCreated, registerAccountResponse{AccountID: account.ID.String(), Account: account})
}

// ListAccountsHandler lists the caller's payout accounts, default first.
func (h *PayoutHandlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.resolveOwner(w, r, "list_accounts")
	if !ok {
		return
	}

	accounts, err := h.service.ListAccounts(r.Context(), ownerID)
	if err != nil {
		h.respondServiceError(w, "list_accounts", err)
		return
	}
	if accounts == nil {
		accounts = []domain.PayoutAccount{}
	}
	h.writeJSON(w, http.StatusOK, accounts)
}

// GetDefaultAccountHandler returns the caller's default payout account.
func (h *PayoutHandlers) GetDefaultAccountHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.resolveOwner(w, r, "get_default_account")
	if !ok {
		return
	}

	account, err := h.service.GetDefaultAccount(r.Context(), ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNoDefaultAccount) {
			h.writeError(w, http.StatusNotFound, "No default payout account")
			return
		}
		h.respondServiceError(w, "get_default_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// DisableAccountHandler disables a payout account. Rows are never deleted.
func (h *PayoutHandlers) DisableAccountHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.resolveOwner(w, r, "disable_account")
	if !ok {
		return
	}

	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	account, err := h.service.DisableAccount(r.Context(), ownerID, accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Payout account not found")
			return
		}
		h.respondServiceError(w, "disable_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// OnboardingLinkHandler creates a connected-account onboarding session on the
// payment rail and returns the redirect URL plus the external account reference.
func (h *PayoutHandlers) OnboardingLinkHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.resolveOwner(w, r, "onboarding_link")
	if !ok {
		return
	}

	link, err := h.service.CreateOnboardingLink(r.Context(), ownerID)
	if err != nil {
		if errors.Is(err, app.ErrOnboardingUnavailable) {
			h.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.respondServiceError(w, "onboarding_link", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, onboardingLinkResponse{
		RedirectURL: link.Data.Attributes.RedirectURL,
		ExternalRef: link.Data.Attributes.AccountRef,
	})
}

// CreatePayoutRequestHandler records a payout request against a room's funds.
func (h *PayoutHandlers) CreatePayoutRequestHandler(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := h.resolveOwner(w, r, "create_payout_request")
	if !ok {
		return
	}

	var payload domain.CreatePayoutRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Printf("level=warn component=api endpoint=create_payout_request outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	entry, err := h.service.CreatePayoutRequest(r.Context(), requesterID, payload)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_payout_request outcome=failed requester_id=%s err=%v", requesterID, err)
		switch {
		case errors.Is(err, app.ErrInvalidAmount),
			errors.Is(err, app.ErrMissingRoomID),
			errors.Is(err, app.ErrInvalidMethod):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrRateLimited):
			h.writeError(w, http.StatusTooManyRequests, "Too many payout requests. Please wait and try again.")
		default:
			h.respondServiceError(w, "create_payout_request", err)
		}
		return
	}

	log.Printf("level=info component=api endpoint=create_payout_request outcome=created ledger_id=%s requester_id=%s amount=%d", entry.ID, requesterID, entry.Amount)
	h.writeJSON(w, http.StatusCreated, ledgerEntryResponse{LedgerID: entry.ID.String(), Entry: entry})
}

// GetPayoutRequestHandler returns one ledger entry.
func (h *PayoutHandlers) GetPayoutRequestHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.resolveOwner(w, r, "get_payout_request"); !ok {
		return
	}

	ledgerID, err := uuid.Parse(chi.URLParam(r, "ledgerID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid ledger id")
		return
	}

	entry, err := h.service.GetLedgerEntry(r.Context(), ledgerID)
	if err != nil {
		if errors.Is(err, store.ErrLedgerEntryNotFound) {
			h.writeError(w, http.StatusNotFound, "Payout ledger entry not found")
			return
		}
		h.respondServiceError(w, "get_payout_request", err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// ListPayoutRequestsHandler lists ledger entries, either by room (?room_id=) or
// the caller's own requests when no room is given.
func (h *PayoutHandlers) ListPayoutRequestsHandler(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := h.resolveOwner(w, r, "list_payout_requests")
	if !ok {
		return
	}

	limit := parseQueryInt(r, "limit", 50)
	offset := parseQueryInt(r, "offset", 0)

	var entries []domain.PayoutLedgerEntry
	var err error
	if roomID := strings.TrimSpace(r.URL.Query().Get("room_id")); roomID != "" {
		entries, err = h.service.ListLedgerEntriesByRoom(r.Context(), roomID, limit, offset)
	} else {
		entries, err = h.service.ListLedgerEntriesByRequester(r.Context(), requesterID, limit, offset)
	}
	if err != nil {
		h.respondServiceError(w, "list_payout_requests", err)
		return
	}
	if entries == nil {
		entries = []domain.PayoutLedgerEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// SettleHandler finalizes a ledger entry. This endpoint is not behind user auth;
// the admin credential presented in the body (or X-Admin-Credential header) is
// the sole authority, per the service's minimal-authority settlement design.
func (h *PayoutHandlers) SettleHandler(w http.ResponseWriter, r *http.Request) {
	ledgerID, err := uuid.Parse(chi.URLParam(r, "ledgerID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid ledger id")
		return
	}

	var payload domain.SettlePayoutPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Printf("level=warn component=api endpoint=settle outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if payload.AdminCredential == "" {
		payload.AdminCredential = strings.TrimSpace(r.Header.Get("X-Admin-Credential"))
	}

	entry, err := h.service.Settle(r.Context(), ledgerID, payload)
	if err != nil {
		log.Printf("level=warn component=api endpoint=settle outcome=failed ledger_id=%s err=%v", ledgerID, err)
		switch {
		case errors.Is(err, app.ErrAdminCredentialMismatch):
			h.writeError(w, http.StatusForbidden, "Admin credential does not match")
		case errors.Is(err, app.ErrSettlementNotConfigured):
			h.writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, app.ErrInvalidSettlementStatus):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrLedgerEntryFinalized):
			h.writeError(w, http.StatusConflict, "Payout ledger entry already finalized")
		case errors.Is(err, store.ErrLedgerEntryNotFound):
			h.writeError(w, http.StatusNotFound, "Payout ledger entry not found")
		default:
			h.respondServiceError(w, "settle", err)
		}
		return
	}

	log.Printf("level=info component=api endpoint=settle outcome=finalized ledger_id=%s status=%s", ledgerID, entry.Status)
	h.writeJSON(w, http.StatusOK, ledgerEntryResponse{LedgerID: entry.ID.String(), Entry: entry})
}

// ReportTransferHandler attaches manual transfer evidence to a ledger entry
// without changing its status.
func (h *PayoutHandlers) ReportTransferHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.resolveOwner(w, r, "report_transfer")
	if !ok {
		return
	}

	ledgerID, err := uuid.Parse(chi.URLParam(r, "ledgerID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid ledger id")
		return
	}

	var payload domain.ReportTransferPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Printf("level=warn component=api endpoint=report_transfer outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	entry, err := h.service.ReportTransfer(r.Context(), callerID, ledgerID, payload.Note)
	if err != nil {
		log.Printf("level=warn component=api endpoint=report_transfer outcome=failed ledger_id=%s caller_id=%s err=%v", ledgerID, callerID, err)
		switch {
		case errors.Is(err, app.ErrReportNotAllowed):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, store.ErrLedgerEntryNotFound):
			h.writeError(w, http.StatusNotFound, "Payout ledger entry not found")
		default:
			h.respondServiceError(w, "report_transfer", err)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, ledgerEntryResponse{LedgerID: entry.ID.String(), Entry: entry})
}

// resolveOwner extracts the validated auth subject and resolves it to the
// internal owner UUID. A subject the identity service does not know is an
// authorization failure, not a validation one.
func (h *PayoutHandlers) resolveOwner(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	subject, ok := GetAuthSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get auth subject from context")
		return uuid.Nil, false
	}

	ownerIDStr, err := h.service.ResolveOwnerID(r.Context(), subject)
	if err != nil {
		if errors.Is(err, app.ErrOwnerNotResolved) {
			log.Printf("level=warn component=api endpoint=%s outcome=reject reason=owner_resolution_failed subject=%s", endpoint, subject)
			h.writeError(w, http.StatusForbidden, "Caller identity could not be resolved")
			return uuid.Nil, false
		}
		log.Printf("level=error component=api endpoint=%s msg=\"identity resolution failed\" subject=%s err=%v", endpoint, subject, err)
		h.writeError(w, http.StatusBadGateway, "Identity service unavailable")
		return uuid.Nil, false
	}

	ownerID, err := uuid.Parse(ownerIDStr)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_owner_id owner_id=%s", endpoint, ownerIDStr)
		h.writeError(w, http.StatusBadRequest, "Invalid owner id format")
		return uuid.Nil, false
	}
	return ownerID, true
}

// respondServiceError maps gateway-shaped failures: an unreachable backend is
// distinguished from a backend that received and rejected the call, and the
// backend's own message is never discarded.
func (h *PayoutHandlers) respondServiceError(w http.ResponseWriter, endpoint string, err error) {
	var rejected *store.RejectedError
	if errors.As(err, &rejected) {
		log.Printf("level=warn component=api endpoint=%s outcome=backend_rejected sqlstate=%s msg=%q", endpoint, rejected.SQLState, rejected.Message)
		h.writeError(w, http.StatusBadGateway, rejected.Error())
		return
	}
	if errors.Is(err, store.ErrStoreUnreachable) {
		log.Printf("level=error component=api endpoint=%s outcome=backend_unreachable err=%v", endpoint, err)
		h.writeError(w, http.StatusServiceUnavailable, "Backing store unreachable")
		return
	}

	var apiErr *railclient.APIError
	if errors.As(err, &apiErr) {
		log.Printf("level=warn component=api endpoint=%s outcome=rail_rejected status=%d", endpoint, apiErr.StatusCode)
		h.writeError(w, http.StatusBadGateway, apiErr.Error())
		return
	}
	if errors.Is(err, railclient.ErrUnreachable) {
		log.Printf("level=error component=api endpoint=%s outcome=rail_unreachable err=%v", endpoint, err)
		h.writeError(w, http.StatusServiceUnavailable, "Payment rail unreachable")
		return
	}

	log.Printf("level=error component=api endpoint=%s outcome=error err=%v", endpoint, err)
	h.writeError(w, http.StatusInternalServerError, "Internal server error")
}

func (h *PayoutHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func (h *PayoutHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func parseQueryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
