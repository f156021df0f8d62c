/**
 * @description
 * This file contains the core business logic for the payout-service. The `Service`
 * struct orchestrates payout account registration, the payout ledger lifecycle,
 * and admin settlement, coordinating between the database repository, the payment
 * rail client, the identity service, and the message broker.
 *
 * Key features:
 * - Enforces the ledger state machine: entries advance from `requested` to exactly
 *   one terminal state and never leave it.
 * - Enforces the single-default invariant on payout accounts.
 * - Authorizes settlement with a constant-time comparison against a shared secret
 *   injected at construction.
 * - Publishes lifecycle events to RabbitMQ for asynchronous consumption by other services.
 *
 * @dependencies
 * - context, crypto/subtle, errors, fmt, log, regexp, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/identityclient, pkg/railclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/roomfund/payout-service/internal/domain"
	"github.com/roomfund/payout-service/internal/store"
	"github.com/roomfund/payout-service/pkg/identityclient"
	"github.com/roomfund/payout-service/pkg/rabbitmq"
	"github.com/roomfund/payout-service/pkg/railclient"
)

var (
	ErrOwnerNotResolved        = errors.New("caller identity could not be resolved to an owner")
	ErrInvalidAmount           = errors.New("payout amount must be a positive value")
	ErrMissingRoomID           = errors.New("room id is required")
	ErrInvalidMethod           = errors.New("payout method must be 'connected_account' or 'bank_account'")
	ErrMissingBankName         = errors.New("bank name is required for bank accounts")
	ErrInvalidAccountLast4     = errors.New("account last4 must be exactly 4 digits")
	ErrMissingExternalRef      = errors.New("external reference is required for connected accounts")
	ErrInvalidAccountStatus    = errors.New("account status must be 'pending', 'active' or 'disabled'")
	ErrInvalidSettlementStatus = errors.New("settlement status must be 'settled', 'failed' or 'canceled'")
	ErrAdminCredentialMismatch = errors.New("admin credential does not match")
	ErrSettlementNotConfigured = errors.New("admin settlement secret is not configured")
	ErrReportNotAllowed        = errors.New("only the requester or recipient may report a transfer")
	ErrRateLimited             = errors.New("rate limit exceeded")
	ErrOnboardingUnavailable   = errors.New("payment rail onboarding is not configured")
)

var accountLast4Pattern = regexp.MustCompile(`^[0-9]{4}$`)

// IdentityResolver maps an external auth subject to an internal owner id.
// Implemented by identityclient.Client; stubbed in tests.
type IdentityResolver interface {
	ResolveOwnerID(ctx context.Context, subject string) (string, error)
}

// RateLimiter implements distributed rate limiting. A nil limiter disables limiting.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for payouts.
type Service struct {
	repo                store.Repository
	identity            IdentityResolver
	railClient          *railclient.Client
	eventProducer       rabbitmq.Publisher
	adminSecret         string
	defaultCurrency     string
	onboardingReturnURL string

	rateLimiter                 RateLimiter
	payoutRequestLimitPerMinute int
}

// NewService creates a new payout service instance. The admin settlement secret
// is injected here and lives for the process lifetime; there is no per-admin
// identity or session by design.
func NewService(
	repo store.Repository,
	identity IdentityResolver,
	rail *railclient.Client,
	producer rabbitmq.Publisher,
	adminSecret string,
	defaultCurrency string,
	onboardingReturnURL string,
) *Service {
	if defaultCurrency == "" {
		defaultCurrency = "JPY"
	}
	return &Service{
		repo:                repo,
		identity:            identity,
		railClient:          rail,
		eventProducer:       producer,
		adminSecret:         adminSecret,
		defaultCurrency:     defaultCurrency,
		onboardingReturnURL: onboardingReturnURL,
	}
}

// SetRateLimiter installs a distributed rate limiter. Safe to skip; limiting
// degrades to disabled without one.
func (s *Service) SetRateLimiter(limiter RateLimiter, payoutRequestLimitPerMinute int) {
	s.rateLimiter = limiter
	s.payoutRequestLimitPerMinute = payoutRequestLimitPerMinute
}

// ResolveOwnerID converts an external auth subject (e.g. the `sub` claim of a
// validated JWT) into the internal owner id used by our repositories. This allows
// handlers to accept subjects from validated tokens while repositories continue
// to operate on UUIDs.
func (s *Service) ResolveOwnerID(ctx context.Context, subject string) (string, error) {
	if s.identity == nil {
		return "", ErrOwnerNotResolved
	}
	ownerID, err := s.identity.ResolveOwnerID(ctx, subject)
	if err != nil {
		if errors.Is(err, identityclient.ErrOwnerNotResolved) {
			return "", ErrOwnerNotResolved
		}
		return "", fmt.Errorf("resolve owner id: %w", err)
	}
	return ownerID, nil
}

// RegisterAccount validates and stores a new payout destination for the owner.
// When the new account is flagged default, the store clears any previous default
// in the same transaction.
func (s *Service) RegisterAccount(ctx context.Context, ownerID uuid.UUID, req domain.RegisterAccountRequest) (*domain.PayoutAccount, error) {
	status := req.Status
	if status == "" {
		// Connected accounts start pending until the rail's verification callback
		// flips them active; bank accounts have no callback and are usable at once.
		if req.Method == domain.AccountMethodConnected {
			status = domain.AccountStatusPending
		} else {
			status = domain.AccountStatusActive
		}
	}

	account := &domain.PayoutAccount{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Method:    req.Method,
		Status:    status,
		IsDefault: req.IsDefault,
	}

	switch req.Method {
	case domain.AccountMethodConnected:
		if req.ExternalRef == nil || *req.ExternalRef == "" {
			return nil, ErrMissingExternalRef
		}
		account.ExternalRef = req.ExternalRef
	case domain.AccountMethodBank:
		if req.BankName == nil || *req.BankName == "" {
			return nil, ErrMissingBankName
		}
		if req.AccountLast4 == nil || !accountLast4Pattern.MatchString(*req.AccountLast4) {
			return nil, ErrInvalidAccountLast4
		}
		account.BankName = req.BankName
		account.AccountLast4 = req.AccountLast4
	default:
		return nil, ErrInvalidMethod
	}

	switch status {
	case domain.AccountStatusPending, domain.AccountStatusActive, domain.AccountStatusDisabled:
	default:
		return nil, ErrInvalidAccountStatus
	}

	if err := s.repo.CreatePayoutAccount(ctx, account); err != nil {
		return nil, err
	}

	log.Printf("level=info component=service op=register_account account_id=%s owner_id=%s method=%s is_default=%t", account.ID, ownerID, account.Method, account.IsDefault)
	s.publishAccountEvent(ctx, "payout_account.registered", account)
	return account, nil
}

// ListAccounts returns the owner's payout accounts, default first.
func (s *Service) ListAccounts(ctx context.Context, ownerID uuid.UUID) ([]domain.PayoutAccount, error) {
	return s.repo.FindPayoutAccountsByOwnerID(ctx, ownerID)
}

// GetDefaultAccount returns the owner's default payout account.
func (s *Service) GetDefaultAccount(ctx context.Context, ownerID uuid.UUID) (*domain.PayoutAccount, error) {
	return s.repo.FindDefaultPayoutAccountByOwnerID(ctx, ownerID)
}

// DisableAccount is the only removal path for a payout account: the row survives
// with status 'disabled'. Owners can only disable their own accounts.
func (s *Service) DisableAccount(ctx context.Context, ownerID, accountID uuid.UUID) (*domain.PayoutAccount, error) {
	account, err := s.repo.FindPayoutAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.OwnerID != ownerID {
		// Not revealing other owners' account ids.
		return nil, store.ErrAccountNotFound
	}
	if err := s.repo.UpdatePayoutAccountStatus(ctx, accountID, domain.AccountStatusDisabled); err != nil {
		return nil, err
	}
	account.Status = domain.AccountStatusDisabled
	s.publishAccountEvent(ctx, "payout_account.disabled", account)
	return account, nil
}

// CreateOnboardingLink asks the payment rail for a connected-account onboarding
// session on behalf of the owner. The returned external reference is what the
// owner later registers as a connected payout account.
func (s *Service) CreateOnboardingLink(ctx context.Context, ownerID uuid.UUID) (*railclient.OnboardingLinkResponse, error) {
	if s.railClient == nil {
		return nil, ErrOnboardingUnavailable
	}
	return s.railClient.CreateOnboardingLink(ctx, ownerID.String(), s.onboardingReturnURL)
}

// CreatePayoutRequest records intent to pay a participant out of a room's funds.
// The entry is always born 'requested'; money moves later, outside this service.
func (s *Service) CreatePayoutRequest(ctx context.Context, requesterID uuid.UUID, payload domain.CreatePayoutRequestPayload) (*domain.PayoutLedgerEntry, error) {
	if err := s.consumeRateLimit(ctx, "payout_request", requesterID.String(), s.payoutRequestLimitPerMinute); err != nil {
		return nil, err
	}

	if payload.RoomID == "" {
		return nil, ErrMissingRoomID
	}
	if payload.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if payload.Method != nil {
		switch *payload.Method {
		case domain.AccountMethodConnected, domain.AccountMethodBank:
		default:
			return nil, ErrInvalidMethod
		}
	}

	currency := payload.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}

	// An omitted recipient means a self-payout: the requester is paid.
	recipientID := requesterID
	if payload.RecipientUserID != nil {
		recipientID = *payload.RecipientUserID
	}

	entry := &domain.PayoutLedgerEntry{
		ID:                     uuid.New(),
		RoomID:                 payload.RoomID,
		RequesterID:            requesterID,
		RecipientUserID:        recipientID,
		Amount:                 payload.Amount,
		Currency:               currency,
		Method:                 payload.Method,
		DistributionProposalID: payload.DistributionProposalID,
		Note:                   payload.Note,
		Status:                 domain.LedgerStatusRequested,
	}
	if err := s.repo.CreateLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}

	log.Printf("level=info component=service op=create_payout_request ledger_id=%s room_id=%s requester_id=%s amount=%d currency=%s", entry.ID, entry.RoomID, requesterID, entry.Amount, entry.Currency)
	s.publishLedgerEvent(ctx, "payout.requested", entry)
	return entry, nil
}

// GetLedgerEntry retrieves one ledger entry.
func (s *Service) GetLedgerEntry(ctx context.Context, ledgerID uuid.UUID) (*domain.PayoutLedgerEntry, error) {
	return s.repo.FindLedgerEntryByID(ctx, ledgerID)
}

// ListLedgerEntriesByRoom lists a room's payout history, newest first.
func (s *Service) ListLedgerEntriesByRoom(ctx context.Context, roomID string, limit, offset int) ([]domain.PayoutLedgerEntry, error) {
	if roomID == "" {
		return nil, ErrMissingRoomID
	}
	return s.repo.FindLedgerEntriesByRoomID(ctx, roomID, limit, offset)
}

// ListLedgerEntriesByRequester lists the caller's own payout requests, newest first.
func (s *Service) ListLedgerEntriesByRequester(ctx context.Context, requesterID uuid.UUID, limit, offset int) ([]domain.PayoutLedgerEntry, error) {
	return s.repo.FindLedgerEntriesByRequesterID(ctx, requesterID, limit, offset)
}

// Settle is the privileged terminal transition. The admin credential is checked
// in constant time before anything is read or written; a terminal entry is never
// re-finalized — the conditional update in the store guarantees that even when
// two admins race.
func (s *Service) Settle(ctx context.Context, ledgerID uuid.UUID, payload domain.SettlePayoutPayload) (*domain.PayoutLedgerEntry, error) {
	if err := s.authorizeAdmin(payload.AdminCredential); err != nil {
		return nil, err
	}
	if !domain.IsTerminalLedgerStatus(payload.Status) {
		return nil, ErrInvalidSettlementStatus
	}

	entry, err := s.repo.FindLedgerEntryByID(ctx, ledgerID)
	if err != nil {
		return nil, err
	}
	if domain.IsTerminalLedgerStatus(entry.Status) {
		return nil, store.ErrLedgerEntryFinalized
	}

	// When the request never named a rail, take it from the recipient's default
	// account at settlement time. An absent default leaves the method unset.
	var method *string
	if payload.Status == domain.LedgerStatusSettled && entry.Method == nil {
		defaultAccount, defErr := s.repo.FindDefaultPayoutAccountByOwnerID(ctx, entry.RecipientUserID)
		if defErr == nil {
			method = &defaultAccount.Method
		} else if !errors.Is(defErr, store.ErrNoDefaultAccount) {
			return nil, defErr
		}
	}

	settled, err := s.repo.FinalizeLedgerEntry(ctx, ledgerID, payload.Status, method, payload.Note)
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=service op=settle ledger_id=%s status=%s", ledgerID, payload.Status)
	s.publishLedgerEvent(ctx, "payout."+payload.Status, settled)
	return settled, nil
}

// ReportTransfer attaches evidence that a manual transfer happened outside the
// system. The status is deliberately untouched; authoritative settlement remains
// a separate admin action informed by this note.
func (s *Service) ReportTransfer(ctx context.Context, callerID, ledgerID uuid.UUID, note *string) (*domain.PayoutLedgerEntry, error) {
	entry, err := s.repo.FindLedgerEntryByID(ctx, ledgerID)
	if err != nil {
		return nil, err
	}
	if entry.RequesterID != callerID && entry.RecipientUserID != callerID {
		return nil, ErrReportNotAllowed
	}

	annotation := fmt.Sprintf("transfer reported by %s at %s", callerID, time.Now().UTC().Format(time.RFC3339))
	if note != nil && *note != "" {
		annotation = annotation + ": " + *note
	}

	updated, err := s.repo.AppendLedgerEntryNote(ctx, ledgerID, annotation)
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=service op=report_transfer ledger_id=%s reporter_id=%s", ledgerID, callerID)
	s.publishLedgerEvent(ctx, "payout.transfer_reported", updated)
	return updated, nil
}

// authorizeAdmin compares the presented credential against the configured shared
// secret in constant time. An unconfigured secret refuses every settlement.
func (s *Service) authorizeAdmin(credential string) error {
	if s.adminSecret == "" {
		return ErrSettlementNotConfigured
	}
	if len(credential) != len(s.adminSecret) || subtle.ConstantTimeCompare([]byte(credential), []byte(s.adminSecret)) != 1 {
		return ErrAdminCredentialMismatch
	}
	return nil
}

func (s *Service) consumeRateLimit(ctx context.Context, scope, subject string, limitPerMinute int) error {
	if s.rateLimiter == nil || limitPerMinute <= 0 {
		return nil
	}
	count, _, err := s.rateLimiter.ConsumeRateLimit(ctx, scope, subject, limitPerMinute, time.Minute)
	if err != nil {
		// Limiter outage should not block payouts; degrade open.
		log.Printf("level=warn component=service op=rate_limit scope=%s msg=\"limiter unavailable; allowing\" err=%v", scope, err)
		return nil
	}
	if count > limitPerMinute {
		return ErrRateLimited
	}
	return nil
}

func (s *Service) publishLedgerEvent(ctx context.Context, routingKey string, entry *domain.PayoutLedgerEntry) {
	if s.eventProducer == nil {
		return
	}
	payload := domain.PayoutLedgerEventPayload{
		LedgerID:        entry.ID,
		RoomID:          entry.RoomID,
		RequesterID:     entry.RequesterID,
		RecipientUserID: entry.RecipientUserID,
		Amount:          entry.Amount,
		Currency:        entry.Currency,
		Status:          entry.Status,
		Timestamp:       time.Now().UTC(),
	}
	if err := s.eventProducer.Publish(ctx, rabbitmq.PayoutEventsExchange, routingKey, payload); err != nil {
		log.Printf("level=warn component=service msg=\"ledger event publish failed\" routing_key=%s ledger_id=%s err=%v", routingKey, entry.ID, err)
	}
}

func (s *Service) publishAccountEvent(ctx context.Context, routingKey string, account *domain.PayoutAccount) {
	if s.eventProducer == nil {
		return
	}
	payload := domain.PayoutAccountEventPayload{
		AccountID: account.ID,
		OwnerID:   account.OwnerID,
		Method:    account.Method,
		Status:    account.Status,
		IsDefault: account.IsDefault,
		Timestamp: time.Now().UTC(),
	}
	if err := s.eventProducer.Publish(ctx, rabbitmq.PayoutEventsExchange, routingKey, payload); err != nil {
		log.Printf("level=warn component=service msg=\"account event publish failed\" routing_key=%s account_id=%s err=%v", routingKey, account.ID, err)
	}
}
