/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the payout-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/roomfund/payout-service/internal/domain"
)

var (
	ErrAccountNotFound        = errors.New("payout account not found")
	ErrNoDefaultAccount       = errors.New("owner has no default payout account")
	ErrLedgerEntryNotFound    = errors.New("payout ledger entry not found")
	ErrLedgerEntryFinalized   = errors.New("payout ledger entry already finalized")
	ErrDefaultAccountConflict = errors.New("another default payout account was set concurrently")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Payout account methods
	CreatePayoutAccount(ctx context.Context, account *domain.PayoutAccount) error
	FindPayoutAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.PayoutAccount, error)
	FindPayoutAccountsByOwnerID(ctx context.Context, ownerID uuid.UUID) ([]domain.PayoutAccount, error)
	FindDefaultPayoutAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.PayoutAccount, error)
	UpdatePayoutAccountStatus(ctx context.Context, accountID uuid.UUID, status string) error
	UpdatePayoutAccountStatusByExternalRef(ctx context.Context, externalRef, status string) (*domain.PayoutAccount, error)

	// Payout ledger methods
	CreateLedgerEntry(ctx context.Context, entry *domain.PayoutLedgerEntry) error
	FindLedgerEntryByID(ctx context.Context, ledgerID uuid.UUID) (*domain.PayoutLedgerEntry, error)
	FindLedgerEntriesByRoomID(ctx context.Context, roomID string, limit, offset int) ([]domain.PayoutLedgerEntry, error)
	FindLedgerEntriesByRequesterID(ctx context.Context, requesterID uuid.UUID, limit, offset int) ([]domain.PayoutLedgerEntry, error)
	// FinalizeLedgerEntry moves an entry from 'requested' to the given terminal status.
	// It returns ErrLedgerEntryFinalized when the entry exists but is already terminal,
	// and ErrLedgerEntryNotFound when no such entry exists. The update is conditional
	// on the current status so a retried admin action can never re-finalize.
	FinalizeLedgerEntry(ctx context.Context, ledgerID uuid.UUID, status string, method, note *string) (*domain.PayoutLedgerEntry, error)
	// AppendLedgerEntryNote attaches an annotation without touching the status.
	AppendLedgerEntryNote(ctx context.Context, ledgerID uuid.UUID, note string) (*domain.PayoutLedgerEntry, error)

	// Webhook event methods
	// InsertWebhookEventIfAbsent is the dedup primitive: a single atomic insert keyed
	// by event id. It reports false (and no error) when the id has been seen before,
	// including when this insert loses a race to a concurrent identical insert.
	InsertWebhookEventIfAbsent(ctx context.Context, eventID, eventType string) (bool, error)
}
