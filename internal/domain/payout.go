/**
 * @description
 * This file defines the core domain models for the payout-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and external service
 *   payloads ensures clear separation of concerns and type safety.
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit, which avoids floating-point inaccuracies with financial data.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Payout account methods. A connected account is hosted on the payment rail and
// referenced by an external id; a bank account is a manually operated destination.
const (
	AccountMethodConnected = "connected_account"
	AccountMethodBank      = "bank_account"
)

// Payout account statuses. Accounts are never hard-deleted, only disabled.
const (
	AccountStatusPending  = "pending"
	AccountStatusActive   = "active"
	AccountStatusDisabled = "disabled"
)

// Ledger entry statuses. `requested` is the only non-terminal state; once an
// entry reaches a terminal state it never leaves it.
const (
	LedgerStatusRequested = "requested"
	LedgerStatusSettled   = "settled"
	LedgerStatusFailed    = "failed"
	LedgerStatusCanceled  = "canceled"
)

// IsTerminalLedgerStatus reports whether status is one of the terminal ledger states.
func IsTerminalLedgerStatus(status string) bool {
	switch status {
	case LedgerStatusSettled, LedgerStatusFailed, LedgerStatusCanceled:
		return true
	}
	return false
}

// PayoutAccount represents a payout destination owned by a user.
// At most one account per owner carries IsDefault=true.
type PayoutAccount struct {
	ID           uuid.UUID `json:"id"`
	OwnerID      uuid.UUID `json:"owner_id"`
	Method       string    `json:"method"` // 'connected_account' or 'bank_account'
	Status       string    `json:"status"` // 'pending', 'active', 'disabled'
	ExternalRef  *string   `json:"external_ref,omitempty"`
	BankName     *string   `json:"bank_name,omitempty"`
	AccountLast4 *string   `json:"account_last4,omitempty"`
	IsDefault    bool      `json:"is_default"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PayoutLedgerEntry is the central record of one requested outbound payment and
// its lifecycle status. Maps directly to the `payout_ledger_entries` table.
type PayoutLedgerEntry struct {
	ID                     uuid.UUID  `json:"id"`
	RoomID                 string     `json:"room_id"`
	RequesterID            uuid.UUID  `json:"requester_id"`
	RecipientUserID        uuid.UUID  `json:"recipient_user_id"`
	Amount                 int64      `json:"amount"` // smallest currency unit
	Currency               string     `json:"currency"`
	Method                 *string    `json:"method,omitempty"`
	DistributionProposalID *uuid.UUID `json:"distribution_proposal_id,omitempty"`
	Note                   *string    `json:"note,omitempty"`
	Status                 string     `json:"status"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// WebhookEventRecord is the append-only admission record for an inbound payment
// processor notification. The event id is the idempotency key; insert-if-absent
// on it is the dedup primitive.
type WebhookEventRecord struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}

// RegisterAccountRequest is the DTO for payout account registration.
type RegisterAccountRequest struct {
	Method       string  `json:"method"`
	Status       string  `json:"status,omitempty"`
	BankName     *string `json:"bank_name,omitempty"`
	AccountLast4 *string `json:"account_last4,omitempty"`
	ExternalRef  *string `json:"external_ref,omitempty"`
	IsDefault    bool    `json:"is_default,omitempty"`
}

// CreatePayoutRequestPayload is the DTO for creating a payout ledger entry.
type CreatePayoutRequestPayload struct {
	RoomID                 string     `json:"room_id"`
	RecipientUserID        *uuid.UUID `json:"recipient_user_id,omitempty"`
	Amount                 int64      `json:"amount"` // smallest currency unit
	Currency               string     `json:"currency,omitempty"`
	Method                 *string    `json:"method,omitempty"`
	DistributionProposalID *uuid.UUID `json:"distribution_proposal_id,omitempty"`
	Note                   *string    `json:"note,omitempty"`
}

// SettlePayoutPayload is the DTO for the admin settlement call.
type SettlePayoutPayload struct {
	Status          string  `json:"status"` // 'settled', 'failed' or 'canceled'
	Note            *string `json:"note,omitempty"`
	AdminCredential string  `json:"admin_credential"`
}

// ReportTransferPayload is the DTO for attaching manual transfer evidence to an entry.
type ReportTransferPayload struct {
	Note *string `json:"note,omitempty"`
}

// AdmissionResult is the outcome of webhook event admission. A duplicate delivery
// is an expected condition and presents as a successful, non-accepted admission.
type AdmissionResult struct {
	Accepted  bool `json:"accepted"`
	Duplicate bool `json:"duplicate"`
}

// PaymentEvent is an inbound payment processor notification, delivered either via
// the HTTP webhook endpoint or redelivered through the message broker. Signature
// verification happens upstream; only admission and dispatch happen here.
type PaymentEvent struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	Data      map[string]string `json:"data,omitempty"`
}

// PayoutLedgerEventPayload is the notification published after a ledger entry
// changes, consumed by sibling services (in-app notifications, analytics).
type PayoutLedgerEventPayload struct {
	LedgerID        uuid.UUID `json:"ledger_id"`
	RoomID          string    `json:"room_id"`
	RequesterID     uuid.UUID `json:"requester_id"`
	RecipientUserID uuid.UUID `json:"recipient_user_id"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
}

// PayoutAccountEventPayload is the notification published after account registration
// or a status change driven by a verification callback.
type PayoutAccountEventPayload struct {
	AccountID uuid.UUID `json:"account_id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Method    string    `json:"method"`
	Status    string    `json:"status"`
	IsDefault bool      `json:"is_default"`
	Timestamp time.Time `json:"timestamp"`
}
