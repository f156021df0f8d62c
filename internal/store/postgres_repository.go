/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to payout accounts, the payout ledger, and webhook event admission.
 *
 * Expected schema:
 * - payout_accounts(id, owner_id, method, status, external_ref, bank_name,
 *   account_last4, is_default, created_at, updated_at) with a partial unique index
 *   on (owner_id) WHERE is_default — the single-default invariant.
 * - payout_ledger_entries(id, room_id, requester_id, recipient_user_id, amount,
 *   currency, method, distribution_proposal_id, note, status, created_at, updated_at).
 * - webhook_events(event_id PRIMARY KEY, event_type, processed_at) — append-only.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/roomfund/payout-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db          *pgxpool.Pool
	callTimeout time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository. A
// non-positive callTimeout falls back to DefaultCallTimeout.
func NewPostgresRepository(db *pgxpool.Pool, callTimeout time.Duration) *PostgresRepository {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &PostgresRepository{db: db, callTimeout: callTimeout}
}

const payoutAccountColumns = `id, owner_id, method, status, external_ref, bank_name, account_last4, is_default, created_at, updated_at`

func scanPayoutAccount(row pgx.Row) (*domain.PayoutAccount, error) {
	var account domain.PayoutAccount
	err := row.Scan(
		&account.ID,
		&account.OwnerID,
		&account.Method,
		&account.Status,
		&account.ExternalRef,
		&account.BankName,
		&account.AccountLast4,
		&account.IsDefault,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// CreatePayoutAccount inserts a new payout account. When the new account is
// flagged as default, every other default owned by the same owner is cleared
// first inside the same transaction, preserving the one-default invariant.
func (r *PostgresRepository) CreatePayoutAccount(ctx context.Context, account *domain.PayoutAccount) error {
	ctx, cancel := callCtx(ctx, r.callTimeout)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return normalizeStoreError("create payout account: begin", err)
	}
	defer tx.Rollback(ctx)

	if account.IsDefault {
		clearQuery := `UPDATE payout_accounts SET is_default = false, updated_at = NOW() WHERE owner_id = $1 AND is_default`
		if _, err := tx.Exec(ctx, clearQuery, account.OwnerID); err != nil {
			return normalizeStoreError("create payout account: clear default", err)
		}
	}

	insertQuery := `
		INSERT INTO payout_accounts (id, owner_id, method, status, external_ref, bank_name, account_last4, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		account.ID,
		account.OwnerID,
		account.Method,
		account.Status,
		account.ExternalRef,
		account.BankName,
		account.AccountLast4,
		account.IsDefault,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// The partial unique index on (owner_id) WHERE is_default caught a
			// concurrent registration that set a default between our clear and insert.
			return ErrDefaultAccountConflict
		}
		return normalizeStoreError("create payout account: insert", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return normalizeStoreError("create payout account: commit", err)
	}
	return nil
}

// FindPayoutAccountByID retrieves a payout account by its id.
func (r *PostgresRepository) FindPayoutAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.PayoutAccount, error) {
	ctx, cancel := callCtx(ctx, r.callTimeout)
	defer cancel()

	query := `SELECT ` + payoutAccountColumns + ` FROM payout_accounts WHERE id = $1`
	account, err := scanPayoutAccount(r.db.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, normalizeStoreError("find payout account", err)
	}
	return account, nil
}

// FindPayoutAccountsByOwnerID lists an owner's payout accounts, default first.
func (r *PostgresRepository) FindPayoutAccountsByOwnerID(ctx context.Context, ownerID uuid.UUID) ([]domain.PayoutAccount, error) {
	ctx, cancel := callCtx(ctx, r.callTimeout)
	defer cancel()

	query := `SELECT ` + payoutAccountColumns + ` FROM payout_accounts WHERE owner_id = $1 ORDER BY is_default DESC, created_at DESC`
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, normalizeStoreError("list payout accounts", err)
	}
	defer rows.Close()

	var accounts []domain.PayoutAccount
	for rows.Next() {
		account, err := scanPayoutAccount(rows)
		if err != nil {
			return nil, normalizeStoreError("list payout accounts: scan", err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, normalizeStoreError("list payout accounts: rows", err)
	}
	return accounts, nil
}

// FindDefaultPayoutAccountByOwnerID is an indexed point lookup on the partial
// unique index backing the single-default invariant.
func (r *PostgresRepository) FindDefaultPayoutAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.PayoutAccount, error) {
	ctx, cancel := callCtx(ctx, r.callTimeout)
	defer cancel()

	query := `SELECT ` + payoutAccountColumns + ` FROM payout_accounts WHERE owner_id = $1 AND is_default`
	account, err := scanPayoutAccount(r.db.QueryRow(ctx, query, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoDefaultAccount
		}
		return nil, normalizeStoreError("find default payout account", err)
	}
	return account, nil
}

// UpdatePayoutAccountStatus sets an account's status. Accounts are never deleted;
// disabling is the terminal form of removal.
func (r *PostgresRepository) UpdatePayoutAccountStatus(ctx context.Context, accountID uuid.UUID, status string) error {
	ctx, cancel := callCtx(ctx, r.callTimeout)
	defer cancel()

	query := `UPDATE payout_accounts SET status = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, accountID, status)
	if err != nil {
		return normalizeStoreError("update payout account status", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdatePayoutAccountStatusByExternalRef sets the status of the connected account
// carrying the given external reference. Used by verification callbacks, which
// identify accounts by the rail's reference rather than our id.
func (r *PostgresRepository) UpdatePayoutAccountStatusByExternalRef(ctx context.Context, externalRef, status string) (*domain.PayoutAccount, error) {
	ctx, cancel := callCtx(ctx, r.callTimeout)
	defer cancel()

	query := `
		UPDATE payout_accounts SET status = $2, updated_at = NOW()
		WHERE external_ref = $1
		RETURNING ` + payoutAccountColumns
	account, err := scanPayoutAccount(r.db.QueryRow(ctx, query, externalRef, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, normalizeStoreError("update payout account status by external ref", err)
	}
	return account, nil
}

const ledgerEntryColumns = `id, room_id, requester_id, recipient_user_id, amount, currency, method, distribution_proposal_id, note, status, created_at, updated_at`

func scanLedgerEntry(row pgx.Row) (*domain.PayoutLedgerEntry, error) {
	var entry domain.PayoutLedgerEntry
	err := row.Scan(
		&entry.ID,
		&entry.RoomID,
		&entry.RequesterID,
		&entry.RecipientUserID,
		&entry.Amount,
		&entry.Currency,
		&entry.Method,
		&entry.DistributionProposalID,
		&entry.Note,
		&entry.Status,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// CreateLedgerEntry inserts a new payout ledger entry. Entries are always born
// in the 'requested' state; the caller sets it before calling.
func (r *PostgresRepository) CreateLedgerEntry(ctx context.Context, entry *domain.PayoutLedgerEntry) error {
	ctx, cancel := callCtx(ctx, r.callTimeout)
	defer cancel()

	query := `
		INSERT INTO payout_ledger_entries (id, room_id, requester_id, recipient_user_id, amount, currency, method, distribution_proposal_id, note, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		entry.ID,
		entry.RoomID,
		entry.RequesterID,
		entry.RecipientUserID,
		entry.Amount,
		entry.Currency,
		entry.Method,
		entry.DistributionProposalID,
		entry.Note,
		entry.Status,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return normalizeStoreError("create ledger entry", err)
	}
	return nil
}

// FindLedgerEntryByID retrieves a ledger entry by its id.
func (r *PostgresRepository) FindLedgerEntryByID(ctx context.Context, ledgerID uuid.UUID) (*domain.PayoutLedgerEntry, error) {
	ctx, cancel := callCtx(ctx, r.callTimeout)
	defer cancel()

	query := `SELECT ` + ledgerEntryColumns + ` FROM payout_ledger_entries WHERE id = $1`
	entry, err := scanLedgerEntry(r.db.QueryRow(ctx, query, ledgerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, normalizeStoreError("find ledger entry", err)
	}
	return entry, nil
}

// FindLedgerEntriesByRoomID lists a room's ledger entries, newest first.
func (r *PostgresRepository) FindLedgerEntriesByRoomID(ctx context.Context, roomID string, limit, offset int) ([]domain.PayoutLedgerEntry, error) {
	query := `SELECT ` + ledgerEntryColumns + ` FROM payout_ledger_entries WHERE room_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	return r.listLedgerEntries(ctx, query, roomID, limit, offset)
}

// FindLedgerEntriesByRequesterID lists a requester's own ledger entries, newest first.
func (r *PostgresRepository) FindLedgerEntriesByRequesterID(ctx context.Context, requesterID uuid.UUID, limit, offset int) ([]domain.PayoutLedgerEntry, error) {
	query := `SELECT ` + ledgerEntryColumns + ` FROM payout_ledger_entries WHERE requester_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	return r.listLedgerEntries(ctx, query, requesterID, limit, offset)
}

func (r *PostgresRepository) listLedgerEntries(ctx context.Context, query string, key interface{}, limit, offset int) ([]domain.PayoutLedgerEntry, error) {
	ctx, cancel := callCtx(ctx, r.callTimeout)
	defer cancel()

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(ctx, query, key, limit, offset)
	if err != nil {
		return nil, normalizeStoreError("list ledger entries", err)
	}
	defer rows.Close()

	var entries []domain.PayoutLedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, normalizeStoreError("list ledger entries: scan", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, normalizeStoreError("list ledger entries: rows", err)
	}
	return entries, nil
}

// FinalizeLedgerEntry performs the terminal transition. The WHERE clause pins the
// current status to 'requested', so a concurrent or retried finalization finds
// zero rows and is reported as ErrLedgerEntryFinalized instead of overwriting
// the earlier outcome.
func (r *PostgresRepository) FinalizeLedgerEntry(ctx context.Context, ledgerID uuid.UUID, status string, method, note *string) (*domain.PayoutLedgerEntry, error) {
	ctx, cancel := callCtx(ctx, r.callTimeout)
	defer cancel()

	query := `
		UPDATE payout_ledger_entries
		SET status = $2,
		    method = COALESCE($3, method),
		    note = COALESCE($4, note),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'requested'
		RETURNING ` + ledgerEntryColumns
	entry, err := scanLedgerEntry(r.db.QueryRow(ctx, query, ledgerID, status, method, note))
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, normalizeStoreError("finalize ledger entry", err)
	}

	// Zero rows: either the entry does not exist or it is already terminal.
	var currentStatus string
	err = r.db.QueryRow(ctx, `SELECT status FROM payout_ledger_entries WHERE id = $1`, ledgerID).Scan(&currentStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, normalizeStoreError("finalize ledger entry: status check", err)
	}
	return nil, ErrLedgerEntryFinalized
}

// AppendLedgerEntryNote appends an annotation line to the entry's note. The
// status column is deliberately untouched.
func (r *PostgresRepository) AppendLedgerEntryNote(ctx context.Context, ledgerID uuid.UUID, note string) (*domain.PayoutLedgerEntry, error) {
	ctx, cancel := callCtx(ctx, r.callTimeout)
	defer cancel()

	query := `
		UPDATE payout_ledger_entries
		SET note = CASE WHEN note IS NULL OR note = '' THEN $2 ELSE note || E'\n' || $2 END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + ledgerEntryColumns
	entry, err := scanLedgerEntry(r.db.QueryRow(ctx, query, ledgerID, note))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, normalizeStoreError("append ledger entry note", err)
	}
	return entry, nil
}

// InsertWebhookEventIfAbsent admits a webhook event at most once. The insert is
// the only write against webhook_events; ON CONFLICT DO NOTHING makes a lost
// race indistinguishable from an ordinary redelivery, which is the shape the
// caller wants.
func (r *PostgresRepository) InsertWebhookEventIfAbsent(ctx context.Context, eventID, eventType string) (bool, error) {
	ctx, cancel := callCtx(ctx, r.callTimeout)
	defer cancel()

	query := `
		INSERT INTO webhook_events (event_id, event_type, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`
	result, err := r.db.Exec(ctx, query, eventID, eventType)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Some poolers report the conflict instead of swallowing it; a
			// duplicate is still not an error here.
			return false, nil
		}
		return false, normalizeStoreError("insert webhook event", err)
	}
	return result.RowsAffected() == 1, nil
}
