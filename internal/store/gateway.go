/**
 * @description
 * This file normalizes errors from the ledger's backing store into the two shapes
 * the rest of the service cares about: "the backend rejected the call" (a
 * *RejectedError carrying the backend's message unmodified) and "the call never
 * reached the backend" (wrapped in ErrStoreUnreachable). Every repository call
 * also runs under a bounded timeout so an unreachable database surfaces as a
 * typed error instead of blocking indefinitely.
 *
 * @dependencies
 * - context, errors, fmt, net, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5/pgconn: For typed Postgres error inspection.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrStoreUnreachable marks failures where the call never reached the backing
// store (dial failures, timeouts). Callers may safely retry.
var ErrStoreUnreachable = errors.New("backing store unreachable")

// DefaultCallTimeout bounds every outbound store call unless the caller's
// context carries an earlier deadline.
const DefaultCallTimeout = 10 * time.Second

// RejectedError is returned when the backing store received the call and
// rejected it. The backend's message is preserved verbatim.
type RejectedError struct {
	SQLState string
	Message  string
}

func (e *RejectedError) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("backing store rejected call (SQLSTATE %s): %s", e.SQLState, e.Message)
	}
	return fmt.Sprintf("backing store rejected call: %s", e.Message)
}

// callCtx derives a bounded context for one store round trip. Callers that
// already carry a tighter deadline keep it.
func callCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// normalizeStoreError maps a pgx-level error to the gateway taxonomy. Sentinel
// errors from the repository pass through untouched; Postgres rejections become
// *RejectedError; everything transport-shaped becomes ErrStoreUnreachable.
func normalizeStoreError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, &RejectedError{SQLState: pgErr.Code, Message: pgErr.Message})
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnreachable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnreachable, err)
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnreachable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
