/**
 * @description
 * This file implements webhook event admission: inbound payment processor
 * notifications are admitted at most once per event id before any business
 * effect fires. Duplicate delivery is an expected condition — the processor
 * retries until acknowledged — so a replayed or racing delivery presents as
 * `{accepted:false, duplicate:true}`, never as an error.
 *
 * Two delivery paths funnel into the same admission: the HTTP webhook endpoint
 * and the RabbitMQ consumer (broker redelivery after a nack raises exactly the
 * same dedup concern). Signature verification happens upstream of both.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/roomfund/payout-service/internal/domain"
	"github.com/roomfund/payout-service/internal/store"
)

var ErrMissingEventID = errors.New("event id is required")

// Payment event types with an admission side effect. Everything else is
// admitted and recorded only.
const (
	EventTypeAccountVerified = "payout_account.verified"
	EventTypeAccountDisabled = "payout_account.disabled"
)

// PaymentEventIntake deduplicates and dispatches inbound payment events.
type PaymentEventIntake struct {
	repo    store.Repository
	service *Service

	rateLimiter          RateLimiter
	intakeLimitPerMinute int
}

// NewPaymentEventIntake creates the intake. The service is used for account
// event notifications after a verification callback side effect.
func NewPaymentEventIntake(repo store.Repository, service *Service) *PaymentEventIntake {
	return &PaymentEventIntake{repo: repo, service: service}
}

// SetRateLimiter installs an optional per-event-type throttle on the HTTP
// intake path. The broker path is never limited; the broker paces redelivery.
func (i *PaymentEventIntake) SetRateLimiter(limiter RateLimiter, intakeLimitPerMinute int) {
	i.rateLimiter = limiter
	i.intakeLimitPerMinute = intakeLimitPerMinute
}

// AdmitFromHTTP applies the intake rate limit, then admits. A throttled
// delivery is an error so the processor backs off and retries later; the
// retry is safe because admission is idempotent.
func (i *PaymentEventIntake) AdmitFromHTTP(ctx context.Context, event domain.PaymentEvent) (domain.AdmissionResult, error) {
	if i.rateLimiter != nil && i.intakeLimitPerMinute > 0 {
		source := strings.TrimSpace(event.EventType)
		if source == "" {
			source = "unknown"
		}
		count, _, err := i.rateLimiter.ConsumeRateLimit(ctx, "webhook_intake", source, i.intakeLimitPerMinute, time.Minute)
		if err != nil {
			log.Printf("level=warn component=intake op=rate_limit msg=\"limiter unavailable; allowing\" event_type=%s err=%v", source, err)
		} else if count > i.intakeLimitPerMinute {
			return domain.AdmissionResult{}, ErrRateLimited
		}
	}
	return i.Admit(ctx, event)
}

// Admit records the event at most once and, on first admission, runs its side
// effect. The insert keyed by event id is the only admission gate: a concurrent
// identical delivery loses the insert race inside the store and is reported as
// a duplicate here, with no side effect.
func (i *PaymentEventIntake) Admit(ctx context.Context, event domain.PaymentEvent) (domain.AdmissionResult, error) {
	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		return domain.AdmissionResult{}, ErrMissingEventID
	}

	inserted, err := i.repo.InsertWebhookEventIfAbsent(ctx, eventID, event.EventType)
	if err != nil {
		return domain.AdmissionResult{}, err
	}
	if !inserted {
		log.Printf("level=info component=intake outcome=duplicate event_id=%s event_type=%s", eventID, event.EventType)
		return domain.AdmissionResult{Accepted: false, Duplicate: true}, nil
	}

	log.Printf("level=info component=intake outcome=accepted event_id=%s event_type=%s", eventID, event.EventType)
	if err := i.dispatch(ctx, event); err != nil {
		// The event is admitted; its side effect failed. Surfacing an error here
		// would invite a retry that admission would (correctly) reject, so the
		// failure is logged for the operator instead.
		log.Printf("level=error component=intake msg=\"side effect failed after admission\" event_id=%s event_type=%s err=%v", eventID, event.EventType, err)
	}
	return domain.AdmissionResult{Accepted: true, Duplicate: false}, nil
}

// dispatch runs the business effect for event types this service owns.
func (i *PaymentEventIntake) dispatch(ctx context.Context, event domain.PaymentEvent) error {
	switch event.EventType {
	case EventTypeAccountVerified:
		return i.updateAccountStatus(ctx, event, domain.AccountStatusActive)
	case EventTypeAccountDisabled:
		return i.updateAccountStatus(ctx, event, domain.AccountStatusDisabled)
	default:
		return nil
	}
}

func (i *PaymentEventIntake) updateAccountStatus(ctx context.Context, event domain.PaymentEvent, status string) error {
	externalRef := strings.TrimSpace(event.Data["external_ref"])
	if externalRef == "" {
		log.Printf("level=warn component=intake msg=\"verification callback without external_ref\" event_id=%s event_type=%s", event.EventID, event.EventType)
		return nil
	}

	account, err := i.repo.UpdatePayoutAccountStatusByExternalRef(ctx, externalRef, status)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			// The callback can outrun registration; the account will be
			// registered with the rail's current status when it arrives.
			log.Printf("level=warn component=intake msg=\"no account for verification callback\" event_id=%s external_ref=%s", event.EventID, externalRef)
			return nil
		}
		return err
	}

	if i.service != nil {
		i.service.publishAccountEvent(ctx, event.EventType, account)
	}
	return nil
}

// HandleMessage is the RabbitMQ delivery handler. Returning false nacks and
// requeues the delivery; the dedup insert makes that redelivery harmless.
func (i *PaymentEventIntake) HandleMessage(body []byte) bool {
	var event domain.PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=intake msg=\"failed to unmarshal payment event; dropping\" err=%v", err)
		return true
	}
	if strings.TrimSpace(event.EventID) == "" {
		log.Printf("level=warn component=intake msg=\"payment event without id; dropping\" event_type=%s", event.EventType)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := i.Admit(ctx, event); err != nil {
		log.Printf("level=warn component=intake msg=\"admission failed; re-queuing\" event_id=%s err=%v", event.EventID, err)
		return false
	}
	return true
}
