package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/roomfund/payout-service/internal/domain"
	"github.com/roomfund/payout-service/internal/store"
)

type intakeRepoStub struct {
	store.Repository

	mu   sync.Mutex
	seen map[string]bool

	insertErr        error
	updateByRefErr   error
	updatedRef       string
	updatedRefStatus string
}

func newIntakeRepoStub() *intakeRepoStub {
	return &intakeRepoStub{seen: map[string]bool{}}
}

func (s *intakeRepoStub) InsertWebhookEventIfAbsent(ctx context.Context, eventID, eventType string) (bool, error) {
	if s.insertErr != nil {
		return false, s.insertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[eventID] {
		return false, nil
	}
	s.seen[eventID] = true
	return true, nil
}

func (s *intakeRepoStub) UpdatePayoutAccountStatusByExternalRef(ctx context.Context, externalRef, status string) (*domain.PayoutAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateByRefErr != nil {
		return nil, s.updateByRefErr
	}
	s.updatedRef = externalRef
	s.updatedRefStatus = status
	return &domain.PayoutAccount{
		ID:          uuid.New(),
		OwnerID:     uuid.New(),
		Method:      domain.AccountMethodConnected,
		Status:      status,
		ExternalRef: &externalRef,
	}, nil
}

func TestAdmit_FirstDeliveryAcceptedThenDuplicate(t *testing.T) {
	repo := newIntakeRepoStub()
	intake := NewPaymentEventIntake(repo, nil)
	event := domain.PaymentEvent{EventID: "evt_1", EventType: "transfer.settled"}

	first, err := intake.Admit(context.Background(), event)
	if err != nil {
		t.Fatalf("first admission returned error: %v", err)
	}
	if !first.Accepted || first.Duplicate {
		t.Fatalf("expected first delivery accepted, got %+v", first)
	}

	second, err := intake.Admit(context.Background(), event)
	if err != nil {
		t.Fatalf("duplicate admission returned error: %v", err)
	}
	if second.Accepted || !second.Duplicate {
		t.Fatalf("expected replay reported as duplicate, got %+v", second)
	}
}

func TestAdmit_RequiresEventID(t *testing.T) {
	intake := NewPaymentEventIntake(newIntakeRepoStub(), nil)

	for _, eventID := range []string{"", "   "} {
		_, err := intake.Admit(context.Background(), domain.PaymentEvent{EventID: eventID, EventType: "transfer.settled"})
		if !errors.Is(err, ErrMissingEventID) {
			t.Fatalf("event id %q: expected ErrMissingEventID, got %v", eventID, err)
		}
	}
}

func TestAdmit_ConcurrentIdenticalDeliveriesAdmitExactlyOne(t *testing.T) {
	repo := newIntakeRepoStub()
	intake := NewPaymentEventIntake(repo, nil)
	event := domain.PaymentEvent{EventID: "evt_race", EventType: "transfer.settled"}

	const deliveries = 32
	results := make(chan domain.AdmissionResult, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := intake.Admit(context.Background(), event)
			if err != nil {
				t.Errorf("admission returned error: %v", err)
				return
			}
			results <- result
		}()
	}
	wg.Wait()
	close(results)

	accepted := 0
	duplicates := 0
	for result := range results {
		if result.Accepted {
			accepted++
		}
		if result.Duplicate {
			duplicates++
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted admission, got %d", accepted)
	}
	if duplicates != deliveries-1 {
		t.Fatalf("expected %d duplicates, got %d", deliveries-1, duplicates)
	}
}

func TestAdmit_VerificationCallbackActivatesAccount(t *testing.T) {
	repo := newIntakeRepoStub()
	intake := NewPaymentEventIntake(repo, nil)

	result, err := intake.Admit(context.Background(), domain.PaymentEvent{
		EventID:   "evt_verified",
		EventType: EventTypeAccountVerified,
		Data:      map[string]string{"external_ref": "acct_ext_001"},
	})
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected acceptance, got %+v", result)
	}
	if repo.updatedRef != "acct_ext_001" {
		t.Fatalf("expected status update for acct_ext_001, got %q", repo.updatedRef)
	}
	if repo.updatedRefStatus != domain.AccountStatusActive {
		t.Fatalf("expected account flipped active, got %q", repo.updatedRefStatus)
	}
}

func TestAdmit_DisableCallbackDisablesAccount(t *testing.T) {
	repo := newIntakeRepoStub()
	intake := NewPaymentEventIntake(repo, nil)

	if _, err := intake.Admit(context.Background(), domain.PaymentEvent{
		EventID:   "evt_disabled",
		EventType: EventTypeAccountDisabled,
		Data:      map[string]string{"external_ref": "acct_ext_002"},
	}); err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if repo.updatedRefStatus != domain.AccountStatusDisabled {
		t.Fatalf("expected account flipped disabled, got %q", repo.updatedRefStatus)
	}
}

func TestAdmit_CallbackBeforeRegistrationStillAccepted(t *testing.T) {
	// The rail's callback can arrive before the owner registers the account.
	// Admission must still succeed so the retry storm stops.
	repo := newIntakeRepoStub()
	repo.updateByRefErr = store.ErrAccountNotFound
	intake := NewPaymentEventIntake(repo, nil)

	result, err := intake.Admit(context.Background(), domain.PaymentEvent{
		EventID:   "evt_early",
		EventType: EventTypeAccountVerified,
		Data:      map[string]string{"external_ref": "acct_ext_003"},
	})
	if err != nil {
		t.Fatalf("expected acceptance despite missing account, got %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected acceptance, got %+v", result)
	}
}

func TestAdmit_SideEffectFailureDoesNotSurface(t *testing.T) {
	repo := newIntakeRepoStub()
	repo.updateByRefErr = errors.New("db unavailable")
	intake := NewPaymentEventIntake(repo, nil)

	result, err := intake.Admit(context.Background(), domain.PaymentEvent{
		EventID:   "evt_effect_fail",
		EventType: EventTypeAccountVerified,
		Data:      map[string]string{"external_ref": "acct_ext_004"},
	})
	if err != nil {
		t.Fatalf("expected admitted event with failed side effect to report success, got %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected acceptance, got %+v", result)
	}
}

func TestAdmitFromHTTP_ThrottlesPastTheLimit(t *testing.T) {
	repo := newIntakeRepoStub()
	intake := NewPaymentEventIntake(repo, nil)
	intake.SetRateLimiter(&rateLimiterStub{count: 301}, 300)

	_, err := intake.AdmitFromHTTP(context.Background(), domain.PaymentEvent{
		EventID:   "evt_throttled",
		EventType: "transfer.settled",
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if repo.seen["evt_throttled"] {
		t.Fatal("did not expect a throttled delivery to be admitted")
	}
}

func TestAdmitFromHTTP_LimiterOutageDegradesOpen(t *testing.T) {
	repo := newIntakeRepoStub()
	intake := NewPaymentEventIntake(repo, nil)
	intake.SetRateLimiter(&rateLimiterStub{err: errors.New("redis unavailable")}, 300)

	result, err := intake.AdmitFromHTTP(context.Background(), domain.PaymentEvent{
		EventID:   "evt_open",
		EventType: "transfer.settled",
	})
	if err != nil {
		t.Fatalf("expected limiter outage to allow admission, got %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected acceptance, got %+v", result)
	}
}

func TestHandleMessage_AckAndRequeueDecisions(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		insertErr error
		wantAck   bool
	}{
		{
			name:    "malformed payload is dropped",
			body:    `{"event_id":`,
			wantAck: true,
		},
		{
			name:    "missing event id is dropped",
			body:    `{"event_type":"transfer.settled"}`,
			wantAck: true,
		},
		{
			name:      "store failure requeues",
			body:      `{"event_id":"evt_9","event_type":"transfer.settled"}`,
			insertErr: errors.New("db unavailable"),
			wantAck:   false,
		},
		{
			name:    "valid event is acked",
			body:    `{"event_id":"evt_10","event_type":"transfer.settled"}`,
			wantAck: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newIntakeRepoStub()
			repo.insertErr = tt.insertErr
			intake := NewPaymentEventIntake(repo, nil)

			if got := intake.HandleMessage([]byte(tt.body)); got != tt.wantAck {
				t.Fatalf("expected ack=%t, got %t", tt.wantAck, got)
			}
		})
	}
}
