package entitlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func TestNewIngestor_Validation(t *testing.T) {
	if _, err := entitlement.NewIngestor(entitlement.IngestorConfig{}); !errors.Is(err, entitlement.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration without store, got %v", err)
	}
	h := newHarness(t)
	_, err := entitlement.NewIngestor(entitlement.IngestorConfig{
		Store:     h.store,
		Verifiers: map[entitlement.Source]entitlement.WebhookVerifier{"fax": &fakeVerifier{}},
	})
	if !errors.Is(err, entitlement.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for unknown source, got %v", err)
	}
}

// Subscription created grants premium; cancel at period end keeps it.
func TestIngest_CreatedThenCanceledAtPeriodEnd(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	periodEnd := now.Add(monthDuration)

	res := h.ingest(t, entitlement.SourceWeb, testEvent{
		ID: "evt_1", Type: "customer.subscription.created", UserID: testUser,
		Status: entitlement.StatusActive, PeriodEnd: periodEnd, At: now,
	})
	if res.Outcome != entitlement.OutcomeApplied {
		t.Fatalf("Expected applied, got %s (%s)", res.Outcome, res.Reason)
	}
	if !h.isPremium(t) {
		t.Fatal("Expected premium after subscription created")
	}

	h.clock.Advance(time.Minute)
	res = h.ingest(t, entitlement.SourceWeb, testEvent{
		ID: "evt_2", Type: "customer.subscription.updated", UserID: testUser,
		Status: entitlement.StatusCanceledPending, PeriodEnd: periodEnd, At: now.Add(time.Minute),
	})
	if res.Outcome != entitlement.OutcomeApplied {
		t.Fatalf("Expected applied, got %s", res.Outcome)
	}
	sub := h.subscription(t, entitlement.SourceWeb)
	if sub.Status != entitlement.StatusCanceledPending || !sub.CancelAtPeriodEnd {
		t.Errorf("Expected canceled_pending, got %s", sub.Status)
	}
	if !h.isPremium(t) {
		t.Error("Expected premium to last until period end")
	}

	changes := h.changes.all()
	if len(changes) != 2 {
		t.Fatalf("Expected 2 change notifications, got %d", len(changes))
	}
	if changes[0].From != entitlement.StatusNone || changes[0].To != entitlement.StatusActive || !changes[0].Premium {
		t.Errorf("Unexpected first change %+v", changes[0])
	}
	if changes[1].To != entitlement.StatusCanceledPending || changes[1].Trigger != "webhook" || changes[1].EventID != "evt_2" {
		t.Errorf("Unexpected second change %+v", changes[1])
	}
}

// Redelivery of the same event is a duplicate and changes nothing.
func TestIngest_DuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	e := testEvent{
		ID: "evt_dup", Type: "customer.subscription.created", UserID: testUser,
		Status: entitlement.StatusActive, PeriodEnd: now.Add(monthDuration), At: now,
	}

	if res := h.ingest(t, entitlement.SourceWeb, e); res.Outcome != entitlement.OutcomeApplied {
		t.Fatalf("Expected applied, got %s", res.Outcome)
	}
	before := h.subscription(t, entitlement.SourceWeb)

	h.clock.Advance(time.Minute)
	res := h.ingest(t, entitlement.SourceWeb, e)
	if res.Outcome != entitlement.OutcomeDuplicate {
		t.Fatalf("Expected duplicate, got %s", res.Outcome)
	}
	after := h.subscription(t, entitlement.SourceWeb)
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Status != before.Status {
		t.Error("Duplicate delivery must not change state")
	}
	if len(h.changes.all()) != 1 {
		t.Error("Duplicate delivery must not notify")
	}

	// The same external id on another source is a different event.
	res = h.ingest(t, entitlement.SourceAppStore, e)
	if res.Outcome != entitlement.OutcomeApplied {
		t.Errorf("Expected applied on another source, got %s", res.Outcome)
	}
}

func TestIngest_OutOfOrderIsStale(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	h.ingest(t, entitlement.SourceWeb, testEvent{
		ID: "evt_new", Type: "customer.subscription.deleted", UserID: testUser,
		Status: entitlement.StatusExpired, At: now,
	})
	res := h.ingest(t, entitlement.SourceWeb, testEvent{
		ID: "evt_old", Type: "customer.subscription.created", UserID: testUser,
		Status: entitlement.StatusActive, PeriodEnd: now.Add(monthDuration), At: now.Add(-time.Hour),
	})
	if res.Outcome != entitlement.OutcomeStale {
		t.Fatalf("Expected stale, got %s", res.Outcome)
	}
	if h.subscription(t, entitlement.SourceWeb).Status != entitlement.StatusExpired {
		t.Error("Stale event must not change state")
	}

	ev, err := h.store.GetWebhookEvent(context.Background(), entitlement.EventKey{
		Source: entitlement.SourceWeb, ExternalEventID: "evt_old",
	})
	if err != nil {
		t.Fatalf("GetWebhookEvent failed: %v", err)
	}
	if ev.Outcome != entitlement.OutcomeStale || !ev.Processed() {
		t.Errorf("Expected stale event to be recorded as processed, got %s", ev.Outcome)
	}
}

func TestIngest_EqualTimestampSequenceWins(t *testing.T) {
	h := newHarness(t)
	at := h.clock.Now()

	h.ingest(t, entitlement.SourceWeb, testEvent{
		ID: "evt_a", Type: "updated", UserID: testUser, Status: entitlement.StatusActive, At: at, Seq: 2,
	})
	res := h.ingest(t, entitlement.SourceWeb, testEvent{
		ID: "evt_b", Type: "updated", UserID: testUser, Status: entitlement.StatusPastDue, At: at, Seq: 1,
	})
	if res.Outcome != entitlement.OutcomeStale {
		t.Fatalf("Expected lower sequence to be stale, got %s", res.Outcome)
	}
	res = h.ingest(t, entitlement.SourceWeb, testEvent{
		ID: "evt_c", Type: "updated", UserID: testUser, Status: entitlement.StatusPastDue, At: at, Seq: 3,
	})
	if res.Outcome != entitlement.OutcomeApplied {
		t.Fatalf("Expected higher sequence to apply, got %s", res.Outcome)
	}
	if h.subscription(t, entitlement.SourceWeb).Status != entitlement.StatusPastDue {
		t.Error("Expected past_due from the higher sequence")
	}
}

func TestIngest_SignatureInvalid(t *testing.T) {
	h := newHarness(t)
	e := testEvent{ID: "evt_1", Type: "created", UserID: testUser, Status: entitlement.StatusActive, At: h.clock.Now()}

	_, err := h.ingestor.Ingest(context.Background(), entitlement.SourceWeb, e.payload(t), "forged")
	if !errors.Is(err, entitlement.ErrSignatureInvalid) {
		t.Fatalf("Expected ErrSignatureInvalid, got %v", err)
	}
	if _, err := h.store.GetWebhookEvent(context.Background(), entitlement.EventKey{
		Source: entitlement.SourceWeb, ExternalEventID: "evt_1",
	}); !errors.Is(err, entitlement.ErrNotFound) {
		t.Error("Forged delivery must not be recorded")
	}
	if h.isPremium(t) {
		t.Error("Forged delivery must not change state")
	}
}

func TestIngest_UnconfiguredSource(t *testing.T) {
	h := newHarness(t)
	_, err := h.ingestor.Ingest(context.Background(), entitlement.SourcePlayStore, []byte(`{}`), validSig)
	if !errors.Is(err, entitlement.ErrProviderNotConfigured) {
		t.Fatalf("Expected ErrProviderNotConfigured, got %v", err)
	}
}

func TestIngest_InvalidPayload(t *testing.T) {
	h := newHarness(t)
	_, err := h.ingestor.Ingest(context.Background(), entitlement.SourceWeb, []byte(`nope`), validSig)
	if !errors.Is(err, entitlement.ErrInvalidPayload) {
		t.Fatalf("Expected ErrInvalidPayload, got %v", err)
	}
	_, err = h.ingestor.Ingest(context.Background(), entitlement.SourceWeb, []byte(`{"type":"x"}`), validSig)
	if !errors.Is(err, entitlement.ErrInvalidPayload) {
		t.Fatalf("Expected ErrInvalidPayload for missing id, got %v", err)
	}
}

func TestIngest_IgnoredAndRejected(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	res := h.ingest(t, entitlement.SourceWeb, testEvent{ID: "evt_inv", Type: "invoice.paid", At: now})
	if res.Outcome != entitlement.OutcomeIgnored {
		t.Errorf("Expected ignored, got %s", res.Outcome)
	}

	res = h.ingest(t, entitlement.SourceWeb, testEvent{
		ID: "evt_anon", Type: "created", Status: entitlement.StatusActive, At: now,
	})
	if res.Outcome != entitlement.OutcomeRejected {
		t.Errorf("Expected rejected without user id, got %s", res.Outcome)
	}

	// Both are final: redelivery is a duplicate.
	res = h.ingest(t, entitlement.SourceWeb, testEvent{ID: "evt_inv", Type: "invoice.paid", At: now})
	if res.Outcome != entitlement.OutcomeDuplicate {
		t.Errorf("Expected duplicate, got %s", res.Outcome)
	}
}

func TestIngest_InvalidTransitionRejected(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	h.ingest(t, entitlement.SourceWeb, testEvent{
		ID: "evt_1", Type: "updated", UserID: testUser,
		Status: entitlement.StatusCanceledPending, PeriodEnd: now.Add(monthDuration), At: now,
	})
	res := h.ingest(t, entitlement.SourceWeb, testEvent{
		ID: "evt_2", Type: "updated", UserID: testUser, Status: entitlement.StatusPastDue, At: now.Add(time.Second),
	})
	if res.Outcome != entitlement.OutcomeRejected {
		t.Fatalf("Expected rejected, got %s", res.Outcome)
	}
}

func TestIngest_NeedsSyncSchedulesReconcile(t *testing.T) {
	h := newHarness(t)
	res := h.ingest(t, entitlement.SourceWeb, testEvent{
		ID: "evt_checkout", Type: "checkout.session.completed", UserID: testUser,
		Status: entitlement.StatusActive, At: h.clock.Now(), NeedsSync: true,
	})
	if res.Outcome != entitlement.OutcomeApplied {
		t.Fatalf("Expected applied, got %s", res.Outcome)
	}
	pending := h.queue.Pending()
	if len(pending) != 1 || pending[0].Kind != entitlement.TaskReconcile {
		t.Fatalf("Expected one reconcile task, got %+v", pending)
	}
	if pending[0].Key != "reconcile:web:"+testUser {
		t.Errorf("Unexpected task key %s", pending[0].Key)
	}
}

func TestIngest_UnknownUserSchedulesCustomerSync(t *testing.T) {
	h := newHarness(t)
	res := h.ingest(t, entitlement.SourceWeb, testEvent{
		ID: "evt_cus", Type: "customer.subscription.updated", Customer: "cus_1",
		Status: entitlement.StatusActive, At: h.clock.Now(),
	})
	if res.Outcome != entitlement.OutcomeRejected {
		t.Fatalf("Expected rejected, got %s", res.Outcome)
	}
	if res.Reason != "user unresolved; customer sync scheduled" {
		t.Errorf("Unexpected reason %q", res.Reason)
	}
	pending := h.queue.Pending()
	if len(pending) != 1 || pending[0].Kind != entitlement.TaskReconcileCustomer {
		t.Fatalf("Expected one customer reconcile task, got %+v", pending)
	}
	if pending[0].Key != "reconcile-customer:web:cus_1" {
		t.Errorf("Unexpected task key %s", pending[0].Key)
	}

	// Without a customer there is nothing to resolve.
	res = h.ingest(t, entitlement.SourceWeb, testEvent{
		ID: "evt_anon", Type: "customer.subscription.updated",
		Status: entitlement.StatusActive, At: h.clock.Now(),
	})
	if res.Outcome != entitlement.OutcomeRejected || res.Reason != "" {
		t.Errorf("Expected plain rejection, got %s %q", res.Outcome, res.Reason)
	}
	if n := len(h.queue.Pending()); n != 1 {
		t.Errorf("Expected no extra task, got %d pending", n)
	}
}

func TestIngest_FailureRetriedThenFailed(t *testing.T) {
	h := newHarness(t)
	store := &failingStore{Storage: h.store}
	ingestor, err := entitlement.NewIngestor(entitlement.IngestorConfig{
		Store:       store,
		Verifiers:   map[entitlement.Source]entitlement.WebhookVerifier{entitlement.SourceWeb: &fakeVerifier{}},
		Clock:       h.clock,
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("NewIngestor failed: %v", err)
	}
	ctx := context.Background()
	payload := testEvent{
		ID: "evt_f", Type: "created", UserID: testUser, Status: entitlement.StatusActive, At: h.clock.Now(),
	}.payload(t)

	store.setFail(true)
	if _, err := ingestor.Ingest(ctx, entitlement.SourceWeb, payload, validSig); err == nil {
		t.Fatal("Expected first failure to ask for redelivery")
	}
	res, err := ingestor.Ingest(ctx, entitlement.SourceWeb, payload, validSig)
	if err != nil {
		t.Fatalf("Expected final failure to be acknowledged, got %v", err)
	}
	if res.Outcome != entitlement.OutcomeFailed {
		t.Fatalf("Expected failed, got %s", res.Outcome)
	}
	stored, err := h.store.GetWebhookEvent(ctx, entitlement.EventKey{Source: entitlement.SourceWeb, ExternalEventID: "evt_f"})
	if err != nil {
		t.Fatalf("GetWebhookEvent failed: %v", err)
	}
	if stored.ProcessedAt == nil || !stored.ProcessedAt.Equal(h.clock.Now()) {
		t.Errorf("Expected failure stamped with the ingestor clock, got %v", stored.ProcessedAt)
	}

	// Later redeliveries are acknowledged without reprocessing.
	store.setFail(false)
	res, err = ingestor.Ingest(ctx, entitlement.SourceWeb, payload, validSig)
	if err != nil || res.Outcome != entitlement.OutcomeFailed {
		t.Fatalf("Expected failed acknowledgement, got %v %v", res, err)
	}
	if h.isPremium(t) {
		t.Fatal("Failed event must not have been applied")
	}

	// Operator replay applies the stored payload.
	res, err = ingestor.Replay(ctx, entitlement.SourceWeb, "evt_f")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if res.Outcome != entitlement.OutcomeApplied || !h.isPremium(t) {
		t.Fatalf("Expected replay to apply, got %s", res.Outcome)
	}
	if _, err := ingestor.Replay(ctx, entitlement.SourceWeb, "evt_f"); !errors.Is(err, entitlement.ErrNotReplayable) {
		t.Errorf("Expected ErrNotReplayable for an applied event, got %v", err)
	}
}
