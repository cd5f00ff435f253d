package entitlement_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	queuememory "github.com/mihaimyh/goentitle/queue/memory"
	"github.com/mihaimyh/goentitle/storage/memory"
)

const (
	testUser      = "user_123"
	validSig      = "valid"
	monthDuration = 30 * 24 * time.Hour
)

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testEvent is the wire format understood by fakeVerifier.
type testEvent struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"`
	UserID    string             `json:"user_id,omitempty"`
	Status    entitlement.Status `json:"status,omitempty"`
	PeriodEnd time.Time          `json:"period_end,omitempty"`
	At        time.Time          `json:"at"`
	Seq       int64              `json:"seq,omitempty"`
	NeedsSync bool               `json:"needs_sync,omitempty"`
	Fail      bool               `json:"fail,omitempty"`
	Customer  string             `json:"customer,omitempty"`
}

func (e testEvent) payload(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return b
}

// fakeVerifier accepts the signature "valid" and decodes testEvent.
type fakeVerifier struct {
	source entitlement.Source
}

func (v *fakeVerifier) VerifyWebhook(ctx context.Context, payload []byte, signature string) (*entitlement.ProviderEvent, error) {
	if signature != validSig {
		return nil, fmt.Errorf("%w: bad signature", entitlement.ErrSignatureInvalid)
	}
	return v.DecodeWebhook(ctx, payload)
}

func (v *fakeVerifier) DecodeWebhook(_ context.Context, payload []byte) (*entitlement.ProviderEvent, error) {
	var e testEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", entitlement.ErrInvalidPayload, err)
	}
	evt := &entitlement.ProviderEvent{
		ID:         e.ID,
		Type:       e.Type,
		Source:     v.source,
		OccurredAt: e.At,
		Sequence:   e.Seq,
		NeedsSync:  e.NeedsSync,
		CustomerID: e.Customer,
	}
	if e.Status != "" {
		evt.State = &entitlement.ProviderState{
			UserID:           e.UserID,
			Status:           e.Status,
			CurrentPeriodEnd: e.PeriodEnd,
		}
	}
	return evt, nil
}

// failingStore fails Apply while fail is set.
type failingStore struct {
	*memory.Storage
	mu   sync.Mutex
	fail bool
}

func (s *failingStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *failingStore) Apply(ctx context.Context, req *entitlement.ApplyRequest) (*entitlement.ApplyResult, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("database unavailable")
	}
	return s.Storage.Apply(ctx, req)
}

// fakeProvider serves FetchSubscription and UserIDForCustomer from maps.
type fakeProvider struct {
	mu        sync.Mutex
	states    map[string]*entitlement.ProviderState
	customers map[string]string // customer -> user
	errs      []error
	calls     int
	before    func()
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		states:    make(map[string]*entitlement.ProviderState),
		customers: make(map[string]string),
	}
}

func (p *fakeProvider) UserIDForCustomer(_ context.Context, customerID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if userID, ok := p.customers[customerID]; ok {
		return userID, nil
	}
	return "", fmt.Errorf("customer %s: %w", customerID, entitlement.ErrNotFound)
}

func (p *fakeProvider) set(source entitlement.Source, state *entitlement.ProviderState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[string(source)+":"+state.UserID] = state
}

func (p *fakeProvider) failWith(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, errs...)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) FetchSubscription(ctx context.Context, userID string, source entitlement.Source) (*entitlement.ProviderState, error) {
	p.mu.Lock()
	p.calls++
	before := p.before
	var err error
	if len(p.errs) > 0 {
		err, p.errs = p.errs[0], p.errs[1:]
	}
	state, ok := p.states[string(source)+":"+userID]
	p.mu.Unlock()

	if before != nil {
		before()
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no subscription: %w", entitlement.ErrNotFound)
	}
	c := *state
	return &c, nil
}

// changeRecorder collects change notifications.
type changeRecorder struct {
	mu      sync.Mutex
	changes []entitlement.Change
}

func (r *changeRecorder) OnChange(_ context.Context, c entitlement.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func (r *changeRecorder) all() []entitlement.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entitlement.Change(nil), r.changes...)
}

// harness wires the engine over in-memory storage.
type harness struct {
	store      *memory.Storage
	queue      *queuememory.Queue
	clock      *testClock
	provider   *fakeProvider
	changes    *changeRecorder
	ingestor   *entitlement.Ingestor
	reconciler *entitlement.Reconciler
	resolver   *entitlement.Resolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		queue:    queuememory.New(),
		clock:    newTestClock(),
		provider: newFakeProvider(),
		changes:  &changeRecorder{},
	}

	var err error
	h.ingestor, err = entitlement.NewIngestor(entitlement.IngestorConfig{
		Store: h.store,
		Verifiers: map[entitlement.Source]entitlement.WebhookVerifier{
			entitlement.SourceWeb:      &fakeVerifier{source: entitlement.SourceWeb},
			entitlement.SourceAppStore: &fakeVerifier{source: entitlement.SourceAppStore},
		},
		Queue:    h.queue,
		OnChange: h.changes,
		Clock:    h.clock,
	})
	if err != nil {
		t.Fatalf("NewIngestor failed: %v", err)
	}

	h.reconciler, err = entitlement.NewReconciler(entitlement.ReconcilerConfig{
		Store: h.store,
		Providers: map[entitlement.Source]entitlement.ProviderClient{
			entitlement.SourceWeb:      h.provider,
			entitlement.SourceAppStore: h.provider,
		},
		OnChange:    h.changes,
		Clock:       h.clock,
		CallTimeout: time.Second,
		MaxAttempts: 3,
		Backoff:     entitlement.Backoff{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2},
	})
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}

	h.resolver = entitlement.NewResolver(h.store, h.clock, nil)
	return h
}

func (h *harness) ingest(t *testing.T, source entitlement.Source, e testEvent) *entitlement.IngestResult {
	t.Helper()
	res, err := h.ingestor.Ingest(context.Background(), source, e.payload(t), validSig)
	if err != nil {
		t.Fatalf("Ingest(%s) failed: %v", e.ID, err)
	}
	return res
}

func (h *harness) isPremium(t *testing.T) bool {
	t.Helper()
	ok, err := h.resolver.IsPremium(context.Background(), testUser)
	if err != nil {
		t.Fatalf("IsPremium failed: %v", err)
	}
	return ok
}

func (h *harness) subscription(t *testing.T, source entitlement.Source) *entitlement.Subscription {
	t.Helper()
	sub, err := h.store.GetSubscription(context.Background(), testUser, source)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	return sub
}
