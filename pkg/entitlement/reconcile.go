package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const defaultCallTimeout = 5 * time.Second

// ReconcilerConfig holds configuration for the reconciliation service.
type ReconcilerConfig struct {
	Store Store

	// Providers pulls state per source. One client may serve several
	// sources.
	Providers map[Source]ProviderClient

	OnChange ChangeHandler
	Logger   Logger
	Metrics  Metrics
	Clock    Clock

	// CallTimeout bounds each provider call.
	CallTimeout time.Duration

	// MaxAttempts bounds provider retries within one Sync.
	MaxAttempts int
	Backoff     Backoff
}

// SyncResult is the outcome of reconciling one source.
type SyncResult struct {
	Source       Source        `json:"source"`
	Found        bool          `json:"found"`
	Outcome      Outcome       `json:"outcome"`
	Subscription *Subscription `json:"-"`
	Err          error         `json:"-"`
}

// Reconciler pulls provider state and applies it with the same ordering
// guard as webhook ingestion.
type Reconciler struct {
	store       Store
	providers   map[Source]ProviderClient
	onChange    ChangeHandler
	logger      Logger
	metrics     Metrics
	clock       Clock
	callTimeout time.Duration
	maxAttempts int
	backoff     Backoff
	group       singleflight.Group
}

// NewReconciler creates a reconciler.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	if len(config.Providers) == 0 {
		return nil, fmt.Errorf("%w: at least one provider is required", ErrConfiguration)
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaultCallTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Backoff == (Backoff{}) {
		config.Backoff = DefaultBackoff()
	}
	return &Reconciler{
		store:       config.Store,
		providers:   config.Providers,
		onChange:    config.OnChange,
		logger:      orNoopLogger(config.Logger),
		metrics:     orNoopMetrics(config.Metrics),
		clock:       orSystemClock(config.Clock),
		callTimeout: config.CallTimeout,
		maxAttempts: config.MaxAttempts,
		backoff:     config.Backoff,
	}, nil
}

// Sources returns the sources this reconciler can pull, in canonical order.
func (r *Reconciler) Sources() []Source {
	out := make([]Source, 0, len(r.providers))
	for _, s := range Sources {
		if _, ok := r.providers[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Sync pulls the user's state on source and applies it. A provider that
// knows no subscription is reported with Found=false, not as an error.
// ErrProviderUnavailable is returned when the pull failed after retries;
// local state is left untouched in that case.
func (r *Reconciler) Sync(ctx context.Context, userID string, source Source) (*SyncResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrConfiguration)
	}
	if _, ok := r.providers[source]; !ok {
		return nil, fmt.Errorf("%w: no provider for %s", ErrProviderNotConfigured, source)
	}

	// Joined callers share one pull. It runs detached from any single
	// caller and each caller stops waiting when its own context ends.
	key := string(source) + ":" + userID
	ch := r.group.DoChan(key, func() (interface{}, error) {
		syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.syncTimeout())
		defer cancel()
		return r.sync(syncCtx, userID, source)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SyncResult), nil
	}
}

// SyncCustomer resolves the user of a provider customer and syncs them.
// It returns ErrNotFound when the provider maps the customer to no user.
func (r *Reconciler) SyncCustomer(ctx context.Context, customerID string, source Source) (*SyncResult, error) {
	client, ok := r.providers[source]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for %s", ErrProviderNotConfigured, source)
	}
	lookup, ok := client.(CustomerLookup)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot resolve customers", ErrProviderNotConfigured, source)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	userID, err := lookup.UserIDForCustomer(callCtx, customerID)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut && !errors.Is(err, ErrProviderUnavailable) {
			err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: no user for customer %s", ErrNotFound, customerID)
	}

	r.logger.Info("customer resolved",
		F("customer_id", customerID),
		F("user_id", userID),
		F("source", string(source)))
	return r.Sync(ctx, userID, source)
}

// syncTimeout bounds a detached pull: every provider attempt, the backoff
// between them and the store write.
func (r *Reconciler) syncTimeout() time.Duration {
	attempts := time.Duration(r.maxAttempts)
	return attempts*r.callTimeout + attempts*r.backoff.MaxInterval + r.callTimeout
}

func (r *Reconciler) sync(ctx context.Context, userID string, source Source) (*SyncResult, error) {
	start := time.Now()
	defer func() { r.metrics.RecordSyncDuration(source, time.Since(start)) }()

	state, err := r.fetch(ctx, userID, source)
	found := true
	switch {
	case errors.Is(err, ErrNotFound):
		found = false
	case err != nil:
		r.metrics.RecordSync(source, "error")
		r.logger.Warn("provider sync failed",
			F("user_id", userID),
			F("source", string(source)),
			errField(err))
		return nil, err
	}

	now := r.clock.Now()
	req := &ApplyRequest{UserID: userID, Source: source, Now: now}
	if found {
		in := *state
		in.UserID = userID
		in.Source = source
		if in.ObservedAt.IsZero() {
			in.ObservedAt = now
		}
		req.Decide = func(current *Subscription) Decision {
			return decide(current, &in, now)
		}
	} else {
		req.Decide = func(current *Subscription) Decision {
			return decideMissing(current, now)
		}
	}

	res, err := r.store.Apply(ctx, req)
	if err != nil {
		r.metrics.RecordSync(source, "error")
		return nil, fmt.Errorf("failed to apply synced state: %w", err)
	}

	if res.Conflict {
		r.metrics.RecordConflict(source)
	}
	r.metrics.RecordSync(source, syncMetricResult(found, res))
	r.logger.Debug("provider sync complete",
		F("user_id", userID),
		F("source", string(source)),
		F("found", found),
		F("outcome", string(res.Outcome)))
	notifyChange(ctx, r.onChange, r.logger, r.metrics, res, "sync", "", now)

	return &SyncResult{Source: source, Found: found, Outcome: res.Outcome, Subscription: res.Current}, nil
}

func syncMetricResult(found bool, res *ApplyResult) string {
	switch {
	case !found:
		return "not_found"
	case res.Outcome == OutcomeStale:
		return "stale"
	case res.Changed():
		return "applied"
	}
	return "unchanged"
}

// fetch calls the provider with a per-call timeout and retries transient
// failures with bounded exponential backoff.
func (r *Reconciler) fetch(ctx context.Context, userID string, source Source) (*ProviderState, error) {
	client := r.providers[source]
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		state, err := client.FetchSubscription(callCtx, userID, source)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return state, nil
		}
		if timedOut && !errors.Is(err, ErrProviderUnavailable) {
			err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == r.maxAttempts {
			break
		}
		if serr := sleep(ctx, r.backoff.NextInterval(attempt)); serr != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, serr)
		}
	}
	return nil, lastErr
}

// SyncAll syncs every configured source concurrently. Results are returned
// for every source; the error joins the per-source failures.
func (r *Reconciler) SyncAll(ctx context.Context, userID string) ([]*SyncResult, error) {
	sources := r.Sources()
	results := make([]*SyncResult, len(sources))

	var mu sync.Mutex
	var errs []error
	var g errgroup.Group
	for idx, src := range sources {
		g.Go(func() error {
			res, err := r.Sync(ctx, userID, src)
			if err != nil {
				res = &SyncResult{Source: src, Err: err}
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", src, err))
				mu.Unlock()
			}
			results[idx] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// RegisterHandlers wires reconcile and customer reconcile tasks into w.
func (r *Reconciler) RegisterHandlers(w *Worker) {
	w.Handle(TaskReconcile, func(ctx context.Context, task *Task) error {
		var p reconcilePayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return Permanent(fmt.Errorf("invalid reconcile payload: %w", err))
		}
		_, err := r.Sync(ctx, p.UserID, p.Source)
		return err
	})
	w.Handle(TaskReconcileCustomer, func(ctx context.Context, task *Task) error {
		var p customerPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return Permanent(fmt.Errorf("invalid customer reconcile payload: %w", err))
		}
		_, err := r.SyncCustomer(ctx, p.CustomerID, p.Source)
		if errors.Is(err, ErrProviderNotConfigured) {
			return Permanent(err)
		}
		return err
	})
}
