package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const discountTaskAttempts = 8

var errTermsChanged = errors.New("discount terms changed during sync")

// DiscountServiceConfig holds configuration for the discount code service.
type DiscountServiceConfig struct {
	Store  Store
	Client PromotionClient

	// Queue receives remote sync tasks created by admin writes.
	Queue TaskQueue

	Logger  Logger
	Metrics Metrics
	Clock   Clock
}

// DiscountUpdate changes the terms of a code. Nil fields are left as is.
type DiscountUpdate struct {
	Kind                *DiscountKind
	PercentOff          *float64
	AmountOff           *int64
	Currency            *string
	Duration            *DiscountDuration
	DurationInMonths    *int
	MaxRedemptions      *int
	ClearMaxRedemptions bool
	ExpiresAt           *time.Time
	ClearExpiresAt      bool
}

// DiscountService keeps admin-managed discount codes in sync with the web
// provider. Remote coupons are immutable: a change of terms retires the old
// promotion code and creates a new coupon and promotion code.
type DiscountService struct {
	store   Store
	client  PromotionClient
	queue   TaskQueue
	logger  Logger
	metrics Metrics
	clock   Clock
}

// NewDiscountService creates a discount service.
func NewDiscountService(config DiscountServiceConfig) (*DiscountService, error) {
	if config.Store == nil || config.Client == nil {
		return nil, fmt.Errorf("%w: store and promotion client are required", ErrConfiguration)
	}
	return &DiscountService{
		store:   config.Store,
		client:  config.Client,
		queue:   config.Queue,
		logger:  orNoopLogger(config.Logger),
		metrics: orNoopMetrics(config.Metrics),
		clock:   orSystemClock(config.Clock),
	}, nil
}

// Create validates and stores a new code and schedules its remote creation.
// Creating a code that exists with the same terms returns the stored code;
// different terms fail with ErrDiscountCodeExists.
func (s *DiscountService) Create(ctx context.Context, in *DiscountCode) (*DiscountCode, error) {
	d := in.Clone()
	d.Code = NormalizeCode(d.Code)
	d.Currency = upperCurrency(d.Currency)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	d.ExternalCouponID = ""
	d.ExternalPromoID = ""
	d.TimesRedeemed = 0
	d.RetiredRedemptions = 0
	d.RetiredPromoIDs = nil
	d.Revision = 1
	d.SyncState = SyncPending
	d.SyncError = ""
	d.CreatedAt = now
	d.UpdatedAt = now

	if err := s.store.CreateDiscountCode(ctx, d); err != nil {
		if errors.Is(err, ErrDiscountCodeExists) {
			return s.createExisting(ctx, d, err)
		}
		return nil, err
	}
	s.logger.Info("discount code created", F("code", d.Code))
	s.enqueue(ctx, TaskDiscountCreateRemote, d.Code)
	return d, nil
}

// createExisting makes a repeated Create with identical terms a no-op. A code
// still waiting for its remote pair is scheduled again.
func (s *DiscountService) createExisting(ctx context.Context, d *DiscountCode, exists error) (*DiscountCode, error) {
	cur, err := s.store.GetDiscountCode(ctx, d.Code)
	if err != nil {
		return nil, err
	}
	if !cur.sameTerms(d) {
		return nil, exists
	}
	if !cur.Synced() {
		s.enqueue(ctx, TaskDiscountCreateRemote, cur.Code)
	}
	return cur, nil
}

// Update changes the terms of a code. Any change of terms retires the
// current promotion code and schedules a new remote pair.
func (s *DiscountService) Update(ctx context.Context, code string, upd DiscountUpdate) (*DiscountCode, error) {
	code = NormalizeCode(code)
	termsChanged := false
	d, err := s.store.UpdateDiscountCode(ctx, code, func(cur *DiscountCode) error {
		next := cur.Clone()
		applyDiscountUpdate(next, upd)
		if err := next.Validate(); err != nil {
			return err
		}
		if next.sameTerms(cur) {
			return nil
		}
		termsChanged = true
		if next.ExternalPromoID != "" {
			next.RetiredPromoIDs = append(next.RetiredPromoIDs, next.ExternalPromoID)
		}
		next.ExternalPromoID = ""
		next.ExternalCouponID = ""
		next.Revision++
		next.SyncState = SyncPending
		next.SyncError = ""
		next.UpdatedAt = s.clock.Now()
		*cur = *next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if termsChanged {
		s.logger.Info("discount code terms changed", F("code", code), F("revision", d.Revision))
		s.enqueue(ctx, TaskDiscountCreateRemote, code)
	}
	return d, nil
}

func applyDiscountUpdate(d *DiscountCode, upd DiscountUpdate) {
	if upd.Kind != nil {
		d.Kind = *upd.Kind
	}
	if upd.PercentOff != nil {
		d.PercentOff = *upd.PercentOff
	}
	if upd.AmountOff != nil {
		d.AmountOff = *upd.AmountOff
	}
	if upd.Currency != nil {
		d.Currency = upperCurrency(*upd.Currency)
	}
	if upd.Duration != nil {
		d.Duration = *upd.Duration
	}
	if upd.DurationInMonths != nil {
		d.DurationInMonths = *upd.DurationInMonths
	}
	if upd.ClearMaxRedemptions {
		d.MaxRedemptions = nil
	} else if upd.MaxRedemptions != nil {
		v := *upd.MaxRedemptions
		d.MaxRedemptions = &v
	}
	if upd.ClearExpiresAt {
		d.ExpiresAt = nil
	} else if upd.ExpiresAt != nil {
		t := upd.ExpiresAt.UTC()
		d.ExpiresAt = &t
	}
}

// Deactivate turns a code off locally and schedules the remote change.
func (s *DiscountService) Deactivate(ctx context.Context, code string) (*DiscountCode, error) {
	return s.setLocalActive(ctx, NormalizeCode(code), false)
}

// Activate turns a code back on locally and schedules the remote change.
func (s *DiscountService) Activate(ctx context.Context, code string) (*DiscountCode, error) {
	return s.setLocalActive(ctx, NormalizeCode(code), true)
}

func (s *DiscountService) setLocalActive(ctx context.Context, code string, active bool) (*DiscountCode, error) {
	d, err := s.store.UpdateDiscountCode(ctx, code, func(cur *DiscountCode) error {
		if cur.IsActive == active {
			return nil
		}
		cur.IsActive = active
		if cur.ExternalPromoID != "" {
			cur.SyncState = SyncPending
		}
		cur.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if d.ExternalPromoID != "" {
		s.enqueue(ctx, TaskDiscountSetActive, code)
	}
	return d, nil
}

// Delete removes a code that was never redeemed. Its remote promotion
// codes are deactivated first; coupons are left in place.
func (s *DiscountService) Delete(ctx context.Context, code string) error {
	code = NormalizeCode(code)
	d, err := s.store.GetDiscountCode(ctx, code)
	if err != nil {
		return err
	}
	if d.ExternalPromoID != "" {
		if _, err := s.RefreshUsage(ctx, code); err != nil {
			return err
		}
		if d, err = s.store.GetDiscountCode(ctx, code); err != nil {
			return err
		}
	}
	if d.TimesRedeemed > 0 {
		return fmt.Errorf("%w: %s redeemed %d times", ErrDiscountCodeInUse, code, d.TimesRedeemed)
	}

	promos := append([]string(nil), d.RetiredPromoIDs...)
	if d.ExternalPromoID != "" {
		promos = append(promos, d.ExternalPromoID)
	}
	for _, id := range promos {
		if err := s.client.SetPromotionCodeActive(ctx, id, false); err != nil {
			s.metrics.RecordDiscountSync("deactivate", "error")
			return fmt.Errorf("failed to deactivate promotion code %s: %w", id, err)
		}
		s.metrics.RecordDiscountSync("deactivate", "success")
	}
	if err := s.store.DeleteDiscountCode(ctx, code); err != nil {
		return err
	}
	s.logger.Info("discount code deleted", F("code", code))
	return nil
}

// Get returns one code.
func (s *DiscountService) Get(ctx context.Context, code string) (*DiscountCode, error) {
	return s.store.GetDiscountCode(ctx, NormalizeCode(code))
}

// List returns every code.
func (s *DiscountService) List(ctx context.Context) ([]*DiscountCode, error) {
	return s.store.ListDiscountCodes(ctx)
}

// CreateRemote creates the coupon and promotion code for the current terms
// and persists their ids. It is idempotent: ids already stored are reused
// and creates carry a revision-scoped idempotency key. Retired promotion
// codes are deactivated before a new one is created.
func (s *DiscountService) CreateRemote(ctx context.Context, code string) (couponID, promoID string, err error) {
	code = NormalizeCode(code)
	d, err := s.store.GetDiscountCode(ctx, code)
	if err != nil {
		return "", "", err
	}
	if d.Synced() {
		return d.ExternalCouponID, d.ExternalPromoID, nil
	}
	revision := d.Revision

	for _, id := range d.RetiredPromoIDs {
		if d, err = s.retirePromotionCode(ctx, code, id); err != nil {
			return "", "", err
		}
	}

	if d.ExternalCouponID == "" {
		id, err := s.client.CreateCoupon(ctx, d.couponTerms(), idempotencyKey(d, "coupon"))
		if err != nil {
			s.metrics.RecordDiscountSync("create_coupon", "error")
			return "", "", s.syncFailed(ctx, code, fmt.Errorf("failed to create coupon: %w", err))
		}
		s.metrics.RecordDiscountSync("create_coupon", "success")
		d, err = s.store.UpdateDiscountCode(ctx, code, func(cur *DiscountCode) error {
			if cur.Revision != revision {
				return errTermsChanged
			}
			cur.ExternalCouponID = id
			cur.UpdatedAt = s.clock.Now()
			return nil
		})
		if err != nil {
			return "", "", err
		}
	}

	if d.ExternalPromoID == "" {
		createdActive := d.IsActive
		id, err := s.client.CreatePromotionCode(ctx, PromotionTerms{
			Code:           d.Code,
			CouponID:       d.ExternalCouponID,
			MaxRedemptions: d.MaxRedemptions,
			ExpiresAt:      d.ExpiresAt,
			Active:         createdActive,
		}, idempotencyKey(d, "promo"))
		if err != nil {
			s.metrics.RecordDiscountSync("create_promotion_code", "error")
			return "", "", s.syncFailed(ctx, code, fmt.Errorf("failed to create promotion code: %w", err))
		}
		s.metrics.RecordDiscountSync("create_promotion_code", "success")

		var stale bool
		d, err = s.store.UpdateDiscountCode(ctx, code, func(cur *DiscountCode) error {
			if cur.Revision != revision {
				// The new code carries outdated terms; retire it.
				cur.RetiredPromoIDs = append(cur.RetiredPromoIDs, id)
				stale = true
				return nil
			}
			cur.ExternalPromoID = id
			cur.SyncState = SyncSynced
			cur.SyncError = ""
			cur.UpdatedAt = s.clock.Now()
			return nil
		})
		if err != nil {
			return "", "", err
		}
		if stale {
			return "", "", errTermsChanged
		}
		if d.IsActive != createdActive {
			if err := s.pushActive(ctx, code); err != nil {
				return "", "", err
			}
		}
	}

	s.logger.Info("discount code synced",
		F("code", code),
		F("coupon_id", d.ExternalCouponID),
		F("promotion_code_id", d.ExternalPromoID))
	return d.ExternalCouponID, d.ExternalPromoID, nil
}

// retirePromotionCode deactivates a replaced promotion code, then folds its
// final redemption count into RetiredRedemptions. The count is read once the
// code can no longer be redeemed.
func (s *DiscountService) retirePromotionCode(ctx context.Context, code, promoID string) (*DiscountCode, error) {
	if err := s.client.SetPromotionCodeActive(ctx, promoID, false); err != nil {
		s.metrics.RecordDiscountSync("deactivate", "error")
		return nil, s.syncFailed(ctx, code, fmt.Errorf("failed to deactivate promotion code %s: %w", promoID, err))
	}
	s.metrics.RecordDiscountSync("deactivate", "success")

	n, err := s.client.PromotionCodeRedemptions(ctx, promoID)
	if err != nil {
		s.metrics.RecordDiscountSync("refresh_usage", "error")
		return nil, s.syncFailed(ctx, code, fmt.Errorf("failed to read redemptions of %s: %w", promoID, err))
	}
	s.metrics.RecordDiscountSync("refresh_usage", "success")

	return s.store.UpdateDiscountCode(ctx, code, func(cur *DiscountCode) error {
		if !containsString(cur.RetiredPromoIDs, promoID) {
			return nil
		}
		cur.RetiredPromoIDs = removeString(cur.RetiredPromoIDs, promoID)
		cur.RetiredRedemptions += n
		if cur.TimesRedeemed < cur.RetiredRedemptions {
			cur.TimesRedeemed = cur.RetiredRedemptions
		}
		return nil
	})
}

// SetActive sets the code's active flag locally and on its remote
// promotion code. The coupon is never touched.
func (s *DiscountService) SetActive(ctx context.Context, code string, active bool) error {
	code = NormalizeCode(code)
	if _, err := s.store.UpdateDiscountCode(ctx, code, func(cur *DiscountCode) error {
		cur.IsActive = active
		cur.UpdatedAt = s.clock.Now()
		return nil
	}); err != nil {
		return err
	}
	return s.pushActive(ctx, code)
}

// pushActive sends the current local active flag to the remote promotion
// code. Codes without one pick the flag up when they are created.
func (s *DiscountService) pushActive(ctx context.Context, code string) error {
	d, err := s.store.GetDiscountCode(ctx, code)
	if err != nil {
		return err
	}
	if d.ExternalPromoID == "" {
		return nil
	}
	if err := s.client.SetPromotionCodeActive(ctx, d.ExternalPromoID, d.IsActive); err != nil {
		s.metrics.RecordDiscountSync("set_active", "error")
		return s.syncFailed(ctx, code, fmt.Errorf("failed to update promotion code: %w", err))
	}
	s.metrics.RecordDiscountSync("set_active", "success")
	promoID := d.ExternalPromoID
	_, err = s.store.UpdateDiscountCode(ctx, code, func(cur *DiscountCode) error {
		if cur.ExternalPromoID == promoID && cur.Synced() {
			cur.SyncState = SyncSynced
			cur.SyncError = ""
		}
		return nil
	})
	return err
}

// RefreshUsage pulls the redemption count of the current promotion code
// and returns the total across all of the code's promotion codes.
func (s *DiscountService) RefreshUsage(ctx context.Context, code string) (int, error) {
	code = NormalizeCode(code)
	d, err := s.store.GetDiscountCode(ctx, code)
	if err != nil {
		return 0, err
	}
	if d.ExternalPromoID == "" {
		return d.TimesRedeemed, nil
	}
	n, err := s.client.PromotionCodeRedemptions(ctx, d.ExternalPromoID)
	if err != nil {
		s.metrics.RecordDiscountSync("refresh_usage", "error")
		return 0, fmt.Errorf("failed to read redemptions: %w", err)
	}
	s.metrics.RecordDiscountSync("refresh_usage", "success")
	promoID := d.ExternalPromoID
	d, err = s.store.UpdateDiscountCode(ctx, code, func(cur *DiscountCode) error {
		if cur.ExternalPromoID != promoID {
			return nil
		}
		now := s.clock.Now()
		cur.TimesRedeemed = cur.RetiredRedemptions + n
		cur.UsageRefreshedAt = &now
		return nil
	})
	if err != nil {
		return 0, err
	}
	return d.TimesRedeemed, nil
}

// RefreshAllUsage refreshes every synced code. It continues past failures
// and returns them joined.
func (s *DiscountService) RefreshAllUsage(ctx context.Context) (int, error) {
	codes, err := s.store.ListDiscountCodes(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	refreshed := 0
	for _, d := range codes {
		if d.ExternalPromoID == "" {
			continue
		}
		if _, err := s.RefreshUsage(ctx, d.Code); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Code, err))
			continue
		}
		refreshed++
	}
	return refreshed, errors.Join(errs...)
}

// ScheduleUsageRefresh queues a usage refresh for every code with a remote
// promotion code. Without a queue the refresh runs inline.
func (s *DiscountService) ScheduleUsageRefresh(ctx context.Context) (int, error) {
	if s.queue == nil {
		return s.RefreshAllUsage(ctx)
	}
	codes, err := s.store.ListDiscountCodes(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range codes {
		if d.ExternalPromoID == "" {
			continue
		}
		s.enqueue(ctx, TaskDiscountRefreshUsage, d.Code)
		n++
	}
	return n, nil
}

// ResyncPending schedules remote work for every code that is not in sync,
// covering tasks lost before they were enqueued.
func (s *DiscountService) ResyncPending(ctx context.Context) (int, error) {
	codes, err := s.store.ListDiscountCodes(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range codes {
		switch {
		case !d.Synced():
			s.enqueue(ctx, TaskDiscountCreateRemote, d.Code)
		case d.SyncState != SyncSynced:
			s.enqueue(ctx, TaskDiscountSetActive, d.Code)
		default:
			continue
		}
		n++
	}
	return n, nil
}

// RegisterHandlers wires the discount tasks into w.
func (s *DiscountService) RegisterHandlers(w *Worker) {
	w.Handle(TaskDiscountCreateRemote, s.taskHandler(func(ctx context.Context, code string) error {
		_, _, err := s.CreateRemote(ctx, code)
		return err
	}))
	w.Handle(TaskDiscountSetActive, s.taskHandler(s.pushActive))
	w.Handle(TaskDiscountRefreshUsage, s.taskHandler(func(ctx context.Context, code string) error {
		_, err := s.RefreshUsage(ctx, code)
		return err
	}))
}

func (s *DiscountService) taskHandler(fn func(ctx context.Context, code string) error) TaskHandler {
	return func(ctx context.Context, task *Task) error {
		var p discountPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return Permanent(fmt.Errorf("invalid discount task payload: %w", err))
		}
		err := fn(ctx, p.Code)
		if err == nil || errors.Is(err, ErrNotFound) {
			// A deleted code has nothing left to sync.
			return nil
		}
		if IsPermanent(err) || (task.MaxAttempts > 0 && task.Attempts >= task.MaxAttempts) {
			s.markFailed(ctx, p.Code, err)
		}
		return err
	}
}

func (s *DiscountService) syncFailed(ctx context.Context, code string, cause error) error {
	if _, err := s.store.UpdateDiscountCode(ctx, code, func(cur *DiscountCode) error {
		cur.SyncError = cause.Error()
		return nil
	}); err != nil {
		s.logger.Warn("failed to record discount sync error", F("code", code), errField(err))
	}
	s.logger.Warn("discount code sync failed", F("code", code), errField(cause))
	return cause
}

func (s *DiscountService) markFailed(ctx context.Context, code string, cause error) {
	if _, err := s.store.UpdateDiscountCode(ctx, code, func(cur *DiscountCode) error {
		cur.SyncState = SyncFailed
		cur.SyncError = cause.Error()
		return nil
	}); err != nil {
		s.logger.Warn("failed to mark discount code failed", F("code", code), errField(err))
	}
}

func (s *DiscountService) enqueue(ctx context.Context, kind TaskKind, code string) {
	if s.queue == nil {
		return
	}
	task, err := newDiscountTask(kind, code)
	if err == nil {
		task.MaxAttempts = discountTaskAttempts
		err = s.queue.Enqueue(ctx, task)
	}
	if err != nil {
		s.logger.Warn("failed to schedule discount sync",
			F("code", code),
			F("kind", string(kind)),
			errField(err))
	}
}

func idempotencyKey(d *DiscountCode, object string) string {
	return fmt.Sprintf("discount-%s-r%d-%s", d.Code, d.Revision, object)
}

func upperCurrency(c string) string {
	if c == "" {
		return ""
	}
	return NormalizeCode(c)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
