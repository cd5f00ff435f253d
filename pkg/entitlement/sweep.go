package entitlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweeperConfig holds configuration for the periodic reconcile sweep.
type SweeperConfig struct {
	Store      Store
	Reconciler *Reconciler
	Logger     Logger
	Clock      Clock

	Interval    time.Duration
	StaleAfter  time.Duration
	BatchSize   int
	Concurrency int
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Checked int
	Synced  int
	Failed  int
}

// Sweeper periodically re-syncs rows that were not confirmed recently and
// rows whose grace period ended.
type Sweeper struct {
	config     SweeperConfig
	store      Store
	reconciler *Reconciler
	logger     Logger
	clock      Clock

	wg       sync.WaitGroup
	stopChan chan struct{}
	running  bool
	mu       sync.Mutex
}

// NewSweeper creates a sweeper.
func NewSweeper(config SweeperConfig) (*Sweeper, error) {
	if config.Store == nil || config.Reconciler == nil {
		return nil, fmt.Errorf("%w: store and reconciler are required", ErrConfiguration)
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Minute
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 24 * time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return &Sweeper{
		config:     config,
		store:      config.Store,
		reconciler: config.Reconciler,
		logger:     orNoopLogger(config.Logger),
		clock:      orSystemClock(config.Clock),
		stopChan:   make(chan struct{}),
	}, nil
}

// RunOnce syncs one batch of candidates. Per-row failures are logged and
// counted; only a failure to list candidates is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	now := s.clock.Now()
	subs, err := s.store.ListSubscriptionsForSweep(ctx, SweepQuery{
		SyncedBefore:      now.Add(-s.config.StaleAfter),
		PeriodEndedBefore: now,
		Limit:             s.config.BatchSize,
	})
	if err != nil {
		return SweepReport{}, fmt.Errorf("failed to list sweep candidates: %w", err)
	}

	var report SweepReport
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for _, sub := range subs {
		if _, ok := s.reconciler.providers[sub.Source]; !ok {
			continue
		}
		g.Go(func() error {
			_, err := s.reconciler.Sync(ctx, sub.UserID, sub.Source)
			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if err != nil {
				report.Failed++
				s.logger.Warn("sweep sync failed",
					F("user_id", sub.UserID),
					F("source", string(sub.Source)),
					errField(err))
				return nil
			}
			report.Synced++
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("sweep complete",
		F("checked", report.Checked),
		F("synced", report.Synced),
		F("failed", report.Failed))
	return report, nil
}

// Start runs RunOnce on every interval until Stop or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					s.logger.Error("sweep failed", errField(err))
				}
			}
		}
	}()
}

// Stop stops the sweep loop and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()
	s.wg.Wait()
}
