package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	premiumhttp "github.com/mihaimyh/goentitle/middleware/http"
	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks and the entitlement API, run the worker and the sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(true, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	if a.cfg.AutoMigrate && a.postgres != nil {
		if err := a.postgres.Migrate(ctx); err != nil {
			return err
		}
	}

	router, err := a.router()
	if err != nil {
		return err
	}

	// Pending discount syncs may predate a crash between commit and enqueue.
	if a.discounts != nil {
		if n, err := a.discounts.ResyncPending(ctx); err != nil {
			a.logger.Warn("discount resync failed", entitlement.F("error", err))
		} else if n > 0 {
			a.logger.Info("requeued pending discount codes", entitlement.F("count", n))
		}
	}

	a.worker.Start(ctx)
	defer a.worker.Stop()
	if a.cfg.Sweep.Enabled {
		a.sweeper.Start(ctx)
		defer a.sweeper.Stop()
	}
	if a.discounts != nil && a.cfg.Discounts.UsageRefreshInterval > 0 {
		stop := every(ctx, a.cfg.Discounts.UsageRefreshInterval, a.refreshUsage)
		defer stop()
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", entitlement.F("addr", a.cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) refreshUsage(ctx context.Context) {
	n, err := a.discounts.ScheduleUsageRefresh(ctx)
	if err != nil {
		a.logger.Warn("discount usage refresh failed", entitlement.F("error", err))
		return
	}
	a.logger.Debug("discount usage refresh scheduled", entitlement.F("codes", n))
}

// every runs fn on each tick until ctx is done or stop is called. stop
// waits for a running fn to return.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (a *app) router() (http.Handler, error) {
	getUserID := api.FromHeader(a.cfg.UserIDHeader)

	cfg := api.Config{
		Resolver:  a.resolver,
		GetUserID: getUserID,
		Syncer:    a.reconciler,
		Webhooks:  a.webhooks,
		Logger:    a.logger,
	}
	if a.checkout != nil {
		cfg.Checkout = a.checkout
	}
	if a.cfg.AdminToken != "" {
		cfg.IsAdmin = api.BearerToken(a.cfg.AdminToken)
		cfg.Replayer = a.ingestor
		if a.discounts != nil {
			cfg.Discounts = a.discounts
		}
	} else {
		a.logger.Warn("ADMIN_TOKEN not set, admin routes are disabled")
	}
	handler, err := api.NewHandler(cfg)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	// Lets clients probe premium access without reading the summary.
	r.With(premiumhttp.RequirePremium(premiumhttp.Config{
		Checker:   a.resolver,
		GetUserID: premiumhttp.FromHeader(a.cfg.UserIDHeader),
	})).Get("/v1/premium", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Mount("/", handler.Routes())
	return r, nil
}

func (a *app) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.zl.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
