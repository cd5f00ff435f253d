package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRevenueCatOnly(t *testing.T) {
	t.Helper()
	t.Setenv("REVENUECAT_API_KEY", "rc_test")
	t.Setenv("REVENUECAT_WEBHOOK_SECRET", "whsec")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("AMQP_URL", "")
	t.Setenv("STRIPE_API_KEY", "")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRevenueCatOnly(t)
	t.Setenv("STRIPE_PRICES", "monthly:price_1,yearly:price_2")
	t.Setenv("REVENUECAT_ENTITLEMENTS", "premium,pro")
	t.Setenv("SWEEP_INTERVAL", "5m")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 5*time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Sweep.StaleAfter)
	assert.Equal(t, map[string]string{"monthly": "price_1", "yearly": "price_2"}, cfg.Stripe.Prices)
	assert.Equal(t, []string{"premium", "pro"}, cfg.RevenueCat.Entitlements)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, time.Hour, cfg.Discounts.UsageRefreshInterval)
	assert.Equal(t, "entitlement_", cfg.FirestoreCollectionPrefix)
}

func TestConfigValidate(t *testing.T) {
	base := Config{LogFormat: "json", LogLevel: "info", RevenueCat: RevenueCatConfig{APIKey: "rc"}}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no provider", func(c *Config) { c.RevenueCat = RevenueCatConfig{} }},
		{"stripe without webhook secret", func(c *Config) { c.Stripe.APIKey = "sk_test" }},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"two stores", func(c *Config) {
			c.DatabaseURL = "postgres://localhost/db"
			c.FirestoreProjectID = "proj"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfig_MissingEnvFile(t *testing.T) {
	_, err := loadConfig("does-not-exist.env")
	assert.Error(t, err)
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	setRevenueCatOnly(t)
	t.Setenv("ADMIN_TOKEN", "admin")
	cfg, err := loadConfig("")
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.close)
	require.NoError(t, a.wire())
	return a
}

func TestWire_RevenueCatOnly(t *testing.T) {
	a := newTestApp(t)

	assert.Nil(t, a.discounts, "discounts need the web provider")
	assert.Nil(t, a.checkout)
	assert.Len(t, a.webhooks, 2)
	assert.Len(t, a.reconciler.Sources(), 2)
}

func TestRouter(t *testing.T) {
	a := newTestApp(t)
	router, err := a.router()
	require.NoError(t, err)

	tests := []struct {
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{http.MethodGet, "/healthz", nil, http.StatusNoContent},
		{http.MethodGet, "/metrics", nil, http.StatusOK},
		{http.MethodGet, "/v1/entitlements", map[string]string{"X-User-ID": "user_1"}, http.StatusOK},
		{http.MethodGet, "/v1/entitlements", nil, http.StatusUnauthorized},
		{http.MethodGet, "/v1/premium", map[string]string{"X-User-ID": "user_1"}, http.StatusPaymentRequired},
		{http.MethodPost, "/webhooks/app_store", nil, http.StatusUnauthorized},
		{http.MethodPost, "/webhooks/web", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{}`))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestTasksFailedCommand(t *testing.T) {
	setRevenueCatOnly(t)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"tasks", "failed"})
	require.NoError(t, cmd.Execute())
	assert.Empty(t, out.String())
}

func TestReplayCommand_UnknownSource(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"replay", "paypal", "evt_1"})
	assert.Error(t, cmd.Execute())
}

func setStripe(t *testing.T) {
	t.Helper()
	setRevenueCatOnly(t)
	t.Setenv("STRIPE_API_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
}

func TestDiscountsRefreshCommand(t *testing.T) {
	setStripe(t)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"discounts", "refresh"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "refreshed=0\n", out.String())
}

func TestDiscountsRefreshCommand_RequiresStripe(t *testing.T) {
	setRevenueCatOnly(t)

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"discounts", "refresh"})
	assert.Error(t, cmd.Execute())
}

func TestEvery(t *testing.T) {
	var ticks atomic.Int32
	stop := every(context.Background(), 5*time.Millisecond, func(context.Context) {
		ticks.Add(1)
	})
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)
	stop()

	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "no ticks after stop")
}

func TestWire_StripeWiresUsageRefresh(t *testing.T) {
	setStripe(t)
	cfg, err := loadConfig("")
	require.NoError(t, err)
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.close)
	require.NoError(t, a.wire())

	require.NotNil(t, a.discounts)
	a.refreshUsage(context.Background())
	tasks, err := a.queue.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
