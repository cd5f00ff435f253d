package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

type stubClient struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubClient) FetchSubscription(_ context.Context, userID string, source entitlement.Source) (*entitlement.ProviderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &entitlement.ProviderState{UserID: userID, Source: source, Status: entitlement.StatusActive}, nil
}

func (s *stubClient) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var errOutage = fmt.Errorf("%w: 503", entitlement.ErrProviderUnavailable)

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.ErrorIs(t, err, entitlement.ErrConfiguration)
}

func TestClient_PassesThrough(t *testing.T) {
	stub := &stubClient{}
	c, err := New(stub, Config{})
	require.NoError(t, err)

	state, err := c.FetchSubscription(context.Background(), "u1", entitlement.SourceWeb)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, state.Status)
	assert.Equal(t, "closed", c.State(entitlement.SourceWeb))
}

func TestClient_OpensOnRetryableFailures(t *testing.T) {
	stub := &stubClient{err: errOutage}
	var changes []string
	c, err := New(stub, Config{
		FailureThreshold: 3,
		Timeout:          time.Hour,
		OnStateChange: func(source entitlement.Source, from, to string) {
			changes = append(changes, string(source)+":"+to)
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.FetchSubscription(ctx, "u1", entitlement.SourceWeb)
		assert.True(t, entitlement.IsRetryable(err))
	}
	assert.Equal(t, "open", c.State(entitlement.SourceWeb))
	assert.Equal(t, []string{"web:open"}, changes)

	// Open breaker fails fast with a retryable error.
	_, err = c.FetchSubscription(ctx, "u1", entitlement.SourceWeb)
	assert.True(t, entitlement.IsRetryable(err))
	assert.Equal(t, 3, stub.callCount())

	// Other sources are unaffected.
	stub.setErr(nil)
	_, err = c.FetchSubscription(ctx, "u1", entitlement.SourceAppStore)
	require.NoError(t, err)
}

func TestClient_NotFoundDoesNotTrip(t *testing.T) {
	stub := &stubClient{err: fmt.Errorf("no subscription: %w", entitlement.ErrNotFound)}
	c, err := New(stub, Config{FailureThreshold: 2})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := c.FetchSubscription(context.Background(), "u1", entitlement.SourceWeb)
		assert.True(t, errors.Is(err, entitlement.ErrNotFound))
	}
	assert.Equal(t, "closed", c.State(entitlement.SourceWeb))
	assert.Equal(t, 5, stub.callCount())
}

func TestClient_HalfOpenRecovers(t *testing.T) {
	stub := &stubClient{err: errOutage}
	c, err := New(stub, Config{FailureThreshold: 1, Timeout: 20 * time.Millisecond, MaxRequests: 1})
	require.NoError(t, err)
	ctx := context.Background()

	_, _ = c.FetchSubscription(ctx, "u1", entitlement.SourcePlayStore)
	require.Equal(t, "open", c.State(entitlement.SourcePlayStore))

	time.Sleep(40 * time.Millisecond)
	stub.setErr(nil)
	_, err = c.FetchSubscription(ctx, "u1", entitlement.SourcePlayStore)
	require.NoError(t, err)
	assert.Equal(t, "closed", c.State(entitlement.SourcePlayStore))
}

type lookupClient struct {
	stubClient
	users map[string]string
}

func (l *lookupClient) UserIDForCustomer(_ context.Context, customerID string) (string, error) {
	if id, ok := l.users[customerID]; ok {
		return id, nil
	}
	return "", entitlement.ErrNotFound
}

func TestClient_UserIDForCustomer(t *testing.T) {
	c, err := New(&lookupClient{users: map[string]string{"cus_1": "u1"}}, Config{})
	require.NoError(t, err)

	userID, err := c.UserIDForCustomer(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	_, err = c.UserIDForCustomer(context.Background(), "cus_2")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)

	plain, err := New(&stubClient{}, Config{})
	require.NoError(t, err)
	_, err = plain.UserIDForCustomer(context.Background(), "cus_1")
	assert.ErrorIs(t, err, entitlement.ErrProviderNotConfigured)
}
