package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/fusion/pkg/fault"
	"github.com/Mindburn-Labs/fusion/pkg/model"
)

func testIntegration(endpoint string) *model.Integration {
	return &model.Integration{
		ID:       "int-test",
		Name:     "test",
		Type:     model.ToolSIEM,
		Platform: "custom",
		ConnectionConfig: model.ConnectionConfig{
			Endpoint:      endpoint,
			AuthType:      model.AuthAPIKey,
			Timeout:       5 * time.Second,
			RetryAttempts: 2,
			RetryDelay:    5 * time.Millisecond,
		},
	}
}

func newTestBase(t *testing.T, endpoint string) *base {
	t.Helper()
	b, err := newBase(testIntegration(endpoint), map[string]string{"apiKey": "k"}, NewBus(16))
	require.NoError(t, err)
	return b
}

func TestDoJSONRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	b := newTestBase(t, srv.URL)
	var out map[string]any
	err := b.doJSON(context.Background(), http.MethodGet, "/thing", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoJSONDoesNotRetryAuthFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := newTestBase(t, srv.URL)
	err := b.doJSON(context.Background(), http.MethodGet, "/thing", nil, nil)
	require.Error(t, err)
	assert.Equal(t, fault.CodeAuthenticationFail, fault.CodeOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		code   fault.Code
	}{
		{http.StatusUnauthorized, fault.CodeAuthenticationFail},
		{http.StatusForbidden, fault.CodeAccessDenied},
		{http.StatusNotFound, fault.CodeIntegration},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		b := newTestBase(t, srv.URL)
		err := b.doJSON(context.Background(), http.MethodGet, "/x", nil, nil)
		require.Error(t, err, tt.status)
		assert.Equal(t, tt.code, fault.CodeOf(err), tt.status)
		srv.Close()
	}
}

func TestRateLimitHintPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := newTestBase(t, srv.URL)
	err := b.doJSON(context.Background(), http.MethodGet, "/x", nil, nil)
	require.Error(t, err)

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodeRateLimitExceeded, fe.Code)
	assert.Equal(t, 42*time.Second, fe.RetryAfter)
}

func TestConnectionRefusedMapping(t *testing.T) {
	// Reserve a port and close it so the dial is refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	b := newTestBase(t, endpoint)
	err := b.doOnce(context.Background(), http.MethodGet, "/x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, fault.CodeConnectionRefused, fault.CodeOf(err))
}

func TestKeyedRateLimiterEnforcesMinInterval(t *testing.T) {
	integ := testIntegration("https://unused.example")
	integ.SyncPolicy.Filter = map[string]any{"minCallIntervalMs": float64(100)}
	b, err := newBase(integ, map[string]string{"apiKey": "k"}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()
	require.NoError(t, b.rateLimit(ctx, "search"))
	first := time.Since(start)
	require.NoError(t, b.rateLimit(ctx, "search"))
	require.NoError(t, b.rateLimit(ctx, "search"))
	total := time.Since(start)

	assert.Less(t, first, 50*time.Millisecond, "first call must not block")
	assert.GreaterOrEqual(t, total, 190*time.Millisecond, "subsequent calls must wait out the interval")

	// Different keys are independent.
	start = time.Now()
	require.NoError(t, b.rateLimit(ctx, "export"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestMinCallIntervalAcceptsAnyNumericFilter(t *testing.T) {
	for name, value := range map[string]any{
		"float64": float64(250),
		"int":     250,
		"int64":   int64(250),
	} {
		integ := testIntegration("https://unused.example")
		integ.SyncPolicy.Filter = map[string]any{"minCallIntervalMs": value}
		b, err := newBase(integ, map[string]string{"apiKey": "k"}, nil)
		require.NoError(t, err, name)
		assert.Equal(t, 250*time.Millisecond, b.minInterval, name)
	}

	integ := testIntegration("https://unused.example")
	integ.SyncPolicy.Filter = map[string]any{"minCallIntervalMs": "250"}
	b, err := newBase(integ, map[string]string{"apiKey": "k"}, nil)
	require.NoError(t, err)
	assert.Zero(t, b.minInterval, "non-numeric values leave throttling off")
}

func TestAuthHeaders(t *testing.T) {
	var gotAPIKey, gotBasic string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("X-API-Key")
		if u, p, ok := r.BasicAuth(); ok {
			gotBasic = u + ":" + p
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	b := newTestBase(t, srv.URL)
	require.NoError(t, b.doOnce(context.Background(), http.MethodGet, "/x", nil, nil))
	assert.Equal(t, "k", gotAPIKey)

	integ := testIntegration(srv.URL)
	integ.ConnectionConfig.AuthType = model.AuthBasic
	bb, err := newBase(integ, map[string]string{"username": "u", "password": "p"}, nil)
	require.NoError(t, err)
	require.NoError(t, bb.doOnce(context.Background(), http.MethodGet, "/x", nil, nil))
	assert.Equal(t, "u:p", gotBasic)
}

func TestCustomHeadersForwarded(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Tenant")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	integ := testIntegration(srv.URL)
	integ.ConnectionConfig.CustomHeaders = map[string]string{"X-Tenant": "acme"}
	b, err := newBase(integ, map[string]string{"apiKey": "k"}, nil)
	require.NoError(t, err)
	require.NoError(t, b.doOnce(context.Background(), http.MethodGet, "/x", nil, nil))
	assert.Equal(t, "acme", got)
}

func TestStatusMapping(t *testing.T) {
	b := newTestBase(t, "https://unused.example")
	assert.Equal(t, StatusDisconnected, b.Status())

	b.mu.Lock()
	b.state = StateConnected
	b.mu.Unlock()
	assert.Equal(t, StatusConnected, b.Status())

	b.mu.Lock()
	b.state = StateSyncing
	b.mu.Unlock()
	assert.Equal(t, StatusConnected, b.Status())

	b.mu.Lock()
	b.state = StateError
	b.mu.Unlock()
	assert.Equal(t, StatusError, b.Status())
}
