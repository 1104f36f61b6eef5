/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/LeadFabric-nv/federale-file-upload/httpserver/middleware"
	"github.com/LeadFabric-nv/federale-file-upload/log"
	"github.com/LeadFabric-nv/federale-file-upload/log/logtest"
	"github.com/LeadFabric-nv/federale-file-upload/retry"
)

type tokenProviderMock struct {
	mu          sync.Mutex
	tokens      []string
	calls       int
	invalidated int
}

func (p *tokenProviderMock) GetToken(ctx context.Context, scope ...string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	token := p.tokens[p.calls%len(p.tokens)]
	p.calls++
	return token, nil
}

func (p *tokenProviderMock) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated++
}

func fastRetriesConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Retries.Policy = RetryPolicyConstant
	cfg.Retries.Interval = time.Millisecond
	return cfg
}

func TestNewWithOpts_RetriesWithRewoundBody(t *testing.T) {
	var attempts atomic.Int32
	var bodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if attempts.Inc() < 3 {
			rw.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		require.Equal(t, "2", r.Header.Get(RetryAttemptNumberHeader))
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewWithOpts(fastRetriesConfig(), Opts{})
	require.NoError(t, err)

	ctx := NewContextWithIdempotentHint(context.Background(), true)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, []string{"payload", "payload", "payload"}, bodies)
}

func TestNewWithOpts_DoesNotRepeatNonIdempotentPostOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		attempts.Inc()
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewWithOpts(fastRetriesConfig(), Opts{})
	require.NoError(t, err)
	resp, err := client.Post(srv.URL, "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, int32(1), attempts.Load())
}

func TestNewWithOpts_RepeatsTooManyRequestsUpToMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		attempts.Inc()
		rw.Header().Set("Retry-After", "0")
		rw.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := fastRetriesConfig()
	cfg.Retries.MaxAttempts = 2
	client, err := NewWithOpts(cfg, Opts{})
	require.NoError(t, err)
	resp, err := client.Post(srv.URL, "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, int32(3), attempts.Load())
}

func TestAuthBearerRoundTripper_RefreshesTokenOnUnauthorized(t *testing.T) {
	var auths []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		require.Equal(t, "file-content", string(b))
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.Header.Get("Authorization") == "Bearer stale" {
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		rw.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	provider := &tokenProviderMock{tokens: []string{"stale", "fresh"}}
	cfg := NewDefaultConfig()
	cfg.Retries.Enabled = false
	client, err := NewWithOpts(cfg, Opts{AuthProvider: provider})
	require.NoError(t, err)

	resp, err := client.Post(srv.URL, "text/plain", strings.NewReader("file-content"))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, []string{"Bearer stale", "Bearer fresh"}, auths)
	require.Equal(t, 1, provider.invalidated)
}

func TestAuthBearerRoundTripper_KeepsExplicitAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Basic abc", r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	provider := &tokenProviderMock{tokens: []string{"t"}}
	client := &http.Client{Transport: NewAuthBearerRoundTripper(http.DefaultTransport, provider)}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic abc")
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 0, provider.calls)
}

func TestRateLimitingRoundTripper(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	t.Run("validates options", func(t *testing.T) {
		_, err := NewRateLimitingRoundTripper(http.DefaultTransport, 0)
		require.Error(t, err)
		_, err = NewRateLimitingRoundTripperWithOpts(http.DefaultTransport, 1, RateLimitingRoundTripperOpts{Burst: -1})
		require.Error(t, err)
	})

	t.Run("fails when wait timeout is exceeded", func(t *testing.T) {
		rt, err := NewRateLimitingRoundTripperWithOpts(http.DefaultTransport, 1, RateLimitingRoundTripperOpts{
			Period:      time.Minute,
			WaitTimeout: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		client := &http.Client{Transport: rt}

		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())

		_, err = client.Get(srv.URL) // nolint: bodyclose
		var waitErr *RateLimitingWaitError
		require.ErrorAs(t, err, &waitErr)
	})
}

func TestRequestIDAndUserAgentPropagation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, "req-1", r.Header.Get(middleware.RequestIDHeader))
		require.Equal(t, "federale-relay/1.0", r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	client, err := NewWithOpts(NewDefaultConfig(), Opts{UserAgent: "federale-relay/1.0"})
	require.NoError(t, err)
	ctx := middleware.NewContextWithRequestID(context.Background(), "req-1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
}

func TestLoggingAndMetricsRoundTrippers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	logRecorder := logtest.NewRecorder()
	collector := NewPrometheusMetricsCollector("")
	cfg := NewDefaultConfig()
	cfg.Log.Mode = LoggingModeFailed
	cfg.Log.SlowRequestThreshold = 0
	client, err := NewWithOpts(cfg, Opts{
		ClientType:       "marketo",
		LoggerProvider:   func(ctx context.Context) log.FieldLogger { return logRecorder },
		MetricsCollector: collector,
	})
	require.NoError(t, err)

	ctx := NewContextWithRequestType(context.Background(), "update_lead")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/rest?client_secret=s3cr3t", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	entries := logRecorder.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "client http request done", entries[0].Text)
	url, _ := entries[0].FieldString("url")
	require.Equal(t, srv.URL+"/rest", url)
	reqType, _ := entries[0].FieldString("request_type")
	require.Equal(t, "update_lead", reqType)

	require.Equal(t, 1, testutil.CollectAndCount(collector.Durations))
}

func TestRetriesConfigGetPolicy(t *testing.T) {
	cfg := RetriesConfig{Policy: RetryPolicyConstant, Interval: time.Second}
	require.IsType(t, retry.ConstantBackoffPolicy{}, cfg.GetPolicy())
	cfg.Policy = RetryPolicyExponential
	require.IsType(t, retry.ExponentialBackoffPolicy{}, cfg.GetPolicy())
}
