/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package marketo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/slok/goresilience/metrics"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/LeadFabric-nv/federale-file-upload/config"
)

const testConfigTemplate = `
marketo:
  host: %s/
  client:
    id: test-id
    secret: test-secret
  folderId: 42
  token:
    retries:
      maxAttempts: 2
      initialInterval: 1ms
  circuitBreaker:
    enabled: %t
    minimumRequests: 3
    openWait: 1m
  http:
    retries:
      enabled: false
    rateLimits:
      enabled: false
`

func newTestConfig(t *testing.T, host string, circuitBreaker bool) *Config {
	t.Helper()
	cfg := NewConfig()
	cfgData := fmt.Sprintf(testConfigTemplate, host, circuitBreaker)
	require.NoError(t, config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(cfgData), config.DataTypeYAML, cfg))
	return cfg
}

type uploadedPart struct {
	FieldName   string
	FileName    string
	ContentType string
	Content     string
}

type fakeMarketo struct {
	tokenCalls  atomic.Int32
	uploadCalls atomic.Int32
	leadCalls   atomic.Int32

	tokenStatus    int
	tokenExpiresIn int
	tokenDelay     time.Duration
	rejectToken    atomic.Bool
	uploadStatus   int
	leadStatus     int
	leadResponse   string

	mu         sync.Mutex
	authHeader string
	folder     string
	parts      []uploadedPart
	leadBody   map[string]interface{}
}

func newFakeMarketo() *fakeMarketo {
	return &fakeMarketo{
		tokenStatus:    http.StatusOK,
		tokenExpiresIn: 3600,
		uploadStatus:   http.StatusOK,
		leadStatus:     http.StatusOK,
		leadResponse:   `{"requestId":"e42b#14272d07d78","success":true,"result":[{"id":50,"status":"updated"}]}`,
	}
}

func (f *fakeMarketo) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case tokenPath:
		n := f.tokenCalls.Inc()
		time.Sleep(f.tokenDelay)
		q := r.URL.Query()
		if q.Get("grant_type") != "client_credentials" || q.Get("client_id") != "test-id" || q.Get("client_secret") != "test-secret" {
			rw.WriteHeader(http.StatusUnauthorized)
			_, _ = rw.Write([]byte(`{"error":"unauthorized","error_description":"Bad client credentials"}`))
			return
		}
		rw.WriteHeader(f.tokenStatus)
		if f.tokenStatus != http.StatusOK {
			_, _ = rw.Write([]byte(`{"error":"unauthorized","error_description":"Bad client credentials"}`))
			return
		}
		_, _ = fmt.Fprintf(rw, `{"access_token":"token-%d","token_type":"bearer","expires_in":%d,"scope":"api"}`, n, f.tokenExpiresIn)

	case filesPath:
		f.uploadCalls.Inc()
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.authHeader = r.Header.Get("Authorization")
		f.folder = r.URL.Query().Get("folder")
		for fieldName, headers := range r.MultipartForm.File {
			for _, fh := range headers {
				file, _ := fh.Open()
				content, _ := io.ReadAll(file)
				_ = file.Close()
				f.parts = append(f.parts, uploadedPart{
					FieldName: fieldName, FileName: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Content: string(content),
				})
			}
		}
		f.mu.Unlock()
		rw.WriteHeader(f.uploadStatus)
		if f.uploadStatus != http.StatusOK {
			_, _ = rw.Write([]byte(`{"success":false,"errors":[{"code":"709","message":"File too large"}]}`))
			return
		}
		_, _ = rw.Write([]byte(`{"success":true,"result":[{"id":1,"name":"report.pdf"}]}`))

	case leadsPath:
		f.leadCalls.Inc()
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.authHeader = r.Header.Get("Authorization")
		f.leadBody = body
		f.mu.Unlock()
		if f.rejectToken.CompareAndSwap(true, false) {
			_, _ = rw.Write([]byte(`{"requestId":"1","success":false,"errors":[{"code":"602","message":"Access token expired"}]}`))
			return
		}
		rw.WriteHeader(f.leadStatus)
		_, _ = rw.Write([]byte(f.leadResponse))

	default:
		rw.WriteHeader(http.StatusNotFound)
	}
}

func TestTokenProvider(t *testing.T) {
	newProvider := func(t *testing.T, fake *fakeMarketo) *TokenProvider {
		server := httptest.NewServer(fake)
		t.Cleanup(server.Close)
		tp, err := NewTokenProvider(newTestConfig(t, server.URL, false), server.Client(), TokenProviderOpts{})
		require.NoError(t, err)
		return tp
	}

	t.Run("token is cached until invalidated", func(t *testing.T) {
		fake := newFakeMarketo()
		tp := newProvider(t, fake)

		token, err := tp.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "token-1", token.AccessToken)
		require.WithinDuration(t, time.Now().Add(time.Hour), token.ExpiresAt, time.Minute)

		accessToken, err := tp.GetToken(context.Background())
		require.NoError(t, err)
		require.Equal(t, "token-1", accessToken)
		require.Equal(t, int32(1), fake.tokenCalls.Load())

		tp.Invalidate()
		accessToken, err = tp.GetToken(context.Background())
		require.NoError(t, err)
		require.Equal(t, "token-2", accessToken)
		require.Equal(t, int32(2), fake.tokenCalls.Load())
	})

	t.Run("concurrent callers share one fetch", func(t *testing.T) {
		fake := newFakeMarketo()
		fake.tokenDelay = 50 * time.Millisecond
		tp := newProvider(t, fake)

		var wg sync.WaitGroup
		tokens := make([]string, 10)
		for i := range tokens {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				token, err := tp.GetToken(context.Background())
				require.NoError(t, err)
				tokens[i] = token
			}(i)
		}
		wg.Wait()
		require.Equal(t, int32(1), fake.tokenCalls.Load())
		for _, token := range tokens {
			require.Equal(t, "token-1", token)
		}
	})

	t.Run("canceled caller does not fail the shared fetch", func(t *testing.T) {
		fake := newFakeMarketo()
		fake.tokenDelay = 200 * time.Millisecond
		tp := newProvider(t, fake)

		ctxA, cancelA := context.WithCancel(context.Background())
		errA := make(chan error, 1)
		go func() {
			_, err := tp.Token(ctxA)
			errA <- err
		}()
		time.Sleep(20 * time.Millisecond)

		tokenB := make(chan *Token, 1)
		errB := make(chan error, 1)
		go func() {
			token, err := tp.Token(context.Background())
			tokenB <- token
			errB <- err
		}()
		time.Sleep(20 * time.Millisecond)
		cancelA()

		select {
		case err := <-errA:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("canceled caller kept waiting for the fetch")
		}
		require.NoError(t, <-errB)
		require.Equal(t, "token-1", (<-tokenB).AccessToken)
		require.Equal(t, int32(1), fake.tokenCalls.Load())

		token, err := tp.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "token-1", token.AccessToken, "token of the shared fetch is cached")
	})

	t.Run("token expiring within the margin is not reused", func(t *testing.T) {
		fake := newFakeMarketo()
		fake.tokenExpiresIn = 30
		tp := newProvider(t, fake)

		_, err := tp.GetToken(context.Background())
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
		_, err = tp.GetToken(context.Background())
		require.NoError(t, err)
		require.Equal(t, int32(2), fake.tokenCalls.Load())
	})

	t.Run("rejected credentials are not retried", func(t *testing.T) {
		fake := newFakeMarketo()
		fake.tokenStatus = http.StatusUnauthorized
		tp := newProvider(t, fake)

		_, err := tp.Token(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
		require.Equal(t, "Bad client credentials", apiErr.Message)
		require.Equal(t, int32(1), fake.tokenCalls.Load())
	})

	t.Run("server errors are retried", func(t *testing.T) {
		fake := newFakeMarketo()
		fake.tokenStatus = http.StatusServiceUnavailable
		tp := newProvider(t, fake)

		_, err := tp.Token(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
		require.True(t, apiErr.Temporary())
		require.Equal(t, int32(3), fake.tokenCalls.Load())
	})

	t.Run("errors are not cached", func(t *testing.T) {
		fake := newFakeMarketo()
		fake.tokenStatus = http.StatusUnauthorized
		tp := newProvider(t, fake)

		_, err := tp.Token(context.Background())
		require.Error(t, err)
		fake.tokenStatus = http.StatusOK
		token, err := tp.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "token-2", token.AccessToken)
	})
}

func newTestClient(t *testing.T, fake *fakeMarketo, circuitBreaker bool) *Client {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	client, err := New(newTestConfig(t, server.URL, circuitBreaker), Opts{UserAgent: "federale-relay-test"})
	require.NoError(t, err)
	return client
}

func TestClient_UploadFile(t *testing.T) {
	t.Run("file is sent as multipart form", func(t *testing.T) {
		fake := newFakeMarketo()
		client := newTestClient(t, fake, true)

		resp, err := client.UploadFile(context.Background(), File{
			Name: "report.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4"),
		})
		require.NoError(t, err)
		require.True(t, resp.OK())
		require.JSONEq(t, `{"success":true,"result":[{"id":1,"name":"report.pdf"}]}`, string(resp.Body))

		fake.mu.Lock()
		defer fake.mu.Unlock()
		require.Equal(t, "Bearer token-1", fake.authHeader)
		require.Equal(t, "42", fake.folder)
		require.Equal(t, []uploadedPart{{
			FieldName: "file", FileName: "report.pdf", ContentType: "application/pdf", Content: "%PDF-1.4",
		}}, fake.parts)
	})

	t.Run("rejected file is not an error", func(t *testing.T) {
		fake := newFakeMarketo()
		fake.uploadStatus = http.StatusRequestEntityTooLarge
		client := newTestClient(t, fake, true)

		resp, err := client.UploadFile(context.Background(), File{Name: "big.png", Content: []byte("png")})
		require.NoError(t, err)
		require.False(t, resp.OK())
		require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
		require.Contains(t, string(resp.Body), "File too large")
	})

	t.Run("token is fetched once for several uploads", func(t *testing.T) {
		fake := newFakeMarketo()
		client := newTestClient(t, fake, true)
		for i := 0; i < 3; i++ {
			_, err := client.UploadFile(context.Background(), File{Name: fmt.Sprintf("f%d.png", i), Content: []byte("png")})
			require.NoError(t, err)
		}
		require.Equal(t, int32(3), fake.uploadCalls.Load())
		require.Equal(t, int32(1), fake.tokenCalls.Load())
	})

	t.Run("token failure", func(t *testing.T) {
		fake := newFakeMarketo()
		fake.tokenStatus = http.StatusUnauthorized
		client := newTestClient(t, fake, true)

		_, err := client.UploadFile(context.Background(), File{Name: "a.png", Content: []byte("png")})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
		require.Equal(t, int32(0), fake.uploadCalls.Load())
	})
}

func TestClient_Token(t *testing.T) {
	fake := newFakeMarketo()
	fake.tokenDelay = 200 * time.Millisecond
	client := newTestClient(t, fake, true)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := client.Token(ctxA)
		errA <- err
	}()
	time.Sleep(20 * time.Millisecond)

	errB := make(chan error, 1)
	go func() {
		_, err := client.Token(context.Background())
		errB <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelA()

	require.ErrorIs(t, <-errA, context.Canceled)
	require.NoError(t, <-errB)
	require.Equal(t, int32(1), fake.tokenCalls.Load())
}

func TestClient_UpdateLeadField(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fake := newFakeMarketo()
		client := newTestClient(t, fake, true)

		result, err := client.UpdateLeadField(context.Background(), "jan@example.be", "a.png, b.pdf")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, result.StatusCode)
		require.Equal(t, "e42b#14272d07d78", result.RequestID)

		fake.mu.Lock()
		defer fake.mu.Unlock()
		require.Equal(t, map[string]interface{}{
			"action":      "updateOnly",
			"lookupField": "email",
			"input": []interface{}{
				map[string]interface{}{"email": "jan@example.be", "fVuploadedfiles": "a.png, b.pdf"},
			},
		}, fake.leadBody)
	})

	t.Run("marketo reports failure", func(t *testing.T) {
		fake := newFakeMarketo()
		fake.leadResponse = `{"requestId":"2","success":false,"errors":[{"code":"1003","message":"Lead not found"}]}`
		client := newTestClient(t, fake, true)

		_, err := client.UpdateLeadField(context.Background(), "nobody@example.be", "a.png")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, "1003", apiErr.Code)
		require.Equal(t, "Lead not found", apiErr.Message)
		require.False(t, apiErr.Temporary())
	})

	t.Run("failure without details", func(t *testing.T) {
		fake := newFakeMarketo()
		fake.leadStatus = http.StatusBadRequest
		fake.leadResponse = `{"success":false}`
		client := newTestClient(t, fake, true)

		_, err := client.UpdateLeadField(context.Background(), "jan@example.be", "a.png")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		require.Equal(t, UnknownErrorMessage, apiErr.Message)
	})

	t.Run("expired token is replaced", func(t *testing.T) {
		fake := newFakeMarketo()
		fake.rejectToken.Store(true)
		client := newTestClient(t, fake, true)

		_, err := client.UpdateLeadField(context.Background(), "jan@example.be", "a.png")
		require.NoError(t, err)
		require.Equal(t, int32(2), fake.leadCalls.Load())
		require.Equal(t, int32(2), fake.tokenCalls.Load())
		fake.mu.Lock()
		require.Equal(t, "Bearer token-2", fake.authHeader)
		fake.mu.Unlock()
	})
}

func TestClient_CircuitBreaker(t *testing.T) {
	newFailingMarketo := func() *fakeMarketo {
		fake := newFakeMarketo()
		fake.leadStatus = http.StatusInternalServerError
		fake.leadResponse = `{"success":false,"errors":[{"code":"611","message":"System error"}]}`
		return fake
	}

	t.Run("opens after failures", func(t *testing.T) {
		fake := newFailingMarketo()
		client := newTestClient(t, fake, true)

		for i := 0; i < 3; i++ {
			_, err := client.UpdateLeadField(context.Background(), "jan@example.be", "a.png")
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
		}
		_, err := client.UpdateLeadField(context.Background(), "jan@example.be", "a.png")
		require.ErrorIs(t, err, ErrCircuitOpen)
		_, err = client.UploadFile(context.Background(), File{Name: "a.png", Content: []byte("png")})
		require.ErrorIs(t, err, ErrCircuitOpen)
		require.Equal(t, int32(3), fake.leadCalls.Load())
		require.Equal(t, int32(0), fake.uploadCalls.Load())
	})

	t.Run("client errors do not open it", func(t *testing.T) {
		fake := newFakeMarketo()
		fake.leadResponse = `{"success":false,"errors":[{"code":"1003","message":"Lead not found"}]}`
		client := newTestClient(t, fake, true)

		for i := 0; i < 5; i++ {
			_, err := client.UpdateLeadField(context.Background(), "jan@example.be", "a.png")
			require.NotErrorIs(t, err, ErrCircuitOpen)
		}
		require.Equal(t, int32(5), fake.leadCalls.Load())
	})

	t.Run("disabled", func(t *testing.T) {
		fake := newFailingMarketo()
		client := newTestClient(t, fake, false)

		for i := 0; i < 5; i++ {
			_, err := client.UpdateLeadField(context.Background(), "jan@example.be", "a.png")
			require.NotErrorIs(t, err, ErrCircuitOpen)
		}
		require.Equal(t, int32(5), fake.leadCalls.Load())
	})

	t.Run("state changes are recorded", func(t *testing.T) {
		fake := newFailingMarketo()
		server := httptest.NewServer(fake)
		t.Cleanup(server.Close)
		reg := prometheus.NewRegistry()
		client, err := New(newTestConfig(t, server.URL, true), Opts{
			UserAgent:          "federale-relay-test",
			ResilienceRecorder: metrics.NewPrometheusRecorder(reg),
		})
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			_, _ = client.UpdateLeadField(context.Background(), "jan@example.be", "a.png")
		}
		_, err = client.UpdateLeadField(context.Background(), "jan@example.be", "a.png")
		require.ErrorIs(t, err, ErrCircuitOpen)

		require.NoError(t, promtestutil.GatherAndCompare(reg, strings.NewReader(`
# HELP goresilience_circuitbreaker_state_changes_total Total number of state changes made by the circuit breaker runner.
# TYPE goresilience_circuitbreaker_state_changes_total counter
goresilience_circuitbreaker_state_changes_total{id="marketo",state="open"} 1
`), "goresilience_circuitbreaker_state_changes_total"))
		count, err := promtestutil.GatherAndCount(reg, "goresilience_command_execution_duration_seconds")
		require.NoError(t, err)
		require.Equal(t, 1, count, "every call failed, only the success=false series exists")
	})

	t.Run("canceled context", func(t *testing.T) {
		fake := newFakeMarketo()
		client := newTestClient(t, fake, true)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := client.UpdateLeadField(ctx, "jan@example.be", "a.png")
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, int32(0), fake.leadCalls.Load())
	})
}

func TestConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfgData := `
marketo:
  host: https://123-ABC-456.mktorest.com
  client:
    id: id
    secret: secret
`
		cfg := NewConfig()
		require.NoError(t, config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(cfgData), config.DataTypeYAML, cfg))
		require.Equal(t, "https://123-ABC-456.mktorest.com", cfg.Host)
		require.Equal(t, DefaultFolderID, cfg.FolderID)
		require.Equal(t, DefaultLeadField, cfg.LeadField)
		require.Equal(t, TokenConfig{
			ExpiryMargin:         DefaultTokenExpiryMargin,
			FetchTimeout:         DefaultTokenFetchTimeout,
			RetryMaxAttempts:     DefaultTokenRetriesMaxAttempts,
			RetryInitialInterval: DefaultTokenRetriesInitialInterval,
		}, cfg.Token)
		require.Equal(t, CircuitBreakerConfig{
			Enabled:               true,
			ErrorPercentThreshold: DefaultCircuitBreakerErrorPercent,
			MinimumRequests:       DefaultCircuitBreakerMinRequests,
			OpenWait:              DefaultCircuitBreakerOpenWait,
		}, cfg.CircuitBreaker)
		require.True(t, cfg.HTTP.RateLimits.Enabled)
		require.Equal(t, DefaultRateLimit, cfg.HTTP.RateLimits.Limit)
		require.Equal(t, DefaultRateLimitPeriod, cfg.HTTP.RateLimits.Period)
		require.True(t, cfg.HTTP.Retries.Enabled)
	})

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			name   string
			data   string
			errKey string
		}{
			{
				name:   "missing host",
				data:   "marketo:\n  client:\n    id: id\n    secret: s\n",
				errKey: "marketo.host",
			},
			{
				name:   "relative host",
				data:   "marketo:\n  host: mktorest.com\n  client:\n    id: id\n    secret: s\n",
				errKey: "marketo.host",
			},
			{
				name:   "missing secret",
				data:   "marketo:\n  host: https://x.mktorest.com\n  client:\n    id: id\n",
				errKey: "marketo.client.secret",
			},
			{
				name:   "bad folder",
				data:   "marketo:\n  host: https://x.mktorest.com\n  client:\n    id: id\n    secret: s\n  folderId: 0\n",
				errKey: "marketo.folderId",
			},
			{
				name: "bad error percent",
				data: "marketo:\n  host: https://x.mktorest.com\n  client:\n    id: id\n    secret: s\n" +
					"  circuitBreaker:\n    errorPercentThreshold: 120\n",
				errKey: "marketo.circuitBreaker.errorPercentThreshold",
			},
			{
				name: "zero token fetch timeout",
				data: "marketo:\n  host: https://x.mktorest.com\n  client:\n    id: id\n    secret: s\n" +
					"  token:\n    fetchTimeout: 0s\n",
				errKey: "marketo.token.fetchTimeout",
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := config.NewDefaultLoader("").LoadFromReader(strings.NewReader(tt.data), config.DataTypeYAML, NewConfig())
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.errKey)
			})
		}
	})
}
