/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/LeadFabric-nv/federale-file-upload/admission"
	"github.com/LeadFabric-nv/federale-file-upload/log"
	"github.com/LeadFabric-nv/federale-file-upload/log/logtest"
	"github.com/LeadFabric-nv/federale-file-upload/restapi"
	reqtestutil "github.com/LeadFabric-nv/federale-file-upload/testutil"
)

const errDomain = "TestDomain"

type mockHandler struct {
	mu     sync.Mutex
	called int
	lastR  *http.Request
	status int
}

func (h *mockHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.called++
	h.lastR = r
	h.mu.Unlock()
	if h.status != 0 {
		rw.WriteHeader(h.status)
	}
	_, _ = rw.Write([]byte("ok"))
}

func TestRequestID(t *testing.T) {
	next := &mockHandler{}
	h := RequestIDWithOpts(RequestIDOpts{
		GenerateID:         func() string { return "generated" },
		GenerateInternalID: func() string { return "internal" },
	})(next)

	t.Run("generated", func(t *testing.T) {
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, "generated", resp.Header().Get(RequestIDHeader))
		require.Equal(t, "internal", resp.Header().Get(InternalRequestIDHeader))
		require.Equal(t, "generated", GetRequestIDFromContext(next.lastR.Context()))
		require.Equal(t, "internal", GetInternalRequestIDFromContext(next.lastR.Context()))
	})

	t.Run("reused from request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "from-client")
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		require.Equal(t, "from-client", resp.Header().Get(RequestIDHeader))
		require.Equal(t, "from-client", GetRequestIDFromContext(next.lastR.Context()))
	})

	t.Run("xid by default", func(t *testing.T) {
		resp := httptest.NewRecorder()
		RequestID()(next).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Len(t, resp.Header().Get(RequestIDHeader), 20)
	})
}

func TestLogging(t *testing.T) {
	t.Run("logs completed request", func(t *testing.T) {
		logger := logtest.NewRecorder()
		next := &mockHandler{status: http.StatusCreated}
		h := RequestIDWithOpts(RequestIDOpts{GenerateID: func() string { return "req-1" }})(
			LoggingWithOpts(logger, LoggingOpts{SecretQueryParams: []string{"client_secret"}})(next))

		req := httptest.NewRequest(http.MethodPost, "/api/upload?client_secret=s3cr3t&x=1", nil)
		req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
		h.ServeHTTP(httptest.NewRecorder(), req)

		require.NotNil(t, GetLoggerFromContext(next.lastR.Context()))
		require.NotNil(t, GetLoggingParamsFromContext(next.lastR.Context()))

		entries := logger.Entries()
		require.Len(t, entries, 1)
		require.True(t, strings.HasPrefix(entries[0].Text, "response completed in "))
		uri, ok := entries[0].FieldString("uri")
		require.True(t, ok)
		require.Equal(t, "/api/upload?client_secret="+LoggingSecretQueryPlaceholder+"&x=1", uri)
		reqID, ok := entries[0].FieldString("request_id")
		require.True(t, ok)
		require.Equal(t, "req-1", reqID)
		originAddr, ok := entries[0].FieldString("origin_addr")
		require.True(t, ok)
		require.Equal(t, "10.0.0.1", originAddr)
		status, ok := entries[0].FindField("status")
		require.True(t, ok)
		require.Equal(t, int64(http.StatusCreated), status.Int)
	})

	t.Run("excluded endpoints are logged only on failure", func(t *testing.T) {
		logger := logtest.NewRecorder()
		next := &mockHandler{}
		h := LoggingWithOpts(logger, LoggingOpts{ExcludedEndpoints: []string{"/healthz"}})(next)
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Empty(t, logger.Entries())

		next.status = http.StatusServiceUnavailable
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Len(t, logger.Entries(), 1)
	})

	t.Run("time slots of slow requests", func(t *testing.T) {
		logger := logtest.NewRecorder()
		h := LoggingWithOpts(logger, LoggingOpts{SlowRequestThreshold: time.Nanosecond})(
			http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				lp := GetLoggingParamsFromContext(r.Context())
				lp.AddTimeSlotDurationInMs("marketo_upload_ms", 15*time.Millisecond)
				lp.ExtendFields(log.Int("files", 2))
				time.Sleep(time.Millisecond)
			}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		entries := logger.Entries()
		require.Len(t, entries, 1)
		_, ok := entries[0].FindField("time_slots")
		require.True(t, ok)
		files, ok := entries[0].FindField("files")
		require.True(t, ok)
		require.Equal(t, int64(2), files.Int)
	})
}

func TestRecovery(t *testing.T) {
	logger := logtest.NewRecorder()
	h := Logging(logger)(Recovery(errDomain)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	reqtestutil.RequireErrorInRecorder(t, resp, http.StatusInternalServerError, errDomain, restapi.ErrCodeInternal)
	_, found := logger.FindEntry("Panic: boom")
	require.True(t, found)
}

func TestRequestBodyLimit(t *testing.T) {
	next := &mockHandler{}
	h := RequestBodyLimit(10, errDomain)(next)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 11))))
	reqtestutil.RequireErrorInRecorder(t, resp, http.StatusRequestEntityTooLarge, errDomain, restapi.ErrCodeRequestTooLarge)
	require.Equal(t, 0, next.called)

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, 1, next.called)
}

func TestHTTPRequestMetrics(t *testing.T) {
	collector := NewHTTPRequestMetricsCollectorWithOpts(HTTPRequestMetricsCollectorOpts{})
	next := &mockHandler{status: http.StatusAccepted}
	h := HTTPRequestMetricsWithOpts(collector, func(*http.Request) string { return "/api/upload" },
		HTTPRequestMetricsOpts{ExcludedEndpoints: []string{"/metrics"}})(next)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/upload", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, 2, next.called)
	require.Equal(t, 1, testutil.CollectAndCount(collector.Durations))
	require.Equal(t, 1, testutil.CollectAndCount(collector.Durations, "http_request_duration_seconds"))
	require.Equal(t, float64(0), testutil.ToFloat64(
		collector.InFlight.WithLabelValues(http.MethodPost, "/api/upload", userAgentTypeHTTPClient)))
}

func TestRateLimit(t *testing.T) {
	t.Run("leaky bucket per client", func(t *testing.T) {
		next := &mockHandler{}
		h := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Minute}, errDomain, RateLimitOpts{
			GetKey:       GetClientIPKey,
			ExcludedKeys: []string{"192.168.*"},
		})(next)

		send := func(remoteAddr string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
			req.RemoteAddr = remoteAddr
			resp := httptest.NewRecorder()
			h.ServeHTTP(resp, req)
			return resp
		}

		require.Equal(t, http.StatusOK, send("10.0.0.1:1234").Code)
		resp := send("10.0.0.1:4321")
		reqtestutil.RequireErrorInRecorder(t, resp, http.StatusTooManyRequests, errDomain, RateLimitErrCode)
		require.NotEmpty(t, resp.Header().Get("Retry-After"))

		require.Equal(t, http.StatusOK, send("10.0.0.2:1234").Code)
		for i := 0; i < 3; i++ {
			require.Equal(t, http.StatusOK, send("192.168.1.1:1234").Code)
		}
		require.Equal(t, 5, next.called)
	})

	t.Run("sliding window shared", func(t *testing.T) {
		next := &mockHandler{}
		h := MustRateLimitWithOpts(Rate{Count: 2, Duration: time.Minute}, errDomain, RateLimitOpts{
			Alg:                RateLimitAlgSlidingWindow,
			ResponseStatusCode: http.StatusServiceUnavailable,
		})(next)
		var codes []int
		for i := 0; i < 3; i++ {
			resp := httptest.NewRecorder()
			h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
			codes = append(codes, resp.Code)
		}
		require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusServiceUnavailable}, codes)
	})

	t.Run("dry run", func(t *testing.T) {
		next := &mockHandler{}
		h := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Minute}, errDomain, RateLimitOpts{DryRun: true})(next)
		for i := 0; i < 3; i++ {
			resp := httptest.NewRecorder()
			h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
			require.Equal(t, http.StatusOK, resp.Code)
		}
		require.Equal(t, 3, next.called)
	})

	t.Run("invalid rate", func(t *testing.T) {
		_, err := RateLimit(Rate{Count: 0, Duration: time.Second}, errDomain)
		require.Error(t, err)
	})
}

func TestAdmission(t *testing.T) {
	queue, err := admission.New(1, admission.Opts{MaxPending: 1})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	h := Admission(queue, errDomain)(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
		rw.WriteHeader(http.StatusOK)
	}))

	results := make(chan int, 2)
	serve := func() {
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/upload", nil))
		results <- resp.Code
	}

	go serve()
	<-started
	go serve()
	require.Eventually(t, func() bool { return queue.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/upload", nil))
	reqtestutil.RequireErrorInRecorder(t, resp, http.StatusServiceUnavailable, errDomain, AdmissionErrCode)

	close(release)
	require.Equal(t, http.StatusOK, <-results)
	require.Equal(t, http.StatusOK, <-results)
	require.Eventually(t, func() bool { return queue.Stats() == admission.Stats{Limit: 1} }, time.Second, 5*time.Millisecond)

	require.NoError(t, queue.Shutdown(context.Background()))
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/upload", nil))
	reqtestutil.RequireErrorInRecorder(t, resp, http.StatusServiceUnavailable, errDomain, AdmissionErrCode)
}

func TestSecureHeaders(t *testing.T) {
	resp := httptest.NewRecorder()
	SecureHeaders(nil)(&mockHandler{}).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, "nosniff", resp.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "SAMEORIGIN", resp.Header().Get("X-Frame-Options"))
	require.Equal(t, "no-referrer", resp.Header().Get("Referrer-Policy"))
}

func TestCORS(t *testing.T) {
	next := &mockHandler{}
	h := CORS(CORSOpts{AllowedOrigins: []string{"https://*.federale.be"}, MaxAge: time.Hour})(next)

	t.Run("allowed origin is reflected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
		req.Header.Set("Origin", "https://www.federale.be")
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		require.Equal(t, "https://www.federale.be", resp.Header().Get("Access-Control-Allow-Origin"))
		require.Equal(t, "true", resp.Header().Get("Access-Control-Allow-Credentials"))
		require.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/upload", nil)
		req.Header.Set("Origin", "https://www.federale.be")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "content-type")
		resp := httptest.NewRecorder()
		calledBefore := next.called
		h.ServeHTTP(resp, req)
		require.Equal(t, http.StatusNoContent, resp.Code)
		require.Equal(t, "content-type", resp.Header().Get("Access-Control-Allow-Headers"))
		require.Equal(t, "3600", resp.Header().Get("Access-Control-Max-Age"))
		require.Contains(t, resp.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
		require.Equal(t, calledBefore, next.called)
	})

	t.Run("other origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		require.Empty(t, resp.Header().Get("Access-Control-Allow-Origin"))
		require.Equal(t, http.StatusOK, resp.Code)
	})
}
