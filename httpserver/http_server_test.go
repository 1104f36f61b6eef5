/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/LeadFabric-nv/federale-file-upload/httpserver/middleware"
	"github.com/LeadFabric-nv/federale-file-upload/log/logtest"
	"github.com/LeadFabric-nv/federale-file-upload/restapi"
	"github.com/LeadFabric-nv/federale-file-upload/testutil"
)

const testErrDomain = "TestDomain"

type HTTPServerTestSuite struct {
	suite.Suite
	server    *HTTPServer
	logger    *logtest.Recorder
	fatalErr  chan error
	baseURL   string
	unhealthy atomic.Bool
}

func TestHTTPServer(t *testing.T) {
	suite.Run(t, new(HTTPServerTestSuite))
}

func (s *HTTPServerTestSuite) SetupTest() {
	cfg := NewDefaultConfig()
	cfg.Limits.MaxBodySizeBytes = 16
	s.logger = logtest.NewRecorder()
	s.unhealthy.Store(false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)

	s.server, err = New(cfg, s.logger, Opts{
		ErrorDomain: testErrDomain,
		Listener:    ln,
		HealthCheck: func(ctx context.Context) (HealthCheckResult, error) {
			status := HealthCheckStatusOK
			if s.unhealthy.Load() {
				status = HealthCheckStatusFail
			}
			return HealthCheckResult{"marketo": status}, nil
		},
		Routes: func(router chi.Router) {
			router.Get("/ping", func(rw http.ResponseWriter, r *http.Request) {
				restapi.RespondJSON(rw, map[string]string{"status": "pong"}, middleware.GetLoggerFromContext(r.Context()))
			})
			router.Post("/echo", func(rw http.ResponseWriter, r *http.Request) {
				body, readErr := io.ReadAll(r.Body)
				if reqErr, ok := restapi.AsRequestTooLarge(readErr); ok {
					restapi.RespondMalformedRequestError(rw, testErrDomain, reqErr, nil)
					return
				}
				_, _ = rw.Write(body)
			})
			router.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("test panic") })
		},
	})
	s.Require().NoError(err)

	s.fatalErr = make(chan error, 1)
	go s.server.Start(s.fatalErr)
	s.baseURL = "http://" + ln.Addr().String()
}

func (s *HTTPServerTestSuite) TearDownTest() {
	s.Require().NoError(s.server.Stop(true))
	select {
	case err := <-s.fatalErr:
		s.Fail("unexpected fatal error", err)
	default:
	}
}

func (s *HTTPServerTestSuite) do(method, path string, body io.Reader) *http.Response {
	req, err := http.NewRequest(method, s.baseURL+path, body)
	s.Require().NoError(err)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *HTTPServerTestSuite) TestRoutes() {
	resp := s.do(http.MethodGet, "/ping", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var data map[string]string
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&data))
	s.Require().Equal("pong", data["status"])
	s.Require().NotEmpty(resp.Header.Get(middleware.RequestIDHeader))
	s.Require().Equal("nosniff", resp.Header.Get("X-Content-Type-Options"))
	s.Require().NotZero(s.server.GetPort())

	s.Require().Eventually(func() bool {
		_, found := s.logger.FindEntryByFilter(func(entry logtest.RecordedEntry) bool {
			uri, _ := entry.FieldString("uri")
			return uri == "/ping"
		})
		return found
	}, time.Second, 10*time.Millisecond)
}

func (s *HTTPServerTestSuite) TestNotFoundAndMethodNotAllowed() {
	testutil.RequireErrorInResponse(s.T(), s.do(http.MethodGet, "/unknown", nil),
		http.StatusNotFound, testErrDomain, restapi.ErrCodeNotFound)
	testutil.RequireErrorInResponse(s.T(), s.do(http.MethodDelete, "/ping", nil),
		http.StatusMethodNotAllowed, testErrDomain, restapi.ErrCodeMethodNotAllowed)
}

func (s *HTTPServerTestSuite) TestPanicRecovery() {
	testutil.RequireErrorInResponse(s.T(), s.do(http.MethodGet, "/panic", nil),
		http.StatusInternalServerError, testErrDomain, restapi.ErrCodeInternal)
}

func (s *HTTPServerTestSuite) TestBodyLimit() {
	testutil.RequireErrorInResponse(s.T(), s.do(http.MethodPost, "/echo", bytesReader(32)),
		http.StatusRequestEntityTooLarge, testErrDomain, restapi.ErrCodeRequestTooLarge)
	resp := s.do(http.MethodPost, "/echo", bytesReader(8))
	s.Require().Equal(http.StatusOK, resp.StatusCode)
}

func (s *HTTPServerTestSuite) TestHealthCheck() {
	resp := s.do(http.MethodGet, "/healthz", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var data healthCheckResponseData
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&data))
	s.Require().Equal(map[string]bool{"marketo": true}, data.Components)

	s.unhealthy.Store(true)
	resp = s.do(http.MethodGet, "/healthz", nil)
	s.Require().Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func (s *HTTPServerTestSuite) TestMetricsEndpoint() {
	resp := s.do(http.MethodGet, "/metrics", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
}

type zeroReader struct{ n int }

func (r *zeroReader) Read(p []byte) (int, error) {
	if r.n == 0 {
		return 0, io.EOF
	}
	if len(p) > r.n {
		p = p[:r.n]
	}
	for i := range p {
		p[i] = 'x'
	}
	r.n -= len(p)
	return len(p), nil
}

func bytesReader(n int) io.Reader { return &zeroReader{n: n} }

func TestHealthCheckHandler(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		h := NewHealthCheckHandler(func(ctx context.Context) (HealthCheckResult, error) {
			return nil, io.ErrUnexpectedEOF
		})
		resp := newRecorderServe(h, http.MethodGet, "/healthz")
		require.Equal(t, http.StatusInternalServerError, resp.Code)
	})
	t.Run("no components", func(t *testing.T) {
		resp := newRecorderServe(NewHealthCheckHandler(nil), http.MethodGet, "/healthz")
		require.Equal(t, http.StatusOK, resp.Code)
	})
}

func newRecorderServe(h http.Handler, method, target string) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(method, target, nil))
	return resp
}
