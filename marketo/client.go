/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package marketo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/slok/goresilience"
	"github.com/slok/goresilience/circuitbreaker"
	gerrors "github.com/slok/goresilience/errors"
	"github.com/slok/goresilience/metrics"

	"github.com/LeadFabric-nv/federale-file-upload/httpclient"
	"github.com/LeadFabric-nv/federale-file-upload/httpserver/middleware"
	"github.com/LeadFabric-nv/federale-file-upload/log"
	"github.com/LeadFabric-nv/federale-file-upload/lrucache"
	"github.com/LeadFabric-nv/federale-file-upload/restapi"
)

// Client types used in logs and metrics of outgoing requests.
const (
	ClientTypeAPI      = "marketo"
	ClientTypeIdentity = "marketo_identity"
)

// Request types used in logs and metrics of outgoing requests.
const (
	RequestTypeUploadFile      = "upload_file"
	RequestTypeUpdateLeadField = "update_lead_field"
)

const (
	filesPath = "/rest/asset/v1/files.json"
	leadsPath = "/rest/v1/leads.json"

	uploadFormField = "file"

	circuitBreakerID = "marketo"
)

// Marketo reports an invalid or expired token inside a successful HTTP response.
const (
	errCodeAccessTokenInvalid = "601"
	errCodeAccessTokenExpired = "602"
)

// File is a file to be stored in the Marketo file library.
type File struct {
	Name        string
	ContentType string
	Content     []byte
}

// AssetResponse is the answer of Marketo to a file upload.
type AssetResponse struct {
	StatusCode int
	Body       json.RawMessage
}

// OK reports whether Marketo accepted the file.
func (r *AssetResponse) OK() bool {
	return isSuccessStatus(r.StatusCode)
}

// LeadUpdateResult is a successful answer of Marketo to a lead update.
type LeadUpdateResult struct {
	StatusCode int
	RequestID  string
	Body       json.RawMessage
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// envelope holds the fields every Marketo REST response carries.
type envelope struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Errors    []responseError `json:"errors"`
}

func (e *envelope) tokenRejected() bool {
	for _, respErr := range e.Errors {
		if respErr.Code == errCodeAccessTokenInvalid || respErr.Code == errCodeAccessTokenExpired {
			return true
		}
	}
	return false
}

func (e *envelope) firstError() (code, message string) {
	if len(e.Errors) == 0 {
		return "", ""
	}
	return e.Errors[0].Code, e.Errors[0].Message
}

type leadInput map[string]string

type leadUpdateRequest struct {
	Action      string      `json:"action"`
	LookupField string      `json:"lookupField"`
	Input       []leadInput `json:"input"`
}

// Opts represents options for Client.
type Opts struct {
	Logger    log.FieldLogger
	UserAgent string

	// Delegate is the innermost transport of both the API and the identity clients.
	Delegate http.RoundTripper

	HTTPMetrics       httpclient.MetricsCollector
	TokenCacheMetrics lrucache.MetricsCollector

	// ResilienceRecorder receives circuit breaker state changes and call durations.
	ResilienceRecorder metrics.Recorder
}

// Client calls the Marketo REST API.
type Client struct {
	cfg        *Config
	httpClient *http.Client
	tokens     *TokenProvider
	breaker    goresilience.Runner
	logger     log.FieldLogger
}

// New creates a new Client.
func New(cfg *Config, opts Opts) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	loggerProvider := func(ctx context.Context) log.FieldLogger {
		if logger := middleware.GetLoggerFromContext(ctx); logger != nil {
			return logger
		}
		return opts.Logger
	}

	// Token fetches are retried by the provider itself and do not count against the API rate limit.
	identityCfg := cfg.HTTP
	identityCfg.Retries.Enabled = false
	identityCfg.RateLimits.Enabled = false
	identityClient, err := httpclient.NewWithOpts(&identityCfg, httpclient.Opts{
		UserAgent:        opts.UserAgent,
		ClientType:       ClientTypeIdentity,
		Delegate:         opts.Delegate,
		LoggerProvider:   loggerProvider,
		MetricsCollector: opts.HTTPMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create marketo identity http client: %w", err)
	}
	tokens, err := NewTokenProvider(cfg, identityClient, TokenProviderOpts{
		Logger:       opts.Logger,
		CacheMetrics: opts.TokenCacheMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create marketo token provider: %w", err)
	}

	httpClient, err := httpclient.NewWithOpts(&cfg.HTTP, httpclient.Opts{
		UserAgent:        opts.UserAgent,
		ClientType:       ClientTypeAPI,
		Delegate:         opts.Delegate,
		LoggerProvider:   loggerProvider,
		AuthProvider:     tokens,
		MetricsCollector: opts.HTTPMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create marketo http client: %w", err)
	}

	var middlewares []goresilience.Middleware
	if opts.ResilienceRecorder != nil {
		// The recorder is passed down through the context, so it goes first.
		middlewares = append(middlewares, metrics.NewMiddleware(circuitBreakerID, opts.ResilienceRecorder))
	}
	if cfg.CircuitBreaker.Enabled {
		middlewares = append(middlewares, circuitbreaker.NewMiddleware(circuitbreaker.Config{
			ErrorPercentThresholdToOpen:  cfg.CircuitBreaker.ErrorPercentThreshold,
			MinimumRequestToOpen:         cfg.CircuitBreaker.MinimumRequests,
			SuccessfulRequiredOnHalfOpen: 1,
			WaitDurationInOpenState:      cfg.CircuitBreaker.OpenWait,
		}))
	}
	breaker := goresilience.RunnerChain(middlewares...)

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     tokens,
		breaker:    breaker,
		logger:     opts.Logger,
	}, nil
}

// Token returns the current access token. Failures of the identity endpoint count
// against the circuit breaker like the ones of API calls.
func (c *Client) Token(ctx context.Context) (*Token, error) {
	var token *Token
	err := c.run(ctx, func(ctx context.Context) (int, error) {
		t, err := c.tokens.Token(ctx)
		if err != nil {
			return 0, err
		}
		token = t
		return http.StatusOK, nil
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

// UploadFile stores the file in the configured folder of the Marketo file library.
// A response with a non-2xx status is returned without an error, check AssetResponse.OK.
func (c *Client) UploadFile(ctx context.Context, file File) (*AssetResponse, error) {
	body, contentType, err := newMultipartBody(file)
	if err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}
	ctx = httpclient.NewContextWithRequestType(ctx, RequestTypeUploadFile)
	uploadURL := c.cfg.Host + filesPath + "?folder=" + strconv.Itoa(c.cfg.FolderID)
	newReq := func(ctx context.Context) (*http.Request, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(body))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", restapi.ContentTypeAppJSON)
		return req, nil
	}

	var resp *AssetResponse
	err = c.run(ctx, func(ctx context.Context) (int, error) {
		statusCode, raw, _, callErr := c.doWithTokenCheck(ctx, newReq)
		if callErr != nil {
			return statusCode, callErr
		}
		resp = &AssetResponse{StatusCode: statusCode, Body: raw}
		return statusCode, nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// UpdateLeadField sets the configured lead field of the lead identified by email.
// Marketo failures are returned as *APIError.
func (c *Client) UpdateLeadField(ctx context.Context, email, value string) (*LeadUpdateResult, error) {
	ctx = httpclient.NewContextWithRequestType(ctx, RequestTypeUpdateLeadField)
	// updateOnly with the same input leaves the lead in the same state.
	ctx = httpclient.NewContextWithIdempotentHint(ctx, true)
	payload := leadUpdateRequest{
		Action:      "updateOnly",
		LookupField: "email",
		Input:       []leadInput{{"email": email, c.cfg.LeadField: value}},
	}
	newReq := func(ctx context.Context) (*http.Request, error) {
		req, reqErr := restapi.NewJSONRequest(http.MethodPost, c.cfg.Host+leadsPath, payload)
		if reqErr != nil {
			return nil, reqErr
		}
		return req.WithContext(ctx), nil
	}

	var result *LeadUpdateResult
	err := c.run(ctx, func(ctx context.Context) (int, error) {
		statusCode, raw, env, callErr := c.doWithTokenCheck(ctx, newReq)
		if callErr != nil {
			return statusCode, callErr
		}
		if !isSuccessStatus(statusCode) || !env.Success {
			code, message := env.firstError()
			return statusCode, newAPIError(statusCode, code, message)
		}
		result = &LeadUpdateResult{StatusCode: statusCode, RequestID: env.RequestID, Body: raw}
		return statusCode, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// doWithTokenCheck does the request and decodes the JSON answer.
// When Marketo rejects the token inside the answer, the token is dropped and the request is done once more.
func (c *Client) doWithTokenCheck(
	ctx context.Context, newReq func(ctx context.Context) (*http.Request, error),
) (statusCode int, raw json.RawMessage, env envelope, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		req, reqErr := newReq(ctx)
		if reqErr != nil {
			return 0, nil, env, reqErr
		}
		raw = nil
		statusCode, err = restapi.DoRequestAndDecodeJSON(c.httpClient, req, &raw, c.loggerFor(ctx))
		if err != nil {
			return statusCode, nil, env, err
		}
		env = envelope{}
		if unmarshalErr := json.Unmarshal(raw, &env); unmarshalErr != nil {
			// Not an object: nothing to inspect, the raw body is still returned.
			return statusCode, raw, env, nil
		}
		if attempt == 0 && env.tokenRejected() {
			c.loggerFor(ctx).Warn("marketo rejected access token, fetching a new one",
				log.String("request_id", env.RequestID))
			c.tokens.Invalidate()
			continue
		}
		break
	}
	return statusCode, raw, env, nil
}

// run calls fn through the circuit breaker. Only transport failures and 5xx answers
// are counted as failures of Marketo.
func (c *Client) run(ctx context.Context, fn func(ctx context.Context) (int, error)) error {
	var callErr error
	err := c.breaker.Run(ctx, func(ctx context.Context) error {
		var statusCode int
		statusCode, callErr = fn(ctx)
		if isServerFailure(statusCode, callErr) {
			if callErr != nil {
				return callErr
			}
			return fmt.Errorf("marketo answered with HTTP %d", statusCode)
		}
		return nil
	})
	switch {
	case errors.Is(err, gerrors.ErrCircuitOpen):
		return ErrCircuitOpen
	case errors.Is(err, gerrors.ErrContextCanceled):
		return ctx.Err()
	}
	return callErr
}

func (c *Client) loggerFor(ctx context.Context) log.FieldLogger {
	if logger := middleware.GetLoggerFromContext(ctx); logger != nil {
		return logger
	}
	return c.logger
}

func isServerFailure(statusCode int, err error) bool {
	if statusCode >= http.StatusInternalServerError {
		return true
	}
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	// Transport failure or failed token fetch.
	return statusCode == 0
}

func newMultipartBody(file File) (body []byte, contentType string, err error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, uploadFormField, file.Name))
	fileContentType := file.ContentType
	if fileContentType == "" {
		fileContentType = "application/octet-stream"
	}
	header.Set("Content-Type", fileContentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err = part.Write(file.Content); err != nil {
		return nil, "", err
	}
	if err = mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
