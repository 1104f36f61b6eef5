/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package marketo

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/LeadFabric-nv/federale-file-upload/httpclient"
	"github.com/LeadFabric-nv/federale-file-upload/httpserver/middleware"
	"github.com/LeadFabric-nv/federale-file-upload/log"
	"github.com/LeadFabric-nv/federale-file-upload/lrucache"
	"github.com/LeadFabric-nv/federale-file-upload/restapi"
	"github.com/LeadFabric-nv/federale-file-upload/retry"
)

// RequestTypeGetToken is the request type of token requests in client logs and metrics.
const RequestTypeGetToken = "get_token"

const tokenPath = "/identity/oauth/token"

// Token is a Marketo access token.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenProviderOpts represents options for TokenProvider.
type TokenProviderOpts struct {
	Logger       log.FieldLogger
	CacheMetrics lrucache.MetricsCollector
	// RetryPolicy is used for transient failures. Built from TokenConfig when nil.
	RetryPolicy retry.Policy
}

// TokenProvider fetches client-credentials tokens and caches them until shortly before expiry.
// It implements httpclient.AuthProvider and httpclient.AuthProviderInvalidator.
type TokenProvider struct {
	tokenURL     string
	clientID     string
	httpClient   *http.Client
	cache        *lrucache.LRUCache[string, *Token]
	expiryMargin time.Duration
	fetchTimeout time.Duration
	retryPolicy  retry.Policy
	logger       log.FieldLogger
}

var (
	_ httpclient.AuthProvider            = (*TokenProvider)(nil)
	_ httpclient.AuthProviderInvalidator = (*TokenProvider)(nil)
)

// NewTokenProvider creates a new TokenProvider. httpClient must not authorize requests itself.
func NewTokenProvider(cfg *Config, httpClient *http.Client, opts TokenProviderOpts) (*TokenProvider, error) {
	cache, err := lrucache.New[string, *Token](1, opts.CacheMetrics)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = retry.NewExponentialBackoffPolicy(cfg.Token.RetryInitialInterval, cfg.Token.RetryMaxAttempts)
	}
	fetchTimeout := cfg.Token.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultTokenFetchTimeout
	}
	query := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
	}
	return &TokenProvider{
		tokenURL:     cfg.Host + tokenPath + "?" + query.Encode(),
		clientID:     cfg.ClientID,
		httpClient:   httpClient,
		cache:        cache,
		expiryMargin: cfg.Token.ExpiryMargin,
		fetchTimeout: fetchTimeout,
		retryPolicy:  opts.RetryPolicy,
		logger:       opts.Logger,
	}, nil
}

// Token returns the cached token or fetches a new one. Concurrent callers share one fetch.
// The fetch is detached from the caller's cancellation and bounded by the fetch timeout,
// each caller stops waiting for it when its own context is done.
func (tp *TokenProvider) Token(ctx context.Context) (*Token, error) {
	if token, ok := tp.cache.Get(tp.clientID); ok {
		return token, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type loadResult struct {
		token *Token
		err   error
	}
	loaded := make(chan loadResult, 1)
	go func() {
		token, err := tp.cache.GetOrLoad(tp.clientID, func(string) (*Token, time.Duration, error) {
			return tp.load(ctx)
		})
		loaded <- loadResult{token, err}
	}()

	select {
	case res := <-loaded:
		return res.token, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (tp *TokenProvider) load(ctx context.Context) (*Token, time.Duration, error) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tp.fetchTimeout)
	defer cancel()
	token, err := tp.fetchWithRetry(fetchCtx)
	if err != nil {
		return nil, 0, err
	}
	ttl := time.Until(token.ExpiresAt) - tp.expiryMargin
	if ttl <= 0 {
		ttl = time.Nanosecond // expires right away, the next call fetches again
	}
	return token, ttl, nil
}

// GetToken implements httpclient.AuthProvider.
func (tp *TokenProvider) GetToken(ctx context.Context, _ ...string) (string, error) {
	token, err := tp.Token(ctx)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// Invalidate implements httpclient.AuthProviderInvalidator.
func (tp *TokenProvider) Invalidate() {
	tp.cache.Remove(tp.clientID)
}

func (tp *TokenProvider) fetchWithRetry(ctx context.Context) (*Token, error) {
	logger := tp.loggerFor(ctx)
	notify := func(err error, delay time.Duration) {
		logger.Warn("failed to get marketo access token, will retry", log.Error(err), log.Duration("delay", delay))
	}
	return retry.DoWithRetryValue(ctx, tp.retryPolicy, isTransientError, notify, tp.fetch)
}

func (tp *TokenProvider) fetch(ctx context.Context) (*Token, error) {
	ctx = httpclient.NewContextWithRequestType(ctx, RequestTypeGetToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tp.tokenURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	var resp tokenResponse
	statusCode, err := restapi.DoRequestAndDecodeJSON(tp.httpClient, req, &resp, tp.loggerFor(ctx))
	if statusCode != 0 && !isSuccessStatus(statusCode) {
		return nil, newAPIError(statusCode, resp.Error, resp.ErrorDescription)
	}
	if err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, newAPIError(statusCode, resp.Error, resp.ErrorDescription)
	}
	return &Token{
		AccessToken: resp.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

func (tp *TokenProvider) loggerFor(ctx context.Context) log.FieldLogger {
	if logger := middleware.GetLoggerFromContext(ctx); logger != nil {
		return logger
	}
	return tp.logger
}

// isTransientError reports whether a failed call may succeed if repeated.
func isTransientError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var clientErr *restapi.ClientError
	if errors.As(err, &clientErr) {
		return clientErr.StatusCode == 0 || clientErr.StatusCode >= http.StatusInternalServerError
	}
	return false
}
