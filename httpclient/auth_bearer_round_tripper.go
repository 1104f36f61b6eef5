/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"fmt"
	"net/http"
)

// AuthProvider provides tokens for bearer authorization.
type AuthProvider interface {
	GetToken(ctx context.Context, scope ...string) (string, error)
}

// AuthProviderInvalidator is implemented by providers that cache tokens.
// Invalidate drops the cached token so the next GetToken fetches a new one.
type AuthProviderInvalidator interface {
	Invalidate()
}

// AuthBearerRoundTripperError is returned when a token cannot be obtained
// or the request body cannot be prepared for the repeated attempt.
type AuthBearerRoundTripperError struct {
	Inner error
}

func (e *AuthBearerRoundTripperError) Error() string {
	return fmt.Sprintf("auth bearer round trip: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *AuthBearerRoundTripperError) Unwrap() error {
	return e.Inner
}

// AuthBearerRoundTripper sets the Authorization header on outgoing requests.
// When the server answers 401 and the provider implements AuthProviderInvalidator,
// the token is invalidated and the request is sent once more with a new token.
type AuthBearerRoundTripper struct {
	Delegate     http.RoundTripper
	AuthProvider AuthProvider
	TokenScope   []string
}

// NewAuthBearerRoundTripper creates a new AuthBearerRoundTripper.
func NewAuthBearerRoundTripper(delegate http.RoundTripper, authProvider AuthProvider) *AuthBearerRoundTripper {
	return &AuthBearerRoundTripper{Delegate: delegate, AuthProvider: authProvider}
}

// RoundTrip executes a single HTTP transaction, returning a Response for the provided Request.
func (rt *AuthBearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") != "" {
		return rt.Delegate.RoundTrip(req)
	}

	invalidator, canRefresh := rt.AuthProvider.(AuthProviderInvalidator)

	rewindReqBody := func(*http.Request) error { return nil }
	if req.Body != nil && req.Body != http.NoBody {
		originalBody := req.Body
		defer func() {
			_ = originalBody.Close() // Per RoundTripper contract.
		}()
		if canRefresh {
			var err error
			req = req.Clone(req.Context())
			if rewindReqBody, err = makeRequestBodyRewindable(req); err != nil {
				return nil, &AuthBearerRoundTripperError{Inner: err}
			}
		}
	}

	resp, err := rt.doWithToken(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || !canRefresh {
		return resp, err
	}

	invalidator.Invalidate()
	if err = rewindReqBody(req); err != nil {
		return resp, nil
	}
	drainResponseBody(resp)
	return rt.doWithToken(req)
}

func (rt *AuthBearerRoundTripper) doWithToken(req *http.Request) (*http.Response, error) {
	token, err := rt.AuthProvider.GetToken(req.Context(), rt.TokenScope...)
	if err != nil {
		return nil, &AuthBearerRoundTripperError{Inner: err}
	}
	r := req.Clone(req.Context()) // Per RoundTripper contract.
	r.Header.Set("Authorization", "Bearer "+token)
	return rt.Delegate.RoundTrip(r)
}
