/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package testutil contains assertion helpers shared by the relay tests.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/stretchr/testify/require"
)

const contentTypeAppJSON = "application/json"

type tHelper interface {
	Helper()
}

type errorRespData struct {
	Success      *bool  `json:"success"`
	Message      string `json:"error"`
	ErrorDetails struct {
		Domain string `json:"domain"`
		Code   string `json:"code"`
	} `json:"errorDetails"`
}

// RequireErrorInRecorder asserts that passing httptest.ResponseRecorder contains a failed response
// ({"success":false,"error":...,"errorDetails":{"domain":...,"code":...}}) and returns the human-readable message.
func RequireErrorInRecorder(
	t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string,
) string {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	return requireErrorInResponse(t, resp.Code, resp.Header(), resp.Body, wantHTTPCode, wantErrDomain, wantErrCode)
}

// RequireErrorInResponse asserts that passing http.Response contains a failed response and returns its message.
func RequireErrorInResponse(t require.TestingT, resp *http.Response, wantHTTPCode int, wantErrDomain, wantErrCode string) string {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	return requireErrorInResponse(t, resp.StatusCode, resp.Header, resp.Body, wantHTTPCode, wantErrDomain, wantErrCode)
}

func requireErrorInResponse(
	t require.TestingT, code int, header http.Header, body io.Reader, wantHTTPCode int, wantErrDomain, wantErrCode string,
) string {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, wantHTTPCode, code)
	require.Equal(t, contentTypeAppJSON, header.Get("Content-Type"))
	var errResp errorRespData
	require.NoError(t, json.NewDecoder(body).Decode(&errResp))
	require.NotNil(t, errResp.Success)
	require.False(t, *errResp.Success)
	require.Equal(t, wantErrDomain, errResp.ErrorDetails.Domain)
	require.Equal(t, wantErrCode, errResp.ErrorDetails.Code)
	return errResp.Message
}

// RequireJSONInRecorder asserts the status code and decodes the JSON body into dst.
func RequireJSONInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, dst interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, wantHTTPCode, resp.Code, "body: %s", resp.Body.String())
	require.Equal(t, contentTypeAppJSON, resp.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), dst))
}
