/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/LeadFabric-nv/federale-file-upload/log"
)

const (
	logKeyMethod = "method"
	logKeyURI    = "uri"
	logKeyStatus = "status"
)

// maxLoggedBodySize limits how much of an undecodable response body gets into ClientError.
const maxLoggedBodySize = 255

// DoRequest does the HTTP request and logs its details.
func DoRequest(client *http.Client, req *http.Request, logger log.FieldLogger) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to do http request %s %s", req.Method, urlWithoutQuery(req.URL)),
			log.String(logKeyMethod, req.Method),
			log.String(logKeyURI, urlWithoutQuery(req.URL)),
			log.Error(err),
		)
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err // url.Error repeats the full URL including the query
		}
		return nil, &ClientError{Method: req.Method, URL: req.URL, Message: "do request", Err: err}
	}
	logger.AtLevel(log.LevelDebug, func(logFn log.LogFunc) {
		logFn("got response",
			log.String(logKeyMethod, req.Method),
			log.String(logKeyURI, urlWithoutQuery(req.URL)),
			log.Int(logKeyStatus, resp.StatusCode),
		)
	})
	return resp, nil
}

// DoRequestAndDecodeJSON does the HTTP request and decodes the JSON response body into result whatever the status code is.
// APIs like Marketo's report failures inside the body, so interpreting the status code is up to the caller.
// The status code is returned even if decoding fails.
func DoRequestAndDecodeJSON(client *http.Client, req *http.Request, result interface{}, logger log.FieldLogger) (int, error) {
	resp, err := DoRequest(client, req, logger)
	if err != nil {
		return 0, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Warn("failed to close response body", log.String(logKeyURI, req.URL.Path), log.Error(closeErr))
		}
	}()

	clientErr := &ClientError{Method: req.Method, URL: req.URL, StatusCode: resp.StatusCode}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, clientErr.wrap("reading response body", err)
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		clientErr.Message = "empty response"
		return resp.StatusCode, clientErr
	}
	if err = json.Unmarshal(buf, result); err != nil {
		if len(buf) > maxLoggedBodySize {
			buf = buf[:maxLoggedBodySize]
		}
		logger.Error("error unmarshaling response",
			log.String(logKeyURI, req.URL.Path), log.Int(logKeyStatus, resp.StatusCode), log.Error(err))
		clientErr.Body = string(buf)
		return resp.StatusCode, clientErr.wrap("unmarshaling response", err)
	}
	return resp.StatusCode, nil
}

// NewJSONRequest performs JSON marshaling of the passed data and creates a new http.Request.
func NewJSONRequest(method, url string, data interface{}) (*http.Request, error) {
	if data == nil {
		return nil, fmt.Errorf("data cannot be nil")
	}
	buf, err := jsonMarshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentTypeAppJSON)
	req.Header.Set("Accept", ContentTypeAppJSON)
	return req, nil
}
