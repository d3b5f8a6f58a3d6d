package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
)

// HTTPRequest is the guest-visible request shape, mirroring
// original_source's request struct (method, url, headers, body, and an
// optional per-call timeout that is clamped to the worker's configured
// maximum rather than trusted outright).
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Timeout *time.Duration    `json:"timeout,omitempty"`
}

type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

type HTTPErrorKind string

const (
	HTTPErrInvalidURL    HTTPErrorKind = "invalid-url"
	HTTPErrInvalidMethod HTTPErrorKind = "invalid-method"
	HTTPErrTimeout       HTTPErrorKind = "timeout"
	HTTPErrOther         HTTPErrorKind = "other"
)

type HTTPError struct {
	Kind    HTTPErrorKind
	Message string
}

func (e *HTTPError) Error() string { return fmt.Sprintf("hostapi: http %s: %s", e.Kind, e.Message) }

// Fetch performs a single request, journaling the full response so replay
// never re-issues it — grounded on original_source's http_impl, including
// its timeout clamp to the worker's configured maximum.
func (tc *TaskContext) Fetch(ctx context.Context, req HTTPRequest) (HTTPResponse, error) {
	raw, err := tc.Engine.Transact(ctx, "http.fetch", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
		resp, ferr := tc.doFetch(ctx, req)
		if ferr != nil {
			return nil, ferr
		}
		return json.Marshal(resp)
	})
	if err != nil {
		return HTTPResponse{}, err
	}
	var resp HTTPResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return HTTPResponse{}, err
	}
	return resp, nil
}

func (tc *TaskContext) doFetch(ctx context.Context, hr HTTPRequest) (HTTPResponse, error) {
	if _, err := url.ParseRequestURI(hr.URL); err != nil {
		return HTTPResponse{}, &HTTPError{Kind: HTTPErrInvalidURL, Message: err.Error()}
	}

	timeout := tc.MaxHTTPTimeout
	if hr.Timeout != nil && *hr.Timeout < timeout {
		timeout = *hr.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(hr.Body) > 0 {
		body = bytes.NewReader(hr.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, hr.Method, hr.URL, body)
	if err != nil {
		return HTTPResponse{}, &HTTPError{Kind: HTTPErrInvalidMethod, Message: err.Error()}
	}
	for k, v := range hr.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := tc.HTTPClient.Do(httpReq)
	if err != nil {
		if reqCtx.Err() != nil {
			return HTTPResponse{}, &HTTPError{Kind: HTTPErrTimeout, Message: err.Error()}
		}
		return HTTPResponse{}, &HTTPError{Kind: HTTPErrOther, Message: err.Error()}
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, int64(tc.MaxReturnedBufferLen))
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return HTTPResponse{}, &HTTPError{Kind: HTTPErrOther, Message: err.Error()}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return HTTPResponse{Status: resp.StatusCode, Headers: headers, Body: respBody}, nil
}
