package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-alignment/core"
)

const KindREST = "rest"

const (
	defaultClientTimeout       = 30 * time.Second
	defaultBodyLimit     int64 = 10 << 20
	defaultUserAgent           = "go-alignment"
	statusBodyPreview          = 256
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RESTAdapter sends core.TransportRequest values over HTTP. Analyzer, page
// fetch, alert webhooks and provider APIs all go through it.
type RESTAdapter struct {
	Client               HTTPDoer
	DefaultHeaders       map[string]string
	UserAgent            string
	MaxResponseBodyBytes int64
}

func NewRESTAdapter(client HTTPDoer) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	return &RESTAdapter{
		Client:               client,
		DefaultHeaders:       map[string]string{},
		UserAgent:            defaultUserAgent,
		MaxResponseBodyBytes: defaultBodyLimit,
	}
}

func (*RESTAdapter) Kind() string {
	return KindREST
}

func (a *RESTAdapter) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if a == nil || a.Client == nil {
		return core.TransportResponse{}, transportError("transport: rest adapter requires an http client",
			goerrors.CategoryInternal, http.StatusInternalServerError, nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := a.newRequest(ctx, req)
	if err != nil {
		return core.TransportResponse{}, err
	}
	started := time.Now()
	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		return core.TransportResponse{}, transportWrapError(err, goerrors.CategoryExternal,
			"transport: execute http request", http.StatusBadGateway,
			map[string]any{"method": httpReq.Method, "host": httpReq.URL.Host})
	}
	defer httpRes.Body.Close()

	body, err := readLimited(httpRes, bodyLimit(req.MaxResponseBodyBytes, a.MaxResponseBodyBytes))
	if err != nil {
		return core.TransportResponse{}, err
	}
	return core.TransportResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    flattenHeaders(httpRes.Header),
		Body:       body,
		Metadata: map[string]any{
			"duration_ms": time.Since(started).Milliseconds(),
			"kind":        KindREST,
		},
	}, nil
}

func (a *RESTAdapter) newRequest(ctx context.Context, req core.TransportRequest) (*http.Request, error) {
	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		return nil, transportError("transport: request url is required",
			goerrors.CategoryBadInput, http.StatusBadRequest, nil)
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, transportWrapError(err, goerrors.CategoryBadInput,
			"transport: invalid request url", http.StatusBadRequest, map[string]any{"url": rawURL})
	}
	if len(req.Query) > 0 {
		query := target.Query()
		for key, value := range req.Query {
			if key = strings.TrimSpace(key); key != "" {
				query.Set(key, strings.TrimSpace(value))
			}
		}
		target.RawQuery = query.Encode()
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, transportWrapError(err, goerrors.CategoryBadInput,
			"transport: create http request", http.StatusBadRequest, map[string]any{"method": method})
	}
	if agent := strings.TrimSpace(a.UserAgent); agent != "" {
		httpReq.Header.Set("User-Agent", agent)
	}
	setHeaders(httpReq.Header, a.DefaultHeaders)
	setHeaders(httpReq.Header, req.Headers)
	if key := strings.TrimSpace(req.Idempotency); key != "" {
		httpReq.Header.Set("Idempotency-Key", key)
	}
	return httpReq, nil
}

func setHeaders(dst http.Header, src map[string]string) {
	for key, value := range src {
		if key = strings.TrimSpace(key); key != "" {
			dst.Set(key, strings.TrimSpace(value))
		}
	}
}

func readLimited(res *http.Response, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(res.Body, limit+1))
	if err != nil {
		return nil, transportWrapError(err, goerrors.CategoryExternal,
			"transport: read response body", http.StatusBadGateway, map[string]any{"status_code": res.StatusCode})
	}
	if int64(len(body)) > limit {
		return nil, transportError(fmt.Sprintf("transport: response body exceeds limit of %d bytes", limit),
			goerrors.CategoryExternal, http.StatusBadGateway, map[string]any{"status_code": res.StatusCode})
	}
	return body, nil
}

func bodyLimit(requestLimit int64, adapterLimit int64) int64 {
	switch {
	case requestLimit > 0:
		return requestLimit
	case adapterLimit > 0:
		return adapterLimit
	default:
		return defaultBodyLimit
	}
}

// PostJSON encodes in, posts it, and decodes a 2xx body into out when out is
// non-nil. Non-2xx responses are returned with a StatusError.
func PostJSON(ctx context.Context, adapter core.TransportAdapter, req core.TransportRequest, in any, out any) (core.TransportResponse, error) {
	if adapter == nil {
		return core.TransportResponse{}, fmt.Errorf("transport: adapter is required")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return core.TransportResponse{}, transportWrapError(err, goerrors.CategoryBadInput,
			"transport: encode json body", http.StatusBadRequest, nil)
	}
	headers := make(map[string]string, len(req.Headers)+2)
	for key, value := range req.Headers {
		headers[key] = value
	}
	headers["Content-Type"] = "application/json"
	headers["Accept"] = "application/json"
	req.Method = http.MethodPost
	req.Body = body
	req.Headers = headers

	res, err := adapter.Do(ctx, req)
	if err != nil {
		return res, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return res, &StatusError{StatusCode: res.StatusCode, Body: preview(res.Body)}
	}
	if out != nil && len(res.Body) > 0 {
		if err := json.Unmarshal(res.Body, out); err != nil {
			return res, transportWrapError(err, goerrors.CategoryExternal,
				"transport: decode json response", http.StatusBadGateway, map[string]any{"status_code": res.StatusCode})
		}
	}
	return res, nil
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	if e.Body == "" {
		return fmt.Sprintf("transport: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("transport: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying later.
func (e *StatusError) Retryable() bool {
	if e == nil {
		return false
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func preview(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > statusBodyPreview {
		return text[:statusBodyPreview]
	}
	return text
}

func flattenHeaders(headers http.Header) map[string]string {
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

var _ core.TransportAdapter = (*RESTAdapter)(nil)
