// Package pagefetch loads landing page snapshots from a render service.
package pagefetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/transport"
)

type ErrorKind string

const (
	// KindNetwork covers transport failures, timeouts and 5xx answers. They
	// are worth retrying.
	KindNetwork ErrorKind = "network"
	// KindRender means the service reached the page but could not render it.
	KindRender ErrorKind = "render"
)

type FetchError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("pagefetch: %s failure for %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNetwork reports whether err is a network-kind fetch failure.
func IsNetwork(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr) && fetchErr.Kind == KindNetwork
}

type Config struct {
	RenderURL string
	Timeout   time.Duration
	Transport core.TransportAdapter
}

func ConfigFrom(cfg core.PageFetchConfig) Config {
	return Config{RenderURL: cfg.RenderURL, Timeout: cfg.Timeout}
}

// HTTPFetcher posts {"url": ...} to the render service.
type HTTPFetcher struct {
	renderURL string
	timeout   time.Duration
	transport core.TransportAdapter
}

type renderRequest struct {
	URL string `json:"url"`
}

type renderResponse struct {
	Title           string          `json:"title"`
	H1              []string        `json:"h1"`
	CTAs            []string        `json:"ctas"`
	TrackingSignals map[string]bool `json:"tracking_signals"`
	Screenshot      []byte          `json:"screenshot"`
	Error           string          `json:"error"`
}

func NewHTTPFetcher(cfg Config) (*HTTPFetcher, error) {
	renderURL := strings.TrimSpace(cfg.RenderURL)
	if renderURL == "" {
		return nil, fmt.Errorf("pagefetch: render url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = core.DefaultConfig().PageFetch.Timeout
	}
	adapter := cfg.Transport
	if adapter == nil {
		adapter = transport.NewRESTAdapter(&http.Client{})
	}
	return &HTTPFetcher{renderURL: renderURL, timeout: cfg.Timeout, transport: adapter}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string) (core.PageSnapshot, error) {
	pageURL = strings.TrimSpace(pageURL)
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return core.PageSnapshot{}, &FetchError{Kind: KindRender, URL: pageURL, Err: fmt.Errorf("invalid page url")}
	}

	var out renderResponse
	_, err = transport.PostJSON(ctx, f.transport, core.TransportRequest{
		URL:     f.renderURL,
		Timeout: f.timeout,
	}, renderRequest{URL: pageURL}, &out)
	if err != nil {
		return core.PageSnapshot{}, &FetchError{Kind: classify(err), URL: pageURL, Err: err}
	}
	if message := strings.TrimSpace(out.Error); message != "" {
		return core.PageSnapshot{}, &FetchError{Kind: KindRender, URL: pageURL, Err: errors.New(message)}
	}

	signals := make(map[string]bool, len(out.TrackingSignals))
	for name, present := range out.TrackingSignals {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			signals[name] = present
		}
	}
	return core.PageSnapshot{
		URL:             pageURL,
		Title:           strings.TrimSpace(out.Title),
		H1:              out.H1,
		CTAs:            out.CTAs,
		TrackingSignals: signals,
		Screenshot:      out.Screenshot,
	}, nil
}

func classify(err error) ErrorKind {
	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests {
			return KindNetwork
		}
		return KindRender
	}
	// Undecodable 2xx bodies come back as external go-errors from PostJSON.
	if strings.Contains(err.Error(), "decode json response") {
		return KindRender
	}
	return KindNetwork
}

var _ core.PageFetcher = (*HTTPFetcher)(nil)
