package pagefetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/transport"
)

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *HTTPFetcher {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	fetcher, err := NewHTTPFetcher(Config{RenderURL: server.URL + "/render", Transport: transport.NewRESTAdapter(server.Client())})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	return fetcher
}

func kindOf(t *testing.T, err error) ErrorKind {
	t.Helper()
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %T %v", err, err)
	}
	return fetchErr.Kind
}

func TestFetch_ReturnsSnapshot(t *testing.T) {
	var gotURL string
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotURL = body["url"]
		_, _ = w.Write([]byte(`{"title":" Boots ","h1":["Winter boots"],"ctas":["Shop now"],"tracking_signals":{"GA4":true,"meta_pixel":false}}`))
	})

	page, err := fetcher.Fetch(context.Background(), "https://shop.example/boots")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotURL != "https://shop.example/boots" {
		t.Fatalf("unexpected render request url %q", gotURL)
	}
	if page.Title != "Boots" || page.H1[0] != "Winter boots" || !page.TrackingSignals["ga4"] || page.TrackingSignals["meta_pixel"] {
		t.Fatalf("unexpected snapshot %+v", page)
	}
}

func TestFetch_DistinguishesNetworkFromRender(t *testing.T) {
	status := http.StatusBadGateway
	body := ""
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	ctx := context.Background()

	_, err := fetcher.Fetch(ctx, "https://shop.example")
	if kindOf(t, err) != KindNetwork || !IsNetwork(err) {
		t.Fatalf("expected network kind for 502, got %v", err)
	}

	status = http.StatusUnprocessableEntity
	_, err = fetcher.Fetch(ctx, "https://shop.example")
	if kindOf(t, err) != KindRender {
		t.Fatalf("expected render kind for 422, got %v", err)
	}

	status, body = http.StatusOK, `{"error":"page crashed during render"}`
	_, err = fetcher.Fetch(ctx, "https://shop.example")
	if kindOf(t, err) != KindRender {
		t.Fatalf("expected render kind for error body, got %v", err)
	}
}

func TestFetch_TransportFailureIsNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	fetcher, err := NewHTTPFetcher(Config{RenderURL: url, Transport: transport.NewRESTAdapter(&http.Client{})})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	if _, err := fetcher.Fetch(context.Background(), "https://shop.example"); kindOf(t, err) != KindNetwork {
		t.Fatalf("expected network kind for refused connection, got %v", err)
	}
}

func TestFetch_RejectsInvalidPageURL(t *testing.T) {
	fetcher, err := NewHTTPFetcher(Config{RenderURL: "http://render.invalid", Transport: transport.NewRESTAdapter(nil)})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	if _, err := fetcher.Fetch(context.Background(), "ftp://shop.example"); kindOf(t, err) != KindRender {
		t.Fatalf("expected render kind for bad url")
	}
	if _, err := NewHTTPFetcher(ConfigFrom(core.PageFetchConfig{})); err == nil {
		t.Fatalf("expected missing render url error")
	}
}
