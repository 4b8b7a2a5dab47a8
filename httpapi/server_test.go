package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/inbound"
	"github.com/goliatone/go-alignment/metrics"
	"github.com/goliatone/go-alignment/query"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type stubIngestor struct {
	result inbound.Result
	err    error
	last   inbound.Delivery
	calls  int
}

func (s *stubIngestor) Ingest(_ context.Context, delivery inbound.Delivery) (inbound.Result, error) {
	s.calls++
	s.last = delivery
	return s.result, s.err
}

func newTestServer(t *testing.T, ingestor Ingestor, opts ...Option) *Server {
	t.Helper()
	server, err := New(core.HTTPConfig{MaxBodyBytes: 64}, ingestor, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return server
}

func serve(server *Server, method string, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebhook_AcceptsDelivery(t *testing.T) {
	ingestor := &stubIngestor{result: inbound.Result{StatusCode: http.StatusOK, Events: 1, Inserted: 1}}
	server := newTestServer(t, ingestor)

	rec := serve(server, http.MethodPost, "/webhooks/shopify/conn_1", `{"id":1}`, map[string]string{
		"X-Shopify-Hmac-Sha256": "sig",
		"X-Shopify-Topic":       "orders/create",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || !body["received"] {
		t.Fatalf("expected received=true, got %s", rec.Body.String())
	}
	if ingestor.last.ProviderID != "shopify" || ingestor.last.ConnectionID != "conn_1" {
		t.Fatalf("unexpected delivery route params %+v", ingestor.last)
	}
	if ingestor.last.Headers["X-Shopify-Topic"] != "orders/create" || string(ingestor.last.Body) != `{"id":1}` {
		t.Fatalf("unexpected delivery payload %+v", ingestor.last)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestWebhook_ParkedDeliveryStillAnswers200(t *testing.T) {
	ingestor := &stubIngestor{result: inbound.Result{StatusCode: http.StatusOK, Deferred: true, DLQEventID: "dlq_1"}}
	rec := serve(newTestServer(t, ingestor), http.MethodPost, "/webhooks/meta/conn_1", `{}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for parked delivery, got %d", rec.Code)
	}
}

func TestWebhook_MapsIngestFailures(t *testing.T) {
	cases := []struct {
		name   string
		result inbound.Result
		err    error
		want   int
		code   string
	}{
		{"unknown connection", inbound.Result{StatusCode: http.StatusNotFound}, core.ErrConnectionNotFound, http.StatusNotFound, core.ErrorNotFound},
		{"bad signature", inbound.Result{StatusCode: http.StatusUnauthorized}, core.NewUnauthorizedError("signature mismatch", nil), http.StatusUnauthorized, core.ErrorUnauthorized},
		{"connection store failure", inbound.Result{StatusCode: http.StatusInternalServerError},
			core.NewInternalError(errors.New("database is closed"), "inbound: resolve connection", nil), http.StatusInternalServerError, core.ErrorInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(newTestServer(t, &stubIngestor{result: tc.result, err: tc.err}), http.MethodPost, "/webhooks/shopify/conn_x", `{}`, nil)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Error.TextCode != tc.code {
				t.Fatalf("expected text code %s, got %+v", tc.code, body.Error)
			}
		})
	}
}

func TestWebhook_RejectsOversizedBody(t *testing.T) {
	ingestor := &stubIngestor{}
	rec := serve(newTestServer(t, ingestor), http.MethodPost, "/webhooks/shopify/conn_1", strings.Repeat("x", 128), nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if ingestor.calls != 0 {
		t.Fatalf("expected ingestor not to be called")
	}
}

func TestHealth_ReportsFailingChecks(t *testing.T) {
	server := newTestServer(t, &stubIngestor{},
		WithHealthCheck("database", func(context.Context) error { return nil }),
		WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
	)
	rec := serve(server, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body healthBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || body.Checks["database"] != "ok" || body.Checks["redis"] == "ok" {
		t.Fatalf("unexpected health body %+v", body)
	}

	rec = serve(newTestServer(t, &stubIngestor{}), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without checks, got %d", rec.Code)
	}
}

func TestMetrics_ExposesRequestCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	observer := core.NewObserver(nil, metrics.NewPrometheusRecorder(registry))
	server := newTestServer(t, &stubIngestor{result: inbound.Result{StatusCode: http.StatusOK}},
		WithObserver(observer),
		WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
	)

	serve(server, http.MethodPost, "/webhooks/shopify/conn_1", `{}`, nil)
	rec := serve(server, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "alignment_http_request_total{") {
		t.Fatalf("expected http request counter in exposition:\n%s", rec.Body.String())
	}
}

type stubJobs struct{}

func (stubJobs) Get(_ context.Context, id string) (core.AlignmentJob, error) {
	if id != "job_1" {
		return core.AlignmentJob{}, core.ErrNotFound
	}
	return core.AlignmentJob{ID: id, ProjectID: "proj_1", Status: core.JobStatusCompleted, CreatedAt: time.Unix(0, 0).UTC()}, nil
}

type stubDLQ struct {
	status core.DLQStatus
	limit  int
}

func (s *stubDLQ) List(_ context.Context, status core.DLQStatus, limit int) ([]core.DLQEvent, error) {
	s.status = status
	s.limit = limit
	return []core.DLQEvent{{ID: "dlq_1", Status: status, Payload: []byte("secret body")}}, nil
}

func TestAdmin_JobAndDLQLookups(t *testing.T) {
	dlq := &stubDLQ{}
	server := newTestServer(t, &stubIngestor{}, WithQueries(Queries{
		Job: query.NewGetJobQuery(stubJobs{}),
		DLQ: query.NewListDLQEventsQuery(dlq),
	}))

	rec := serve(server, http.MethodGet, "/v1/jobs/job_1", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"completed"`) {
		t.Fatalf("unexpected job response %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(server, http.MethodGet, "/v1/jobs/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing job, got %d", rec.Code)
	}

	rec = serve(server, http.MethodGet, "/v1/dlq?status=dead&limit=10", "", nil)
	if rec.Code != http.StatusOK || dlq.status != core.DLQStatusDead || dlq.limit != 10 {
		t.Fatalf("unexpected dlq call %d status=%s limit=%d", rec.Code, dlq.status, dlq.limit)
	}
	if strings.Contains(rec.Body.String(), "secret body") {
		t.Fatalf("expected payload to be left out of the listing")
	}

	rec = serve(server, http.MethodGet, "/v1/dlq?limit=9000", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range limit, got %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error.Fields["limit"] == nil {
		t.Fatalf("expected limit field error, got %s", rec.Body.String())
	}

	if rec := serve(server, http.MethodGet, "/v1/reports/rep_1", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected unmounted report route to 404, got %d", rec.Code)
	}
}

func TestNew_RequiresIngestor(t *testing.T) {
	if _, err := New(core.HTTPConfig{}, nil); err == nil {
		t.Fatalf("expected error without ingestor")
	}
}
