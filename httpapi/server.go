// Package httpapi is the HTTP surface: the inbound webhook endpoint, health
// and metrics, and read-only admin lookups over the query handlers.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/inbound"
	"github.com/goliatone/go-alignment/query"
	gocmd "github.com/goliatone/go-command"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const shutdownTimeout = 10 * time.Second

// Ingestor accepts one verified-or-rejected webhook delivery.
type Ingestor interface {
	Ingest(ctx context.Context, delivery inbound.Delivery) (inbound.Result, error)
}

// Queries backs the admin routes. Nil members leave their route unmounted.
type Queries struct {
	Job    gocmd.Querier[query.GetJob, core.AlignmentJob]
	DLQ    gocmd.Querier[query.ListDLQEvents, []core.DLQEvent]
	Report gocmd.Querier[query.GetReport, core.AlignmentReport]
	Alerts gocmd.Querier[query.ListAlerts, []core.AlignmentAlert]
}

// HealthCheck reports a dependency's status; a nil error is healthy.
type HealthCheck func(ctx context.Context) error

type Option func(*Server)

func WithObserver(observer *core.Observer) Option {
	return func(s *Server) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithMetricsHandler mounts handler at GET /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = handler
	}
}

func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		name = strings.TrimSpace(name)
		if name != "" && check != nil {
			s.checks[name] = check
		}
	}
}

func WithQueries(queries Queries) Option {
	return func(s *Server) {
		s.queries = queries
	}
}

type Server struct {
	config   core.HTTPConfig
	ingestor Ingestor
	observer *core.Observer
	metrics  http.Handler
	checks   map[string]HealthCheck
	queries  Queries
	echo     *echo.Echo
}

func New(config core.HTTPConfig, ingestor Ingestor, opts ...Option) (*Server, error) {
	if ingestor == nil {
		return nil, fmt.Errorf("httpapi: ingestor is required")
	}
	defaults := core.DefaultConfig().HTTP
	if strings.TrimSpace(config.Addr) == "" {
		config.Addr = defaults.Addr
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	s := &Server{
		config:   config,
		ingestor: ingestor,
		observer: core.NewObserver(nil, nil),
		checks:   map[string]HealthCheck{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.echo = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.config.Addr)
	}()
	s.observer.Info(ctx, "http server listening", map[string]any{"addr": s.config.Addr})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(s.requestLogger)

	e.POST("/webhooks/:provider/:connectionId", s.handleWebhook)
	e.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}
	s.mountAdmin(e.Group("/v1"))
	return e
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		res := c.Response()
		startedAt := time.Now()

		id := strings.TrimSpace(req.Header.Get(echo.HeaderXRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		res.Header().Set(echo.HeaderXRequestID, id)

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		var failed error
		if res.Status >= http.StatusInternalServerError {
			failed = err
		}
		s.observer.Observe(req.Context(), startedAt, "http.request", failed, map[string]any{
			"request_id": id,
			"method":     req.Method,
			"route":      route,
			"outcome":    strconv.Itoa(res.Status),
			"size":       res.Size,
		})
		return nil
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      int            `json:"code"`
	TextCode  string         `json:"text_code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	detail := errorDetail{
		Code:      http.StatusInternalServerError,
		TextCode:  core.ErrorInternal,
		Message:   "An unexpected error occurred",
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		detail.Code = httpErr.Code
		detail.TextCode = textCodeForStatus(httpErr.Code)
		if msg, ok := httpErr.Message.(string); ok {
			detail.Message = msg
		} else {
			detail.Message = http.StatusText(httpErr.Code)
		}
	} else if mapped := core.DefaultErrorMapper(err); mapped != nil {
		detail.Code = mapped.Code
		detail.TextCode = mapped.TextCode
		detail.Message = core.RedactErrorMessage(mapped.Message)
		if validation := mapped.AllValidationErrors(); len(validation) > 0 {
			detail.Fields = map[string]any{}
			for _, field := range validation {
				detail.Fields[field.Field] = field.Message
			}
		}
	}
	if detail.Code >= http.StatusInternalServerError {
		s.observer.Error(c.Request().Context(), "http request failed", map[string]any{
			"route": c.Path(),
			"error": core.RedactErrorMessage(err.Error()),
		})
	}
	_ = c.JSON(detail.Code, errorBody{Error: detail})
}

func textCodeForStatus(status int) string {
	switch status {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return core.ErrorNotFound
	case http.StatusUnauthorized:
		return core.ErrorUnauthorized
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return core.ErrorBadInput
	default:
		return core.ErrorInternal
	}
}
