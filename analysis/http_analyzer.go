package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/ratelimit"
	"github.com/goliatone/go-alignment/transport"
)

type HTTPConfig struct {
	BaseURL   string
	APIKey    string
	Transport core.TransportAdapter
	Limiter   *ratelimit.KeyedLimiter
}

// HTTPAnalyzer calls POST <base>/analyze on the analysis service.
type HTTPAnalyzer struct {
	endpoint  string
	apiKey    string
	transport core.TransportAdapter
	limiter   *ratelimit.KeyedLimiter
}

type analyzeRequest struct {
	Ad   core.AdContent    `json:"ad"`
	Page core.PageSnapshot `json:"page"`
}

func NewHTTPAnalyzer(cfg HTTPConfig) (*HTTPAnalyzer, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("analysis: base url is required")
	}
	adapter := cfg.Transport
	if adapter == nil {
		adapter = transport.NewRESTAdapter(&http.Client{})
	}
	return &HTTPAnalyzer{
		endpoint:  base + "/analyze",
		apiKey:    strings.TrimSpace(cfg.APIKey),
		transport: adapter,
		limiter:   cfg.Limiter,
	}, nil
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, ad core.AdContent, page core.PageSnapshot) (core.AnalysisResult, error) {
	projectID := ProjectFromContext(ctx)
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, "analysis:"+projectID); err != nil {
			return core.AnalysisResult{}, core.NewTransientError(err, "analysis: throttled", map[string]any{"project_id": projectID})
		}
	}
	headers := map[string]string{}
	if a.apiKey != "" {
		headers["Authorization"] = "Bearer " + a.apiKey
	}
	page.Screenshot = nil

	var out core.AnalysisResult
	_, err := transport.PostJSON(ctx, a.transport, core.TransportRequest{
		URL:     a.endpoint,
		Headers: headers,
	}, analyzeRequest{Ad: ad, Page: page}, &out)
	if err != nil {
		var statusErr *transport.StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return core.AnalysisResult{}, core.NewExternalError(err, "analysis: service rejected request", map[string]any{"status_code": statusErr.StatusCode})
		}
		return core.AnalysisResult{}, core.NewTransientError(err, "analysis: service call failed", map[string]any{"project_id": projectID})
	}
	return out, nil
}

var _ core.Analyzer = (*HTTPAnalyzer)(nil)
