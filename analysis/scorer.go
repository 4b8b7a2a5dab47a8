// Package analysis scores how well a landing page matches its ad, calling
// the external analysis service when it is reachable.
package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
)

type projectKey struct{}

// WithProject tags ctx with the project an analysis call is made for. The
// HTTP analyzer throttles on it.
func WithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectKey{}, strings.TrimSpace(projectID))
}

func ProjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(projectKey{}).(string)
	return value
}

type Result struct {
	Score    float64
	Scores   map[string]float64
	Findings []core.Finding
	Mode     core.ReportMode
}

type Option func(*Scorer)

func WithTimeout(timeout time.Duration) Option {
	return func(s *Scorer) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(s *Scorer) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// Scorer never fails: analyzer errors, timeouts and panics downgrade the
// result to heuristics mode.
type Scorer struct {
	analyzer core.Analyzer
	timeout  time.Duration
	observer *core.Observer
}

// NewScorer accepts a nil analyzer, in which case every result is
// heuristics-only.
func NewScorer(analyzer core.Analyzer, opts ...Option) *Scorer {
	scorer := &Scorer{
		analyzer: analyzer,
		timeout:  core.DefaultConfig().Analysis.Timeout,
		observer: core.NewObserver(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(scorer)
		}
	}
	return scorer
}

func (s *Scorer) Score(ctx context.Context, ad core.AdContent, page core.PageSnapshot) Result {
	heuristics := Heuristics(ad, page)
	if s.analyzer == nil {
		return s.fallback(ctx, heuristics, fmt.Errorf("analysis: no analyzer configured"))
	}

	remote, err := s.analyze(ctx, ad, page)
	if err != nil {
		return s.fallback(ctx, heuristics, err)
	}

	scores := make(map[string]float64, len(heuristics.Scores)+len(remote.Scores))
	for key, value := range heuristics.Scores {
		scores[key] = value
	}
	for key, value := range remote.Scores {
		scores[key] = clamp(value)
	}
	findings := append(append([]core.Finding(nil), heuristics.Findings...), remote.Findings...)
	return Result{Score: Overall(scores), Scores: scores, Findings: findings, Mode: core.ReportModeFull}
}

func (s *Scorer) analyze(ctx context.Context, ad core.AdContent, page core.PageSnapshot) (result core.AnalysisResult, err error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = core.NewInternalError(fmt.Errorf("%v", recovered), "analysis: analyzer panicked", nil)
		}
	}()
	result, err = s.analyzer.Analyze(callCtx, ad, page)
	if err != nil {
		return core.AnalysisResult{}, err
	}
	if len(result.Scores) == 0 {
		return core.AnalysisResult{}, core.NewExternalError(nil, "analysis: analyzer returned no scores", nil)
	}
	return result, nil
}

func (s *Scorer) fallback(ctx context.Context, heuristics core.AnalysisResult, cause error) Result {
	s.observer.Warn(ctx, "analysis degraded to heuristics", map[string]any{
		"project_id": ProjectFromContext(ctx),
		"error":      cause.Error(),
	})
	s.observer.Count(ctx, "alignment.analysis.fallback", 1, map[string]string{"error_class": string(core.ClassifyError(cause))})
	findings := append([]core.Finding{{
		Code:     FindingAnalysisUnavailable,
		Severity: "info",
		Message:  "external analysis unavailable; heuristic scores only",
	}}, heuristics.Findings...)
	return Result{
		Score:    Overall(heuristics.Scores),
		Scores:   heuristics.Scores,
		Findings: findings,
		Mode:     core.ReportModeHeuristics,
	}
}

func clamp(value float64) float64 {
	switch {
	case value < 0:
		return 0
	case value > 100:
		return 100
	default:
		return value
	}
}
