package core

import "context"

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// TaggedMetricsRecorder stamps constant tags, such as the worker role, on
// every sample before handing it to Next. Per-sample tags win on conflict.
type TaggedMetricsRecorder struct {
	Next MetricsRecorder
	Tags map[string]string
}

func WithConstantTags(next MetricsRecorder, tags map[string]string) MetricsRecorder {
	if next == nil {
		return NopMetricsRecorder{}
	}
	if len(tags) == 0 {
		return next
	}
	return TaggedMetricsRecorder{Next: next, Tags: cloneTags(tags)}
}

func (r TaggedMetricsRecorder) IncCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if r.Next == nil {
		return
	}
	r.Next.IncCounter(ctx, name, value, mergeTags(r.Tags, tags))
}

func (r TaggedMetricsRecorder) ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if r.Next == nil {
		return
	}
	r.Next.ObserveHistogram(ctx, name, value, mergeTags(r.Tags, tags))
}

func mergeTags(base map[string]string, overlay map[string]string) map[string]string {
	merged := cloneTags(base)
	for key, value := range overlay {
		merged[key] = value
	}
	return merged
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var (
	_ MetricsRecorder = NopMetricsRecorder{}
	_ MetricsRecorder = TaggedMetricsRecorder{}
)
