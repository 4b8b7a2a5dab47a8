// Package gojob bridges alignment job messages onto go-job queues so that the
// scheduler can publish to, and workers can consume from, any go-job backend.
package gojob

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-alignment/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDAlignmentRun  = "alignment.run"
	JobIDSchedulerTick = "alignment.scheduler.tick"
	JobIDDLQReplay     = "alignment.dlq.replay"
)

// RetryPolicy caps redelivery of a job message. Anything past MaxAttempts is
// dead-lettered instead of requeued.
type RetryPolicy struct {
	MaxAttempts int
	MaxDelay    time.Duration
}

// Apply bounds opts for the given delivery attempt, counting from 1.
func (p RetryPolicy) Apply(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	out := opts
	out.Reason = core.RedactErrorMessage(out.Reason)
	out.Delay = max(out.Delay, 0)
	if p.MaxDelay > 0 {
		out.Delay = min(out.Delay, p.MaxDelay)
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.DeadLetter = true
	}
	if out.DeadLetter {
		out.Requeue = false
		out.Delay = 0
		return out
	}
	out.Requeue = true
	return out
}

// ToExecutionMessage converts an alignment job message for go-job. The job
// row id doubles as the idempotency key when none is set, so a job published
// twice is run once.
func ToExecutionMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	idempotency := strings.TrimSpace(msg.IdempotencyKey)
	if idempotency == "" {
		idempotency = strings.TrimSpace(msg.JobID)
	}
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     maps.Clone(msg.Parameters),
		IdempotencyKey: idempotency,
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

func FromExecutionMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     maps.Clone(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

// ProjectID reads the project a run message was published for.
func ProjectID(msg *core.JobExecutionMessage) string {
	if msg == nil {
		return ""
	}
	value, _ := msg.Parameters["project_id"].(string)
	return strings.TrimSpace(value)
}

// Publisher implements core.JobEnqueuer on a go-job queue.
type Publisher struct {
	enqueuer queue.Enqueuer
}

func NewPublisher(enqueuer queue.Enqueuer) *Publisher {
	return &Publisher{enqueuer: enqueuer}
}

func (p *Publisher) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if p == nil || p.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if msg == nil || strings.TrimSpace(msg.JobID) == "" {
		return core.NewBadInputError("gojob: job message with a job id is required", nil)
	}
	if err := p.enqueuer.Enqueue(ctx, ToExecutionMessage(msg)); err != nil {
		return core.NewTransientError(err, "gojob: enqueue failed", map[string]any{"job_id": msg.JobID})
	}
	return nil
}

// Subscriber implements core.JobDequeuer on a go-job queue. It counts
// deliveries per job id so the retry policy can stop a message that keeps
// failing.
type Subscriber struct {
	dequeuer queue.Dequeuer
	policy   RetryPolicy

	mu       sync.Mutex
	attempts map[string]int
}

func NewSubscriber(dequeuer queue.Dequeuer, policy RetryPolicy) *Subscriber {
	return &Subscriber{dequeuer: dequeuer, policy: policy, attempts: map[string]int{}}
}

func (s *Subscriber) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if s == nil || s.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := s.dequeuer.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, nil
	}
	msg := FromExecutionMessage(delivery.Message())
	attempt := 1
	if msg != nil && msg.JobID != "" {
		s.mu.Lock()
		s.attempts[msg.JobID]++
		attempt = s.attempts[msg.JobID]
		s.mu.Unlock()
	}
	return &Delivery{subscriber: s, delivery: delivery, msg: msg, attempt: attempt}, nil
}

// Attempts reports how many times jobID has been handed out and not settled.
func (s *Subscriber) Attempts(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[jobID]
}

func (s *Subscriber) settle(jobID string) {
	if jobID == "" {
		return
	}
	s.mu.Lock()
	delete(s.attempts, jobID)
	s.mu.Unlock()
}

type Delivery struct {
	subscriber *Subscriber
	delivery   queue.Delivery
	msg        *core.JobExecutionMessage
	attempt    int
}

func (d *Delivery) Message() *core.JobExecutionMessage {
	return d.msg
}

func (d *Delivery) Attempt() int {
	return d.attempt
}

func (d *Delivery) Ack(ctx context.Context) error {
	if err := d.delivery.Ack(ctx); err != nil {
		return err
	}
	d.subscriber.settle(d.jobID())
	return nil
}

func (d *Delivery) Nack(ctx context.Context, opts core.JobNackOptions) error {
	applied := d.subscriber.policy.Apply(opts, d.attempt)
	if err := d.delivery.Nack(ctx, queue.NackOptions{
		Delay:      applied.Delay,
		Requeue:    applied.Requeue,
		DeadLetter: applied.DeadLetter,
		Reason:     applied.Reason,
	}); err != nil {
		return err
	}
	if applied.DeadLetter {
		d.subscriber.settle(d.jobID())
	}
	return nil
}

func (d *Delivery) jobID() string {
	if d.msg == nil {
		return ""
	}
	return d.msg.JobID
}

// Hook forwards go-job worker events to an alignment worker hook.
type Hook struct {
	next core.JobWorkerHook
}

func NewHook(next core.JobWorkerHook) *Hook {
	return &Hook{next: next}
}

func (h *Hook) OnStart(ctx context.Context, event worker.Event) {
	if h.next != nil {
		h.next.OnStart(ctx, workerEvent(event))
	}
}

func (h *Hook) OnSuccess(ctx context.Context, event worker.Event) {
	if h.next != nil {
		h.next.OnSuccess(ctx, workerEvent(event))
	}
}

func (h *Hook) OnFailure(ctx context.Context, event worker.Event) {
	if h.next != nil {
		h.next.OnFailure(ctx, workerEvent(event))
	}
}

func (h *Hook) OnRetry(ctx context.Context, event worker.Event) {
	if h.next != nil {
		h.next.OnRetry(ctx, workerEvent(event))
	}
}

func workerEvent(event worker.Event) core.JobWorkerEvent {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	return core.JobWorkerEvent{
		Message:   FromExecutionMessage(message),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
}

var (
	_ core.JobEnqueuer = (*Publisher)(nil)
	_ core.JobDequeuer = (*Subscriber)(nil)
	_ core.JobDelivery = (*Delivery)(nil)
	_ worker.Hook      = (*Hook)(nil)
)
