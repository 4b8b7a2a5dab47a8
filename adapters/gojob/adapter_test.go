package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-alignment/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

func runMessage(jobID string) *core.JobExecutionMessage {
	return &core.JobExecutionMessage{
		JobID:      jobID,
		ScriptPath: "alignment/run",
		Parameters: map[string]any{"project_id": "proj_1", "ad_id": "ad_1"},
	}
}

func TestToExecutionMessage_DefaultsIdempotencyToJobID(t *testing.T) {
	converted := ToExecutionMessage(runMessage(" job_1 "))
	if converted.JobID != "job_1" || converted.IdempotencyKey != "job_1" {
		t.Fatalf("unexpected message %+v", converted)
	}
	back := FromExecutionMessage(converted)
	if ProjectID(back) != "proj_1" || back.Parameters["ad_id"] != "ad_1" {
		t.Fatalf("expected parameters to survive, got %+v", back.Parameters)
	}

	src := runMessage("job_2")
	out := ToExecutionMessage(src)
	out.Parameters["project_id"] = "proj_other"
	if ProjectID(src) != "proj_1" {
		t.Fatalf("parameters must be copied, not shared")
	}
}

func TestPublisher_MapsAndClassifiesErrors(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	publisher := NewPublisher(enqueuer)
	if err := publisher.Enqueue(context.Background(), runMessage("job_1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.JobID != "job_1" {
		t.Fatalf("expected go-job message, got %+v", enqueuer.last)
	}

	if err := publisher.Enqueue(context.Background(), &core.JobExecutionMessage{}); core.ClassifyError(err) != core.ErrorClassMapping {
		t.Fatalf("expected bad input for blank job id, got %v", err)
	}
	enqueuer.err = errors.New("broker unavailable")
	if err := publisher.Enqueue(context.Background(), runMessage("job_2")); core.ClassifyError(err) != core.ErrorClassTransient {
		t.Fatalf("expected transient enqueue failure, got %v", err)
	}
}

func TestSubscriber_CountsAttemptsAndDeadLettersAtLimit(t *testing.T) {
	raw := &stubQueueDelivery{msg: ToExecutionMessage(runMessage("job_1"))}
	subscriber := NewSubscriber(&stubQueueDequeuer{delivery: raw}, RetryPolicy{MaxAttempts: 2, MaxDelay: 10 * time.Second})
	ctx := context.Background()

	first, err := subscriber.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := first.Nack(ctx, core.JobNackOptions{Delay: time.Minute, Requeue: true, Reason: "database is locked"}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if !raw.nackOpts.Requeue || raw.nackOpts.Delay != 10*time.Second {
		t.Fatalf("expected bounded requeue, got %+v", raw.nackOpts)
	}

	second, _ := subscriber.Dequeue(ctx)
	if second.(*Delivery).Attempt() != 2 {
		t.Fatalf("expected second attempt, got %d", second.(*Delivery).Attempt())
	}
	if err := second.Nack(ctx, core.JobNackOptions{Delay: time.Second, Requeue: true}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if raw.nackOpts.Requeue || !raw.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter at max attempts, got %+v", raw.nackOpts)
	}
	if subscriber.Attempts("job_1") != 0 {
		t.Fatalf("dead-lettered job should be forgotten")
	}
}

func TestSubscriber_AckSettlesAndIdleQueue(t *testing.T) {
	raw := &stubQueueDelivery{msg: ToExecutionMessage(runMessage("job_1"))}
	dequeuer := &stubQueueDequeuer{delivery: raw}
	subscriber := NewSubscriber(dequeuer, RetryPolicy{})

	delivery, err := subscriber.Dequeue(context.Background())
	if err != nil || delivery.Message().JobID != "job_1" {
		t.Fatalf("unexpected delivery %+v err=%v", delivery, err)
	}
	if err := delivery.Ack(context.Background()); err != nil || !raw.acked {
		t.Fatalf("expected ack on underlying delivery, err=%v", err)
	}
	if subscriber.Attempts("job_1") != 0 {
		t.Fatalf("acked job should be forgotten")
	}

	dequeuer.delivery = nil
	if idle, err := subscriber.Dequeue(context.Background()); idle != nil || err != nil {
		t.Fatalf("expected idle dequeue, got %+v err=%v", idle, err)
	}
}

func TestRetryPolicy_DeadLetterWins(t *testing.T) {
	out := RetryPolicy{}.Apply(core.JobNackOptions{DeadLetter: true, Requeue: true, Delay: time.Minute}, 1)
	if out.Requeue || !out.DeadLetter || out.Delay != 0 {
		t.Fatalf("unexpected options %+v", out)
	}
	if out := (RetryPolicy{}).Apply(core.JobNackOptions{Delay: -time.Second}, 1); !out.Requeue || out.Delay != 0 {
		t.Fatalf("expected requeue with clamped delay, got %+v", out)
	}
}

func TestHook_ForwardsEvents(t *testing.T) {
	captured := &capturingHook{}
	hook := NewHook(captured)
	started := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	hook.OnRetry(context.Background(), worker.Event{
		Delivery:  &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: "job_1"}},
		Attempt:   2,
		Delay:     5 * time.Second,
		Err:       errors.New("retry"),
		StartedAt: started,
		Duration:  250 * time.Millisecond,
	})
	got := captured.last
	if got.Message == nil || got.Message.JobID != "job_1" {
		t.Fatalf("expected message from delivery, got %+v", got.Message)
	}
	if got.Attempt != 2 || got.Delay != 5*time.Second || !got.StartedAt.Equal(started) || got.Err == nil {
		t.Fatalf("unexpected event %+v", got)
	}
	NewHook(nil).OnStart(context.Background(), worker.Event{})
}

type stubQueueEnqueuer struct {
	last *job.ExecutionMessage
	err  error
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	if s.err != nil {
		return s.err
	}
	s.last = msg
	return nil
}

type stubQueueDequeuer struct {
	delivery queue.Delivery
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	return s.delivery, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nackOpts = opts
	return nil
}

type capturingHook struct {
	last core.JobWorkerEvent
}

func (h *capturingHook) OnStart(context.Context, core.JobWorkerEvent)   {}
func (h *capturingHook) OnSuccess(context.Context, core.JobWorkerEvent) {}
func (h *capturingHook) OnFailure(context.Context, core.JobWorkerEvent) {}
func (h *capturingHook) OnRetry(_ context.Context, event core.JobWorkerEvent) {
	h.last = event
}
