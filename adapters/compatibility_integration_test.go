package adapters_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/goliatone/go-alignment/adapters/gocommand"
	"github.com/goliatone/go-alignment/adapters/gojob"
	"github.com/goliatone/go-alignment/adapters/gologger"
	alignmentcommand "github.com/goliatone/go-alignment/command"
	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/worker"
	"github.com/goliatone/go-command"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	glog "github.com/goliatone/go-logger/glog"
)

func TestRuntimeCompatibility_PublishConsumeThroughGoJob(t *testing.T) {
	ctx := context.Background()
	memQueue := &memoryQueue{}

	publisher := gojob.NewPublisher(memQueue)
	for _, id := range []string{"job_1", "job_2"} {
		if err := publisher.Enqueue(ctx, &core.JobExecutionMessage{
			JobID:      id,
			ScriptPath: gojob.JobIDAlignmentRun,
			Parameters: map[string]any{"project_id": "proj_1", "ad_id": "ad_" + id},
		}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	executor := &flakyExecutor{failures: map[string]int{"job_2": 1}}
	hook := &countingHook{}
	subscriber := gojob.NewSubscriber(memQueue, gojob.RetryPolicy{MaxAttempts: 3})
	consumer, err := worker.NewConsumer(subscriber, executor, worker.ConsumerConfig{Workers: 1}, worker.WithHook(hook))
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	for range 3 {
		handled, err := consumer.Poll(ctx)
		if err != nil || !handled {
			t.Fatalf("expected a delivery, handled=%v err=%v", handled, err)
		}
	}
	if handled, _ := consumer.Poll(ctx); handled {
		t.Fatalf("expected queue to be drained")
	}

	if memQueue.acked != 2 || memQueue.requeued != 1 {
		t.Fatalf("expected two acks and one requeue, got acked=%d requeued=%d", memQueue.acked, memQueue.requeued)
	}
	if executor.calls["job_2"] != 2 {
		t.Fatalf("expected job_2 to be retried once, got %d calls", executor.calls["job_2"])
	}
	if subscriber.Attempts("job_2") != 0 {
		t.Fatalf("expected attempts to be settled after ack")
	}
	if hook.retries != 1 || hook.successes != 2 {
		t.Fatalf("unexpected hook counts %+v", hook)
	}
}

func TestRuntimeCompatibility_CommandBusAndQueueRegistry(t *testing.T) {
	ctx := context.Background()

	provider := &compatProvider{loggers: map[string]*compatLogger{}}
	loggers := gologger.New(provider, nil)
	if loggers.JobProvider() == nil || loggers.JobLogger() == nil {
		t.Fatalf("expected go-job logger bridges")
	}

	bus := gocommand.NewBus(command.NewRegistry())
	defer bus.Close()
	queueRegistry := jobqueuecommand.NewRegistry()
	if err := bus.AddQueueResolver(queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}

	executor := &flakyExecutor{}
	if err := gocommand.RegisterCommand(bus, alignmentcommand.NewExecuteJobCommand(executor)); err != nil {
		t.Fatalf("register execute job: %v", err)
	}
	if err := bus.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, ok := queueRegistry.Get(alignmentcommand.TypeExecuteJob); !ok {
		t.Fatalf("expected execute job command to be mirrored into the go-job registry")
	}

	outcome, ok, err := gocommand.DispatchResult[alignmentcommand.ExecuteJob, worker.Outcome](ctx, alignmentcommand.ExecuteJob{JobID: "job_9"})
	if err != nil || !ok {
		t.Fatalf("dispatch execute job: ok=%v err=%v", ok, err)
	}
	if outcome.JobID != "job_9" || outcome.Status != worker.StatusCompleted {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	if _, _, err := gocommand.DispatchResult[alignmentcommand.ExecuteJob, worker.Outcome](ctx, alignmentcommand.ExecuteJob{}); err == nil {
		t.Fatalf("expected validation error for empty job id")
	}
}

type flakyExecutor struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func (e *flakyExecutor) Execute(_ context.Context, jobID string) (worker.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calls == nil {
		e.calls = map[string]int{}
	}
	e.calls[jobID]++
	if e.failures[jobID] > 0 {
		e.failures[jobID]--
		return worker.Outcome{}, core.NewTransientError(errors.New("db timeout"), "load job", nil)
	}
	return worker.Outcome{JobID: jobID, Status: worker.StatusCompleted}, nil
}

type countingHook struct {
	successes int
	failures  int
	retries   int
}

func (h *countingHook) OnStart(context.Context, core.JobWorkerEvent)   {}
func (h *countingHook) OnSuccess(context.Context, core.JobWorkerEvent) { h.successes++ }
func (h *countingHook) OnFailure(context.Context, core.JobWorkerEvent) { h.failures++ }
func (h *countingHook) OnRetry(context.Context, core.JobWorkerEvent)   { h.retries++ }

// memoryQueue is a FIFO go-job queue; requeued messages go to the back.
type memoryQueue struct {
	mu       sync.Mutex
	messages []*job.ExecutionMessage
	acked    int
	requeued int
}

func (q *memoryQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	return nil
}

func (q *memoryQueue) Dequeue(context.Context) (queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil, nil
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return &memoryDelivery{queue: q, msg: msg}, nil
}

type memoryDelivery struct {
	queue *memoryQueue
	msg   *job.ExecutionMessage
}

func (d *memoryDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *memoryDelivery) Ack(context.Context) error {
	d.queue.mu.Lock()
	d.queue.acked++
	d.queue.mu.Unlock()
	return nil
}

func (d *memoryDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()
	if opts.Requeue {
		d.queue.requeued++
		d.queue.messages = append(d.queue.messages, d.msg)
	}
	return nil
}

type compatProvider struct {
	loggers map[string]*compatLogger
}

func (p *compatProvider) GetLogger(name string) glog.Logger {
	logger, ok := p.loggers[name]
	if !ok {
		logger = &compatLogger{}
		p.loggers[name] = logger
	}
	return logger
}

type compatLogger struct{}

func (compatLogger) Trace(string, ...any)                      {}
func (compatLogger) Debug(string, ...any)                      {}
func (compatLogger) Info(string, ...any)                       {}
func (compatLogger) Warn(string, ...any)                       {}
func (compatLogger) Error(string, ...any)                      {}
func (compatLogger) Fatal(string, ...any)                      {}
func (l compatLogger) WithContext(context.Context) glog.Logger { return l }
