package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-alignment/core"
)

// Executor is the unit of work a Consumer drives. Runner satisfies it.
type Executor interface {
	Execute(ctx context.Context, jobID string) (Outcome, error)
}

type ConsumerConfig struct {
	Workers      int
	PollInterval time.Duration
	RetryDelay   time.Duration
}

func ConsumerConfigFrom(cfg core.SchedulerConfig) ConsumerConfig {
	return ConsumerConfig{Workers: cfg.Workers, PollInterval: cfg.PollInterval}
}

type ConsumerOption func(*Consumer)

func WithConsumerObserver(observer *core.Observer) ConsumerOption {
	return func(c *Consumer) {
		if observer != nil {
			c.observer = observer
		}
	}
}

// WithHook reports deliveries to a worker hook, such as the go-job bridge.
func WithHook(hook core.JobWorkerHook) ConsumerOption {
	return func(c *Consumer) {
		c.hook = hook
	}
}

// Consumer runs Workers independent dequeue loops. Each loop handles one
// delivery at a time.
type Consumer struct {
	dequeuer core.JobDequeuer
	executor Executor
	config   ConsumerConfig
	observer *core.Observer
	hook     core.JobWorkerHook
}

func NewConsumer(dequeuer core.JobDequeuer, executor Executor, config ConsumerConfig, opts ...ConsumerOption) (*Consumer, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("worker: dequeuer is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("worker: executor is required")
	}
	defaults := core.DefaultConfig().Scheduler
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 30 * time.Second
	}
	consumer := &Consumer{
		dequeuer: dequeuer,
		executor: executor,
		config:   config,
		observer: core.NewObserver(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}
	return consumer, nil
}

// Run blocks until ctx is done and every loop has returned.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		handled, err := c.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			c.observer.Warn(ctx, "job dequeue failed", map[string]any{"error": err.Error()})
		}
		if handled && err == nil {
			continue
		}
		timer := time.NewTimer(c.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Poll dequeues and handles at most one delivery. It reports false when the
// queue had nothing to hand out.
func (c *Consumer) Poll(ctx context.Context) (bool, error) {
	delivery, err := c.dequeuer.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}
	c.handle(ctx, delivery)
	return true, nil
}

func (c *Consumer) handle(ctx context.Context, delivery core.JobDelivery) {
	msg := delivery.Message()
	event := core.JobWorkerEvent{Message: msg, StartedAt: time.Now()}
	c.onStart(ctx, event)

	jobID := ""
	if msg != nil {
		jobID = strings.TrimSpace(msg.JobID)
	}
	if jobID == "" {
		event.Err = core.NewBadInputError("worker: delivery carries no job id", nil)
		c.settle(ctx, delivery, event, core.JobNackOptions{DeadLetter: true, Reason: "missing job id"})
		return
	}

	outcome, err := c.executor.Execute(ctx, jobID)
	event.Duration = time.Since(event.StartedAt)
	switch {
	case err == nil:
		if err := delivery.Ack(ctx); err != nil {
			c.observer.Warn(ctx, "job ack failed", map[string]any{"job_id": jobID, "error": err.Error()})
		}
		if outcome.Status == StatusFailed {
			event.Err = fmt.Errorf("worker: job %s failed", jobID)
			c.onFailure(ctx, event)
			return
		}
		c.onSuccess(ctx, event)
	case errors.Is(err, core.ErrNotFound):
		event.Err = err
		c.settle(ctx, delivery, event, core.JobNackOptions{DeadLetter: true, Reason: "job not found"})
	default:
		// Store or lease trouble: the job row is untouched, so try again later.
		event.Err = err
		event.Delay = c.config.RetryDelay
		c.onRetry(ctx, event)
		if nackErr := delivery.Nack(ctx, core.JobNackOptions{Delay: c.config.RetryDelay, Requeue: true, Reason: core.RedactErrorMessage(err.Error())}); nackErr != nil {
			c.observer.Warn(ctx, "job nack failed", map[string]any{"job_id": jobID, "error": nackErr.Error()})
		}
	}
}

func (c *Consumer) settle(ctx context.Context, delivery core.JobDelivery, event core.JobWorkerEvent, opts core.JobNackOptions) {
	c.onFailure(ctx, event)
	if err := delivery.Nack(ctx, opts); err != nil {
		c.observer.Warn(ctx, "job nack failed", map[string]any{"error": err.Error()})
	}
}

func (c *Consumer) onStart(ctx context.Context, event core.JobWorkerEvent) {
	if c.hook != nil {
		c.hook.OnStart(ctx, event)
	}
}

func (c *Consumer) onSuccess(ctx context.Context, event core.JobWorkerEvent) {
	if c.hook != nil {
		c.hook.OnSuccess(ctx, event)
	}
}

func (c *Consumer) onFailure(ctx context.Context, event core.JobWorkerEvent) {
	if c.hook != nil {
		c.hook.OnFailure(ctx, event)
	}
}

func (c *Consumer) onRetry(ctx context.Context, event core.JobWorkerEvent) {
	if c.hook != nil {
		c.hook.OnRetry(ctx, event)
	}
}
