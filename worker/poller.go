package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/schedule"
)

const defaultPollBatch = 25

// StorePoller hands out claimable jobs straight from the job table. It stands
// in for an external queue: the lease taken by Execute is what keeps two
// workers from running the same job.
type StorePoller struct {
	jobs  core.JobStore
	batch int
	now   func() time.Time

	mu      sync.Mutex
	pending []core.AlignmentJob
	// backoff holds job ids nacked with a delay and when they may return.
	backoff map[string]time.Time
}

type PollerOption func(*StorePoller)

func WithPollBatch(size int) PollerOption {
	return func(p *StorePoller) {
		if size > 0 {
			p.batch = size
		}
	}
}

func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *StorePoller) {
		if now != nil {
			p.now = now
		}
	}
}

func NewStorePoller(jobs core.JobStore, opts ...PollerOption) (*StorePoller, error) {
	if jobs == nil {
		return nil, fmt.Errorf("worker: job store is required")
	}
	poller := &StorePoller{
		jobs:    jobs,
		batch:   defaultPollBatch,
		now:     func() time.Time { return time.Now().UTC() },
		backoff: map[string]time.Time{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(poller)
		}
	}
	return poller, nil
}

// Dequeue returns nil with no error when nothing is claimable.
func (p *StorePoller) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if len(p.pending) == 0 {
		jobs, err := p.jobs.ListClaimable(ctx, now, p.batch)
		if err != nil {
			return nil, err
		}
		p.pending = jobs
	}
	for len(p.pending) > 0 {
		job := p.pending[0]
		p.pending = p.pending[1:]
		if until, ok := p.backoff[job.ID]; ok {
			if now.Before(until) {
				continue
			}
			delete(p.backoff, job.ID)
		}
		return &storeDelivery{poller: p, msg: &core.JobExecutionMessage{
			JobID:          job.ID,
			ScriptPath:     schedule.JobScriptPath,
			IdempotencyKey: job.ID,
			Parameters: map[string]any{
				"project_id": job.ProjectID,
				"ad_id":      job.AdID,
			},
		}}, nil
	}
	return nil, nil
}

// Enqueue satisfies core.JobEnqueuer for the scheduler. The queued row is
// already the message, so publishing only lifts any backoff on the job.
func (p *StorePoller) Enqueue(_ context.Context, msg *core.JobExecutionMessage) error {
	if msg == nil || strings.TrimSpace(msg.JobID) == "" {
		return core.NewBadInputError("worker: job message with a job id is required", nil)
	}
	p.mu.Lock()
	delete(p.backoff, strings.TrimSpace(msg.JobID))
	p.mu.Unlock()
	return nil
}

func (p *StorePoller) postpone(jobID string, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backoff[jobID] = p.now().Add(delay)
}

type storeDelivery struct {
	poller *StorePoller
	msg    *core.JobExecutionMessage
}

func (d *storeDelivery) Message() *core.JobExecutionMessage { return d.msg }

// Ack is a no-op: Execute already wrote the terminal state to the row.
func (d *storeDelivery) Ack(context.Context) error { return nil }

func (d *storeDelivery) Nack(_ context.Context, opts core.JobNackOptions) error {
	if opts.Requeue && opts.Delay > 0 {
		d.poller.postpone(d.msg.JobID, opts.Delay)
	}
	return nil
}

var (
	_ core.JobDequeuer = (*StorePoller)(nil)
	_ core.JobEnqueuer = (*StorePoller)(nil)
)
