package agent

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/wrenchbot/pkg/types"
)

// PoolConfig controls how many Runners a Pool drives per queue and how
// long an idle Runner waits before polling again.
type PoolConfig struct {
	PlanWorkers    int
	ExecuteWorkers int
	PollInterval   time.Duration
}

const defaultPollInterval = time.Second

// Pool runs a fixed number of Runner goroutines against each of the plan
// and execute queues until its context is cancelled.
type Pool struct {
	runners      []*Runner
	pollInterval time.Duration
}

// NewPool builds a Pool of cfg.PlanWorkers + cfg.ExecuteWorkers runners,
// each built by newRunner with a distinct worker id.
func NewPool(cfg PoolConfig, newRunner func(queueName types.QueueName, workerID string) *Runner) *Pool {
	poll := cfg.PollInterval
	if poll == 0 {
		poll = defaultPollInterval
	}
	p := &Pool{pollInterval: poll}
	for i := 0; i < cfg.PlanWorkers; i++ {
		p.runners = append(p.runners, newRunner(types.QueuePlan, fmt.Sprintf("plan-%d", i)))
	}
	for i := 0; i < cfg.ExecuteWorkers; i++ {
		p.runners = append(p.runners, newRunner(types.QueueExecute, fmt.Sprintf("execute-%d", i)))
	}
	return p
}

// Run drives every runner in the pool until ctx is cancelled, each
// looping RunOnce and sleeping pollInterval whenever its queue is empty.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range p.runners {
		r := r
		g.Go(func() error { return p.loop(gctx, r) })
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, r *Runner) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		claimed, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.WithError(err).Error("worker loop iteration failed")
		}
		if !claimed {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.pollInterval):
			}
		}
	}
}
