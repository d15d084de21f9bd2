// Package worker runs a pool of goroutines pulling staged runs off the
// process_key queue and handing each to a Processor (§4.7, §5).
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-forks/data-core/common"
	redisqueue "github.com/r3e-forks/data-core/queue/redis"
)

// Processor executes one dequeued message to completion. Implementations
// decide their own timeout and check ctx between raw items. The pool
// cancels ctx only when that timeout passes; Stop does not cancel it.
type Processor interface {
	Process(ctx context.Context, msg redisqueue.Message) error
	Timeout(msg redisqueue.Message) time.Duration
}

// Config configures a worker pool's concurrency.
type Config struct {
	PoolSize      int
	ProcessKey    string
	ProcessingSet string
	DequeueWait   time.Duration
}

// Pool manages a fixed number of workers draining one queue key.
type Pool struct {
	queue     *redisqueue.Queue
	processor Processor
	config    Config
	log       *common.ContextLogger
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewPool creates a worker pool. config.DequeueWait defaults to 5s and
// config.PoolSize to 1 if unset.
func NewPool(queue *redisqueue.Queue, processor Processor, config Config, log *common.ContextLogger) *Pool {
	if config.PoolSize <= 0 {
		config.PoolSize = 1
	}
	if config.DequeueWait <= 0 {
		config.DequeueWait = 5 * time.Second
	}
	return &Pool{
		queue:     queue,
		processor: processor,
		config:    config,
		log:       log,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the pool's workers. It returns immediately; call Stop to
// shut down.
func (p *Pool) Start() {
	p.log.Infof("starting worker pool with %d workers on %s", p.config.PoolSize, p.config.ProcessKey)
	for i := 0; i < p.config.PoolSize; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

// Stop signals every worker to exit once its in-flight run is done, then
// blocks until they have; a run in progress is not interrupted. A run cut
// off by its timeout between items stays in `running`, and no worker picks
// it up again: the scheduler's Runner claims only queued runs.
func (p *Pool) Stop() {
	close(p.stopChan)
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	wlog := p.log.WithField("worker_id", id)

	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		if err := p.processNext(wlog); err != nil {
			wlog.WithError(err).Warn("worker loop error")
			time.Sleep(time.Second)
		}
	}
}

func (p *Pool) processNext(wlog *common.ContextLogger) error {
	msg, err := p.queue.Dequeue(p.config.ProcessKey, p.config.DequeueWait)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	rlog := wlog.WithRun(msg.RunUUID).WithWorkflow(msg.WorkflowUUID)
	timeout := p.processor.Timeout(*msg)
	deadline := time.Now().Add(timeout)

	if err := p.queue.MarkProcessing(p.config.ProcessingSet, *msg, deadline); err != nil {
		rlog.WithError(err).Warn("failed to mark run processing, requeuing")
		_ = p.queue.Enqueue(p.config.ProcessKey, *msg)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rlog.Info("run started")
	if err := p.processor.Process(ctx, *msg); err != nil {
		rlog.WithError(err).Error("run failed")
		if failErr := p.queue.Requeue(p.config.ProcessingSet, p.config.ProcessKey, *msg, false); failErr != nil {
			rlog.WithError(failErr).Warn("failed to clear processing entry after failure")
		}
		return nil
	}

	rlog.Info("run completed")
	if err := p.queue.CompleteMessage(p.config.ProcessingSet, *msg); err != nil {
		rlog.WithError(err).Warn("failed to clear processing entry after success")
	}
	return nil
}
