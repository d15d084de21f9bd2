package scheduler

import (
	"context"
	"time"

	"github.com/r3e-forks/data-core/common"
	"github.com/r3e-forks/data-core/db/repository"
	"github.com/r3e-forks/data-core/dsl"
)

// Drainer pulls scheduled firings off the fetch_key queue, fetches each
// workflow's source, and stages the resulting raw items as a queued run
// on process_key — the remainder of §4.7 steps 3-4 that Engine.reconcile
// only starts.
type Drainer struct {
	Engine     *Engine
	Workflows  repository.WorkflowRepository
	ProcessKey string
	Log        *common.ContextLogger
}

// Run drains the fetch_key queue until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := d.Engine.Queue.Dequeue(d.Engine.FetchKey, 5*time.Second)
		if err != nil {
			d.Log.WithError(err).Warn("fetch_key dequeue error")
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}
		d.drainOne(ctx, msg.WorkflowUUID)
	}
}

func (d *Drainer) drainOne(ctx context.Context, workflowUUID string) {
	flog := d.Log.WithWorkflow(workflowUUID)

	wf, err := d.Workflows.GetWorkflow(ctx, workflowUUID)
	if err != nil {
		flog.WithError(err).Error("failed to load workflow for scheduled fetch")
		return
	}
	if !wf.Enabled {
		flog.Warn("workflow disabled since being scheduled, skipping")
		return
	}

	program, err := dsl.Parse(wf.Config)
	if err != nil {
		flog.WithError(err).Error("failed to parse workflow program")
		return
	}

	items, err := FetchRawItems(ctx, program)
	if err != nil {
		flog.WithError(err).Error("failed to fetch source")
		return
	}

	runUUID, staged, err := d.Engine.Trigger(ctx, workflowUUID, "cron", items, d.ProcessKey)
	if err != nil {
		flog.WithError(err).Error("failed to stage run")
		return
	}
	flog.WithRun(runUUID).Infof("staged run with %d items", staged)
}
