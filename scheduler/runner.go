// Package scheduler implements the reconciliation loop and per-run
// algorithm of §4.7: turning a Consumer workflow's cron schedule (or an
// HTTP trigger) into a queued run, staging its raw items, and executing
// each through the DSL executor.
package scheduler

import (
	"context"
	"time"

	"github.com/r3e-forks/data-core/common"
	"github.com/r3e-forks/data-core/db/repository"
	"github.com/r3e-forks/data-core/dsl"
	"github.com/r3e-forks/data-core/entitydef"
	redisqueue "github.com/r3e-forks/data-core/queue/redis"
)

// definitionLookup adapts entitydef.Service to dsl.EntityDefinitionLookup,
// binding the ctx the interface doesn't carry.
type definitionLookup struct {
	ctx  context.Context
	defs *entitydef.Service
}

func (l definitionLookup) IsPublished(entityType string) (bool, error) {
	return l.defs.IsPublished(l.ctx, entityType)
}

// Runner executes staged runs to completion: the fetch-program,
// validate, process-batch, and terminal-transition steps of §4.7's
// per-run algorithm (steps 3, 5, 6, 7 — staging is step 4, done by
// Engine.Trigger before a run ever reaches the queue).
type Runner struct {
	Runs       repository.RunRepository
	Workflows  repository.WorkflowRepository
	Defs       *entitydef.Service
	Entities   dsl.EntityResolver
	Principals dsl.PrincipalResolver
	Sink       EntitySink
	BatchSize  int
	Log        *common.ContextLogger
}

// EntitySink writes a step's entity-sink output (§4.6), separate from
// dsl.EntityResolver since it mutates the store rather than just reading
// it for transforms.
type EntitySink interface {
	WriteEntity(ctx context.Context, to dsl.To, record dsl.Record) error
}

// Timeout satisfies worker.Processor; workflow runs get a generous fixed
// ceiling since individual step latency is dominated by I/O this package
// does not control (external HTTP sources, entity writes).
func (r *Runner) Timeout(msg redisqueue.Message) time.Duration {
	return 10 * time.Minute
}

// Process satisfies worker.Processor: run one staged workflow run to a
// terminal state.
func (r *Runner) Process(ctx context.Context, msg redisqueue.Message) error {
	rlog := r.Log.WithRun(msg.RunUUID).WithWorkflow(msg.WorkflowUUID)

	if err := r.Runs.TransitionRun(ctx, msg.RunUUID, repository.RunStatusQueued, repository.RunStatusRunning); err != nil {
		rlog.WithError(err).Warn("run already claimed or not queued, skipping")
		return nil
	}
	_ = r.Runs.AppendRunLog(ctx, msg.RunUUID, repository.LogLevelRunInfo, "run started", nil)

	wf, err := r.Workflows.GetWorkflow(ctx, msg.WorkflowUUID)
	if err != nil {
		return r.fail(ctx, msg.RunUUID, rlog, err)
	}

	program, err := dsl.Parse(wf.Config)
	if err != nil {
		return r.fail(ctx, msg.RunUUID, rlog, err)
	}
	if err := dsl.Validate(program, definitionLookup{ctx: ctx, defs: r.Defs}); err != nil {
		return r.fail(ctx, msg.RunUUID, rlog, err)
	}

	executor := dsl.NewExecutor(r.Entities, r.Principals)
	batchSize := r.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	processed, failed := 0, 0
	for {
		select {
		case <-ctx.Done():
			_ = r.Runs.AppendRunLog(ctx, msg.RunUUID, repository.LogLevelRunWarn, "run cancelled between items, remaining items stay queued", nil)
			return ctx.Err()
		default:
		}

		items, err := r.Runs.FetchStagedRawItems(ctx, msg.RunUUID, batchSize)
		if err != nil {
			return r.fail(ctx, msg.RunUUID, rlog, err)
		}
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			select {
			case <-ctx.Done():
				_ = r.Runs.AppendRunLog(ctx, msg.RunUUID, repository.LogLevelRunWarn, "run cancelled between items, remaining items stay queued", nil)
				return ctx.Err()
			default:
			}

			outputs, err := executor.Run(ctx, program, dsl.Record(item.Payload))
			if err == nil {
				err = r.sinkOutputs(ctx, outputs)
			}
			if err != nil {
				failed++
				_ = r.Runs.SetRawItemStatus(ctx, item.ID, repository.RawItemStatusFailed, err.Error())
				_ = r.Runs.AppendRunLog(ctx, msg.RunUUID, repository.LogLevelRunError, "item failed", map[string]interface{}{"item_id": item.ID, "error": err.Error()})
				continue
			}
			processed++
			_ = r.Runs.SetRawItemStatus(ctx, item.ID, repository.RawItemStatusProcessed, "")
		}
	}

	if err := r.Runs.MarkRawItemsProcessed(ctx, msg.RunUUID); err != nil {
		rlog.WithError(err).Warn("failed to sweep stragglers")
	}

	status := repository.RunStatusSuccess
	message := "completed"
	if failed > 0 && processed == 0 {
		status = repository.RunStatusFailed
		message = "all items failed"
	} else if failed > 0 {
		message = "completed with item failures"
	}

	if err := r.Runs.CompleteRun(ctx, msg.RunUUID, status, processed, failed, message); err != nil {
		rlog.WithError(err).Error("failed to complete run")
		return err
	}
	_ = r.Runs.AppendRunLog(ctx, msg.RunUUID, repository.LogLevelRunInfo, "run finished", map[string]interface{}{"processed": processed, "failed": failed})
	return nil
}

// sinkOutputs writes each entity-sink step output to the store. Format
// sinks (download/push) have no durable side effect this pipeline owns —
// their bytes were already produced as the step's record and are left to
// whatever carries the run's result onward.
func (r *Runner) sinkOutputs(ctx context.Context, outputs []dsl.StepOutput) error {
	if r.Sink == nil {
		return nil
	}
	for _, out := range outputs {
		if out.To.Type != dsl.ToKindEntity {
			continue
		}
		if err := r.Sink.WriteEntity(ctx, out.To, out.Produced); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, runUUID string, rlog *common.ContextLogger, cause error) error {
	rlog.WithError(cause).Error("run aborted")
	_ = r.Runs.AppendRunLog(ctx, runUUID, repository.LogLevelRunError, "run aborted: "+cause.Error(), nil)
	_ = r.Runs.CompleteRun(ctx, runUUID, repository.RunStatusFailed, 0, 0, cause.Error())
	return cause
}
