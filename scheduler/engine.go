package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/r3e-forks/data-core/common"
	"github.com/r3e-forks/data-core/db/repository"
	"github.com/r3e-forks/data-core/dsl"
	redisqueue "github.com/r3e-forks/data-core/queue/redis"
)

// Engine reconciles enabled Consumer workflows against their cron
// schedule, turning each firing into a queued run (§4.7 steps 1-4).
// Provider workflows and any workflow whose program declares an api
// source/output are excluded — those are reached only through the
// HTTP-triggered bypass path (trigger_http.go), never by the reconciler.
type Engine struct {
	Workflows repository.WorkflowRepository
	Runs      repository.RunRepository
	Queue     *redisqueue.Queue
	FetchKey  string
	Log       *common.ContextLogger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID // schedule_cron -> registered entry
}

// NewEngine constructs a reconciliation engine. Call Start to begin
// polling LoadSchedule on the given interval.
func NewEngine(workflows repository.WorkflowRepository, runs repository.RunRepository, queue *redisqueue.Queue, fetchKey string, log *common.ContextLogger) *Engine {
	return &Engine{
		Workflows: workflows,
		Runs:      runs,
		Queue:     queue,
		FetchKey:  fetchKey,
		Log:       log,
		cron:      cron.New(),
		entries:   make(map[string]cron.EntryID),
	}
}

// Start begins the reconciliation loop: every interval, it re-reads the
// enabled Consumer workflow set and reconciles the cron schedule table
// against it, so workflow changes take effect within one interval
// without restarting the process.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	e.cron.Start()
	go func() {
		e.reconcile(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				e.cron.Stop()
				return
			case <-ticker.C:
				e.reconcile(ctx)
			}
		}
	}()
}

// reconcile lists cron-driven Consumer workflows, groups them by
// schedule_cron, and makes sure exactly one cron entry exists per
// distinct schedule (§4.7: "grouping by schedule_cron").
func (e *Engine) reconcile(ctx context.Context) {
	workflows, err := e.Workflows.ListEnabled(ctx)
	if err != nil {
		e.Log.WithError(err).Error("failed to list enabled workflows")
		return
	}

	groups := map[string][]*repository.WorkflowRecord{}
	for _, wf := range workflows {
		if wf.Kind != "consumer" || wf.ScheduleCron == "" || declaresAPI(wf.Config) {
			continue
		}
		groups[wf.ScheduleCron] = append(groups[wf.ScheduleCron], wf)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for schedule, group := range groups {
		if id, exists := e.entries[schedule]; exists {
			e.cron.Remove(id)
			delete(e.entries, schedule)
		}
		group := group
		id, err := e.cron.AddFunc(schedule, func() { e.fireGroup(ctx, group) })
		if err != nil {
			e.Log.WithField("schedule_cron", schedule).WithError(err).Error("invalid cron schedule, skipping group")
			continue
		}
		e.entries[schedule] = id
	}

	for schedule, id := range e.entries {
		if _, stillUsed := groups[schedule]; !stillUsed {
			e.cron.Remove(id)
			delete(e.entries, schedule)
		}
	}
}

func (e *Engine) fireGroup(ctx context.Context, group []*repository.WorkflowRecord) {
	for _, wf := range group {
		if err := e.enqueueFetch(ctx, wf.UUID); err != nil {
			e.Log.WithWorkflow(wf.UUID).WithError(err).Error("failed to enqueue scheduled fetch")
		}
	}
}

func (e *Engine) enqueueFetch(ctx context.Context, workflowUUID string) error {
	return e.Queue.Enqueue(e.FetchKey, redisqueue.Message{
		WorkflowUUID: workflowUUID,
		EnqueuedAt:   time.Now(),
	})
}

// Trigger inserts the run as queued, stages its raw items, and hands it to
// the process_key queue for a worker to pick up; the run moves to running
// when Runner.Process claims it. Used both by the fetch_key drain loop (cron
// firings) and by the HTTP-triggered bypass path for a POST to an
// enabled Consumer.
func (e *Engine) Trigger(ctx context.Context, workflowUUID, triggerID string, rawItems []map[string]interface{}, processKey string) (runUUID string, stagedItems int, err error) {
	runUUID, err = e.Runs.InsertRunQueued(ctx, workflowUUID, triggerID)
	if err != nil {
		return "", 0, err
	}
	if err := e.Runs.InsertRawItems(ctx, runUUID, rawItems); err != nil {
		return runUUID, 0, err
	}
	if err := e.Queue.Enqueue(processKey, redisqueue.Message{WorkflowUUID: workflowUUID, RunUUID: runUUID, EnqueuedAt: time.Now()}); err != nil {
		return runUUID, len(rawItems), err
	}
	return runUUID, len(rawItems), nil
}

// declaresAPI reports whether a program's config has any step reading
// from or writing to an api source — these workflows are reached only
// through the HTTP bypass, never the cron reconciler (§4.7).
func declaresAPI(config []byte) bool {
	var program dsl.Program
	if err := json.Unmarshal(config, &program); err != nil {
		return false
	}
	for _, step := range program.Steps {
		if step.From.Type == dsl.FromKindFormat && step.From.Source != nil && step.From.Source.SourceType == "api" {
			return true
		}
		if step.To.Type == dsl.ToKindFormat && step.To.Output != nil && step.To.Output.Mode == "api" {
			return true
		}
	}
	return false
}
