package scheduler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/r3e-forks/data-core/common"
	"github.com/r3e-forks/data-core/db/repository"
	"github.com/r3e-forks/data-core/dsl"
)

// TriggerHandler implements the HTTP-triggered bypass rules of §4.7: a
// POST to an enabled Consumer stages a run and returns 202 immediately
// (the program's source type is not checked); a GET to an enabled Provider runs
// its program synchronously and returns the produced content; a POST to
// a Provider is 405; either verb against a disabled workflow is 503.
type TriggerHandler struct {
	Workflows  repository.WorkflowRepository
	Engine     *Engine
	Entities   dsl.EntityResolver
	Principals dsl.PrincipalResolver
	ProcessKey string
	Log        *common.ContextLogger
}

// Handle is the echo route handler. cli/root.go mounts it for every HTTP
// method at /api/v1/workflows/:workflow/trigger; methods not listed above
// get 405.
func (h *TriggerHandler) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	workflowID := c.Param("workflow")

	wf, err := h.Workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		wf, err = h.Workflows.GetWorkflowByName(ctx, workflowID)
		if err != nil {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "workflow not found"})
		}
	}
	if !wf.Enabled {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "workflow disabled"})
	}

	switch {
	case c.Request().Method == http.MethodPost && wf.Kind == "consumer":
		return h.triggerConsumer(c, wf)
	case c.Request().Method == http.MethodGet && wf.Kind == "provider":
		return h.triggerProvider(c, wf)
	case wf.Kind == "provider" && c.Request().Method == http.MethodPost:
		return c.JSON(http.StatusMethodNotAllowed, echo.Map{"error": "provider workflows only accept GET"})
	default:
		return c.JSON(http.StatusMethodNotAllowed, echo.Map{"error": "method not allowed for this workflow kind"})
	}
}

func (h *TriggerHandler) triggerConsumer(c echo.Context, wf *repository.WorkflowRecord) error {
	ctx := c.Request().Context()

	var body []map[string]interface{}
	if err := c.Bind(&body); err != nil || len(body) == 0 {
		body = []map[string]interface{}{{}}
		if err := c.Bind(&body[0]); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
		}
	}

	runUUID, staged, err := h.Engine.Trigger(ctx, wf.UUID, "api", body, h.ProcessKey)
	if err != nil {
		h.Log.WithWorkflow(wf.UUID).WithError(err).Error("failed to trigger consumer run")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to trigger run"})
	}
	return c.JSON(http.StatusAccepted, echo.Map{"run_uuid": runUUID, "staged_items": staged})
}

func (h *TriggerHandler) triggerProvider(c echo.Context, wf *repository.WorkflowRecord) error {
	ctx := c.Request().Context()

	program, err := dsl.Parse(wf.Config)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "invalid workflow program"})
	}

	executor := dsl.NewExecutor(h.Entities, h.Principals)
	outputs, err := executor.Run(ctx, program, dsl.Record{})
	if err != nil {
		h.Log.WithWorkflow(wf.UUID).WithError(err).Error("provider run failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "workflow execution failed"})
	}
	if len(outputs) == 0 {
		return c.JSON(http.StatusOK, echo.Map{})
	}
	return c.JSON(http.StatusOK, outputs[len(outputs)-1].Produced)
}
