package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/minisource/runsched/internal/engine"
	"github.com/minisource/runsched/internal/runs"
	"github.com/minisource/runsched/internal/store"
)

// RunHandler serves the run query surface and the engine's run-scoped
// operations (SPEC_FULL.md §13).
type RunHandler struct {
	engine *engine.Engine
}

func NewRunHandler(eng *engine.Engine) *RunHandler {
	return &RunHandler{engine: eng}
}

// runView is the JSON projection of a runs.Run. The bound Program and the
// Outputs blobs are not included; outputs are fetched separately through
// GetOutput.
type runView struct {
	RunID    string                `json:"run_id"`
	JobID    string                `json:"job_id"`
	Args     map[string]string     `json:"args,omitempty"`
	Rerun    string                `json:"rerun"`
	Expected bool                  `json:"expected"`
	State    runs.State            `json:"state"`
	Message  string                `json:"message,omitempty"`
	Times    map[string]time.Time  `json:"times,omitempty"`
	Meta     map[string]string     `json:"meta,omitempty"`
}

func toRunView(r *runs.Run) runView {
	return runView{
		RunID:    r.RunID,
		JobID:    r.Inst.JobID,
		Args:     r.Inst.Args,
		Rerun:    r.Rerun,
		Expected: r.Expected,
		State:    r.State,
		Message:  r.Message,
		Times:    r.Times,
		Meta:     r.Meta,
	}
}

// @Summary List runs
// @Description List runs, optionally filtered by state or rerun family
// @Tags runs
// @Produce json
// @Param state query string false "Run state"
// @Param rerun query string false "Rerun family (original run_id)"
// @Success 200 {object} Response
// @Router /api/v1/runs [get]
func (h *RunHandler) List(c *fiber.Ctx) error {
	filter := store.RunFilter{Rerun: c.Query("rerun")}
	if s := c.Query("state"); s != "" {
		state := runs.State(s)
		filter.State = &state
	}

	found, err := h.engine.QueryRuns(c.Context(), filter)
	if err != nil {
		return internalError(c, err.Error())
	}
	views := make([]runView, 0, len(found))
	for _, r := range found {
		views = append(views, toRunView(r))
	}
	return ok(c, views)
}

// @Summary Get a run
// @Description Get a run by id
// @Tags runs
// @Produce json
// @Param run_id path string true "Run ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/runs/{run_id} [get]
func (h *RunHandler) Get(c *fiber.Ctx) error {
	run, err := h.engine.GetRun(c.Context(), c.Params("run_id"))
	if err != nil {
		return notFound(c, err.Error())
	}
	return ok(c, toRunView(run))
}

// @Summary Cancel a run
// @Description Cancel a scheduled run before it starts
// @Tags runs
// @Produce json
// @Param run_id path string true "Run ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Failure 409 {object} Response
// @Router /api/v1/runs/{run_id}/cancel [post]
func (h *RunHandler) Cancel(c *fiber.Ctx) error {
	runID := c.Params("run_id")
	if err := h.engine.Cancel(c.Context(), runID); err != nil {
		return runOpError(c, err)
	}
	run, err := h.engine.GetRun(c.Context(), runID)
	if err != nil {
		return notFound(c, err.Error())
	}
	return ok(c, toRunView(run))
}

// @Summary Start a run
// @Description Start a scheduled run immediately, ahead of its release time
// @Tags runs
// @Produce json
// @Param run_id path string true "Run ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Failure 409 {object} Response
// @Router /api/v1/runs/{run_id}/start [post]
func (h *RunHandler) Start(c *fiber.Ctx) error {
	runID := c.Params("run_id")
	if err := h.engine.Start(c.Context(), runID); err != nil {
		return runOpError(c, err)
	}
	run, err := h.engine.GetRun(c.Context(), runID)
	if err != nil {
		return notFound(c, err.Error())
	}
	return ok(c, toRunView(run))
}

type rerunRequest struct {
	At *time.Time `json:"at"`
}

// @Summary Rerun a run
// @Description Schedule a new run in the same rerun family as run_id
// @Tags runs
// @Accept json
// @Produce json
// @Param run_id path string true "Run ID"
// @Param body body rerunRequest false "Rerun parameters"
// @Success 201 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/runs/{run_id}/rerun [post]
func (h *RunHandler) Rerun(c *fiber.Ctx) error {
	var req rerunRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	next, err := h.engine.Rerun(c.Context(), c.Params("run_id"), req.At)
	if err != nil {
		return notFound(c, err.Error())
	}
	return created(c, toRunView(next))
}

// @Summary Get a run output
// @Description Fetch a recorded output blob by (run_id, output_id)
// @Tags runs
// @Produce application/octet-stream
// @Param run_id path string true "Run ID"
// @Param output_id path string true "Output ID"
// @Success 200 {file} binary
// @Failure 404 {object} Response
// @Router /api/v1/runs/{run_id}/outputs/{output_id} [get]
func (h *RunHandler) GetOutput(c *fiber.Ctx) error {
	blob, err := h.engine.GetOutput(c.Context(), c.Params("run_id"), c.Params("output_id"))
	if err != nil {
		return notFound(c, err.Error())
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.Send(blob)
}

func runOpError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, engine.ErrAlreadyTerminal), errors.Is(err, engine.ErrAlreadyStarted):
		return conflict(c, err.Error())
	case errors.Is(err, store.ErrRunNotFound):
		return notFound(c, err.Error())
	default:
		return internalError(c, err.Error())
	}
}
