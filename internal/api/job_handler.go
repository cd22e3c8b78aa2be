package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/minisource/runsched/internal/catalog"
	"github.com/minisource/runsched/internal/engine"
	"github.com/minisource/runsched/internal/runs"
)

// JobHandler serves read-only catalog queries and the ad hoc schedule
// operation (SPEC_FULL.md §13).
type JobHandler struct {
	catalog *catalog.Catalog
	engine  *engine.Engine
}

func NewJobHandler(cat *catalog.Catalog, eng *engine.Engine) *JobHandler {
	return &JobHandler{catalog: cat, engine: eng}
}

// jobView is the JSON-friendly projection of a catalog.Job: Generators are
// live interface values that don't serialize usefully, so only their count
// is reported, and the Program template is not included.
type jobView struct {
	JobID      string             `json:"job_id"`
	Params     []string           `json:"params,omitempty"`
	Reruns     catalog.RerunPolicy `json:"reruns"`
	Generators int                `json:"generator_count"`
}

func toJobView(j *catalog.Job) jobView {
	return jobView{
		JobID:      j.JobID,
		Params:     j.Params,
		Reruns:     j.Reruns,
		Generators: len(j.Generators),
	}
}

// @Summary List jobs
// @Description List every job definition loaded into the catalog
// @Tags jobs
// @Produce json
// @Success 200 {object} Response
// @Router /api/v1/jobs [get]
func (h *JobHandler) List(c *fiber.Ctx) error {
	jobs := h.catalog.All()
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, toJobView(j))
	}
	return ok(c, views)
}

// @Summary Get a job
// @Description Get a job definition by id
// @Tags jobs
// @Produce json
// @Param job_id path string true "Job ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/jobs/{job_id} [get]
func (h *JobHandler) Get(c *fiber.Ctx) error {
	job, err := h.catalog.GetJob(c.Params("job_id"))
	if err != nil {
		return notFound(c, err.Error())
	}
	return ok(c, toJobView(job))
}

type scheduleRequest struct {
	At   *time.Time        `json:"at"`
	Args map[string]string `json:"args"`
}

// @Summary Schedule a run
// @Description Create and schedule an ad hoc run of a job (nil `at` starts it immediately)
// @Tags jobs
// @Accept json
// @Produce json
// @Param job_id path string true "Job ID"
// @Param body body scheduleRequest false "Schedule parameters"
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/jobs/{job_id}/schedule [post]
func (h *JobHandler) Schedule(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	if _, err := h.catalog.GetJob(jobID); err != nil {
		return notFound(c, err.Error())
	}

	var req scheduleRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	run := runs.New(uuid.NewString(), runs.Instance{JobID: jobID, Args: req.Args}, "", false)
	if err := h.engine.Schedule(c.Context(), req.At, run); err != nil {
		return internalError(c, err.Error())
	}
	return created(c, toRunView(run))
}
