package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/gofiber/websocket/v2"
)

// Handlers bundles every handler the router wires up.
type Handlers struct {
	Job    *JobHandler
	Run    *RunHandler
	Health *HealthHandler
	Stream *StreamHandler
}

// SetupRouter configures the Fiber app, matching the teacher's
// router.SetupRouter middleware stack and route grouping.
func SetupRouter(app *fiber.App, h *Handlers) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} - ${latency}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Request-ID",
	}))

	app.Get("/swagger/*", swagger.HandlerDefault)

	app.Get("/health", h.Health.Health)
	app.Get("/ready", h.Health.Ready)
	app.Get("/live", h.Health.Live)

	v1 := app.Group("/api/v1")

	jobs := v1.Group("/jobs")
	jobs.Get("/", h.Job.List)
	jobs.Get("/:job_id", h.Job.Get)
	jobs.Post("/:job_id/schedule", h.Job.Schedule)

	runs := v1.Group("/runs")
	runs.Get("/", h.Run.List)
	runs.Get("/stream", websocket.New(h.Stream.Stream))
	runs.Get("/:run_id", h.Run.Get)
	runs.Post("/:run_id/cancel", h.Run.Cancel)
	runs.Post("/:run_id/start", h.Run.Start)
	runs.Post("/:run_id/rerun", h.Run.Rerun)
	runs.Get("/:run_id/outputs/:output_id", h.Run.GetOutput)
}
