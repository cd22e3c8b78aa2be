package api

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// HealthHandler reports liveness/readiness, following the teacher's
// health_handler.go three-endpoint shape.
type HealthHandler struct {
	db *gorm.DB
}

// NewHealthHandler wraps db. db may be nil when running against the
// in-memory store, in which case Health/Ready report healthy without a
// database check.
func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) ping() error {
	if h.db == nil {
		return nil
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} Response
// @Failure 503 {object} Response
// @Router /health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	if err := h.ping(); err != nil {
		return serviceUnavailable(c, "database connection error")
	}
	return ok(c, fiber.Map{"status": "healthy"})
}

// @Summary Readiness check
// @Tags health
// @Produce json
// @Success 200 {object} Response
// @Failure 503 {object} Response
// @Router /ready [get]
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	if err := h.ping(); err != nil {
		return serviceUnavailable(c, "database connection error")
	}
	return ok(c, fiber.Map{"status": "ready"})
}

// @Summary Liveness check
// @Tags health
// @Produce json
// @Success 200 {object} Response
// @Router /live [get]
func (h *HealthHandler) Live(c *fiber.Ctx) error {
	return ok(c, fiber.Map{"status": "alive"})
}
