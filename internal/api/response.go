// Package api exposes the engine's public operations over HTTP/WebSocket
// (spec.md §1 "externalize the HTTP/WS API"; SPEC_FULL.md §13).
package api

import "github.com/gofiber/fiber/v2"

// Response is the envelope every handler replies with. The teacher's
// handlers delegate this shape to a sibling go-common/response package
// that is a relative-path replace target absent from the retrieved
// corpus (see DESIGN.md); this reimplements the same envelope locally
// rather than fabricate a fetchable dependency for it.
type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func ok(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusOK).JSON(Response{Data: data})
}

func created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(Response{Data: data})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(Response{Error: message})
}

func notFound(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusNotFound).JSON(Response{Error: message})
}

func conflict(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusConflict).JSON(Response{Error: message})
}

func internalError(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusInternalServerError).JSON(Response{Error: message})
}

func serviceUnavailable(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(Response{Error: message})
}
