package api

import (
	"context"
	"log/slog"

	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"

	"github.com/minisource/runsched/internal/notify"
)

// StreamHandler relays internal/notify's Redis transition channel to
// WebSocket subscribers, recreating the dropped `/log` follow feature
// (SPEC_FULL.md §13).
type StreamHandler struct {
	redis *redis.Client
	log   *slog.Logger
}

func NewStreamHandler(client *redis.Client, log *slog.Logger) *StreamHandler {
	return &StreamHandler{redis: client, log: log}
}

// @Summary Stream run transitions
// @Description Upgrade to a WebSocket relaying every transition event
// @Tags runs
// @Router /api/v1/runs/stream [get]
func (h *StreamHandler) Stream(c *websocket.Conn) {
	if h.redis == nil {
		h.log.Warn("stream: no redis client configured, refusing websocket upgrade")
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "transition stream unavailable"), 0)
		_ = c.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := notify.NewSubscriber(ctx, h.redis)
	defer sub.Close()

	// A read goroutine is the only way to notice the client disconnecting
	// while the write side blocks on sub.Next; its sole job is to trip
	// cancel() on the first error.
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		evt, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := c.WriteJSON(evt); err != nil {
			h.log.Warn("stream: writing transition event failed", "err", err)
			return
		}
	}
}
