package http

import (
	"github.com/gin-gonic/gin"

	"intercom/internal/infrastructure/middleware"
	"intercom/internal/infrastructure/signal"
)

type EventsHandler struct {
	hub *signal.Hub
}

func NewEventsHandler(hub *signal.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

func (h *EventsHandler) SetupRoutes(read *gin.RouterGroup) {
	read.GET("/events", h.Stream)
}

// Stream upgrades to the websocket event stream. Commands are accepted only
// with control rights.
func (h *EventsHandler) Stream(c *gin.Context) {
	h.hub.Serve(c.Writer, c.Request, middleware.CanControl(c))
}
