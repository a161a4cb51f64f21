package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"intercom/internal/core/ports"
	"intercom/pkg/errors"
)

type CallHandler struct {
	calls ports.CallController
}

func NewCallHandler(calls ports.CallController) *CallHandler {
	return &CallHandler{calls: calls}
}

func (h *CallHandler) SetupRoutes(read, control *gin.RouterGroup) {
	read.GET("/status", h.GetStatus)
	control.POST("/call/:action", h.Command)
}

func (h *CallHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.calls.Status())
}

// Command runs start, answer, decline, hangup or toggle and returns the
// status that follows.
func (h *CallHandler) Command(c *gin.Context) {
	var run func(context.Context) error
	switch action := c.Param("action"); action {
	case "start":
		run = h.calls.StartCall
	case "answer":
		run = h.calls.Answer
	case "decline":
		run = h.calls.Decline
	case "hangup":
		run = h.calls.Hangup
	case "toggle":
		run = h.calls.Toggle
	default:
		_ = c.Error(errors.NewNotFoundError("call action " + action))
		return
	}

	if err := run(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.calls.Status())
}
