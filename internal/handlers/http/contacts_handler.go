package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"intercom/internal/core/services"
	"intercom/pkg/errors"
	"intercom/pkg/protocol"
	"intercom/pkg/validation"
)

type ContactsHandler struct {
	contacts *services.ContactBook
}

func NewContactsHandler(contacts *services.ContactBook) *ContactsHandler {
	return &ContactsHandler{contacts: contacts}
}

func (h *ContactsHandler) SetupRoutes(read, control *gin.RouterGroup) {
	read.GET("/contacts", h.GetContacts)
	control.PUT("/contacts", h.ReplaceContacts)
	control.POST("/contacts/next", h.Next)
	control.POST("/contacts/prev", h.Prev)
	control.POST("/contacts/select", h.Select)
}

type contactsResponse struct {
	Names    []string `json:"names"`
	Selected int      `json:"selected"`
	Current  string   `json:"current"`
}

func (h *ContactsHandler) respond(c *gin.Context) {
	snap := h.contacts.Snapshot()
	c.JSON(http.StatusOK, contactsResponse{
		Names:    snap.Names,
		Selected: snap.Selected,
		Current:  h.contacts.Current(),
	})
}

func (h *ContactsHandler) GetContacts(c *gin.Context) {
	h.respond(c)
}

type ReplaceContactsRequest struct {
	CSV string `json:"csv"`
}

func (h *ContactsHandler) ReplaceContacts(c *gin.Context) {
	var req ReplaceContactsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateContactsCSV(req.CSV); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	h.contacts.SetCSV(req.CSV)
	h.respond(c)
}

func (h *ContactsHandler) Next(c *gin.Context) {
	h.contacts.Next()
	h.respond(c)
}

func (h *ContactsHandler) Prev(c *gin.Context) {
	h.contacts.Prev()
	h.respond(c)
}

type SelectContactRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *ContactsHandler) Select(c *gin.Context) {
	var req SelectContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("name is required"))
		return
	}
	if err := validation.ValidateNonEmptyString(req.Name, "name"); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateStringLength(req.Name, 1, protocol.MaxCallerNameSize, "name"); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := h.contacts.Select(req.Name); err != nil {
		_ = c.Error(err)
		return
	}
	h.respond(c)
}
