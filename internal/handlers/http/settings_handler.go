package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"intercom/internal/core/domain"
	"intercom/internal/core/services"
	"intercom/pkg/errors"
)

type SettingsHandler struct {
	settings *services.SettingsService
}

func NewSettingsHandler(settings *services.SettingsService) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

func (h *SettingsHandler) SetupRoutes(read, control *gin.RouterGroup) {
	read.GET("/settings", h.GetSettings)
	control.PUT("/settings", h.UpdateSettings)
}

// UpdateSettingsRequest changes only the fields that are present.
type UpdateSettingsRequest struct {
	Volume     *float64 `json:"volume"`
	MicGainDB  *int     `json:"mic_gain_db"`
	AutoAnswer *bool    `json:"auto_answer"`
	AEC        *bool    `json:"aec"`
}

func (r UpdateSettingsRequest) validate() error {
	if r.Volume != nil && (*r.Volume < 0 || *r.Volume > 1) {
		return fmt.Errorf("volume must be between 0 and 1: %w", domain.ErrInvalidSetting)
	}
	if r.MicGainDB != nil && (*r.MicGainDB < domain.MinMicGainDB || *r.MicGainDB > domain.MaxMicGainDB) {
		return fmt.Errorf("mic_gain_db must be between %d and %d: %w",
			domain.MinMicGainDB, domain.MaxMicGainDB, domain.ErrInvalidSetting)
	}
	return nil
}

func (h *SettingsHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.Get())
}

func (h *SettingsHandler) UpdateSettings(c *gin.Context) {
	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := req.validate(); err != nil {
		_ = c.Error(err)
		return
	}

	applied := h.settings.Update(func(next *domain.Settings) {
		if req.Volume != nil {
			next.Volume = *req.Volume
		}
		if req.MicGainDB != nil {
			next.MicGainDB = *req.MicGainDB
		}
		if req.AutoAnswer != nil {
			next.AutoAnswer = *req.AutoAnswer
		}
		if req.AEC != nil {
			next.AEC = *req.AEC
		}
	})
	c.JSON(http.StatusOK, applied)
}
