package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"intercom/internal/core/services"
	"intercom/pkg/errors"
	"intercom/pkg/validation"
)

type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

func (h *AuthHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/auth/token", h.IssueToken)
}

type TokenRequest struct {
	APIKey   string `json:"api_key" binding:"required,max=256"`
	ClientID string `json:"client_id" binding:"required"`
	Scope    string `json:"scope"`
}

type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scope       string    `json:"scope"`
}

// IssueToken exchanges the shared API key for a bearer token.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("api_key and client_id are required"))
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if err := validation.ValidateClientID(req.ClientID); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.Scope == "" {
		req.Scope = services.ScopeControl
	}

	token, expires, err := h.authService.IssueToken(req.APIKey, req.ClientID, req.Scope)
	if err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized))
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expires,
		Scope:       req.Scope,
	})
}
