package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"intercom/internal/core/services"
	"intercom/pkg/errors"
)

const (
	ctxClientID = "client_id"
	ctxScope    = "scope"
)

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		// Browsers cannot set headers on websocket upgrades.
		if token := c.Query("access_token"); token != "" {
			return token, true
		}
		return "", false
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// AuthMiddleware requires a valid bearer token granting scope.
func AuthMiddleware(authService services.AuthService, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWithAppError(c, errors.NewUnauthorizedError("bearer token required"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWithAppError(c, errors.WrapError(err, errors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized))
			return
		}
		if !claims.Allows(scope) {
			abortWithAppError(c, errors.NewAppError(errors.ErrCodeUnauthorized, "token scope does not allow "+scope, http.StatusForbidden))
			return
		}

		c.Set(ctxClientID, claims.ClientID)
		c.Set(ctxScope, claims.Scope)
		c.Next()
	}
}

// CanControl reports whether the request may issue call commands. With
// auth disabled no scope is set and everything is allowed.
func CanControl(c *gin.Context) bool {
	scope, ok := c.Get(ctxScope)
	if !ok {
		return true
	}
	return scope == services.ScopeControl
}

// ClientID returns the authenticated client, or "".
func ClientID(c *gin.Context) string {
	return c.GetString(ctxClientID)
}
