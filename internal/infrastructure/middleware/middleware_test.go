package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"intercom/internal/core/domain"
	"intercom/internal/core/services"
	"intercom/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func do(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", "key", time.Hour, "intercom")
	control, _, err := auth.IssueToken("key", "ha", services.ScopeControl)
	require.NoError(t, err)
	read, _, err := auth.IssueToken("key", "dash", services.ScopeRead)
	require.NoError(t, err)

	router := gin.New()
	router.GET("/status", AuthMiddleware(auth, services.ScopeRead), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"client": ClientID(c), "control": CanControl(c)})
	})
	router.POST("/call", AuthMiddleware(auth, services.ScopeControl), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"missing token", http.MethodGet, "/status", "", http.StatusUnauthorized},
		{"bad scheme", http.MethodGet, "/status", "Basic abc", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/status", "Bearer nope", http.StatusUnauthorized},
		{"read token reads", http.MethodGet, "/status", "Bearer " + read, http.StatusOK},
		{"read token cannot control", http.MethodPost, "/call", "Bearer " + read, http.StatusForbidden},
		{"control token controls", http.MethodPost, "/call", "Bearer " + control, http.StatusNoContent},
		{"query token", http.MethodGet, "/status?access_token=" + read, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := do(router, req)
			assert.Equal(t, tt.want, w.Code)
			if w.Code == http.StatusUnauthorized {
				assert.Equal(t, "UNAUTHORIZED", decode(t, w)["error"])
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+read)
	body := decode(t, do(router, req))
	assert.Equal(t, "dash", body["client"])
	assert.Equal(t, false, body["control"])
}

func TestCanControl_AuthDisabled(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.True(t, CanControl(c))
}

func TestErrorHandlerMiddleware_MapsDomainErrors(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	router.POST("/answer", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("answer in state idle: %w", domain.ErrNotRinging))
	})
	router.POST("/boom", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("disk"))
	})

	w := do(router, httptest.NewRequest(http.MethodPost, "/answer", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", decode(t, w)["error"])

	w = do(router, httptest.NewRequest(http.MethodPost, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", decode(t, w)["message"])
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/panic", func(c *gin.Context) { panic("kaboom") })

	w := do(router, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decode(t, w)["error"])
}

func TestRequestLoggerMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	router := gin.New()
	router.Use(RequestLoggerMiddleware(logger.NewContextLogger(zap.New(core))))
	router.GET("/status", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Request-ID", "req-1")
	w := do(router, req)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "/status", fields["path"])
	assert.EqualValues(t, http.StatusOK, fields["status_code"])

	w = do(router, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"), "generated when absent")
}

func TestTracingMiddleware_PassesThrough(t *testing.T) {
	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := do(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
