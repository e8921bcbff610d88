package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/services"
	apperrors "rtmsrelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestRouter() *gin.Engine {
	router, _ := newObservedRouter()
	return router
}

func newObservedRouter() (*gin.Engine, *observer.ObservedLogs) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core).Sugar()
	router := gin.New()
	router.Use(RequestIDMiddleware(), RecoveryMiddleware(logger), ErrorHandlerMiddleware(logger), TracingMiddleware())
	return router, logs
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestErrorHandler_RendersAppError(t *testing.T) {
	router := newTestRouter()
	router.GET("/sessions/:key", func(c *gin.Context) {
		c.Error(apperrors.NewNotFoundError("session").WithContext("key", c.Param("key")))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/abc", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "NOT_FOUND", body["error"])
	assert.Equal(t, "abc", body["details"].(map[string]interface{})["key"])
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestErrorHandler_PlainErrorIsInternal(t *testing.T) {
	router := newTestRouter()
	router.GET("/x", func(c *gin.Context) {
		c.Error(errors.New("db on fire"))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(requestIDHeader, "req-1")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeBody(t, w)["error"])
	assert.Equal(t, "req-1", w.Header().Get(requestIDHeader))
}

func TestRecovery_PanicBecomes500(t *testing.T) {
	router := newTestRouter()
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestErrorHandler_LogsRequestAndSessionKey(t *testing.T) {
	router, logs := newObservedRouter()
	router.GET("/sessions/:key", func(c *gin.Context) {
		c.Error(apperrors.NewNotFoundError("session"))
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions/m1s1", nil)
	req.Header.Set(requestIDHeader, "req-7")
	router.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("application error").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-7", fields["request_id"])
	assert.Equal(t, "m1s1", fields["session_key"])
}

func TestErrorHandler_UnhandledErrorLogsRequestID(t *testing.T) {
	router, logs := newObservedRouter()
	router.GET("/x", func(c *gin.Context) {
		c.Error(errors.New("db on fire"))
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(requestIDHeader, "req-8")
	router.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("unhandled error").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-8", fields["request_id"])
	assert.Equal(t, "db on fire", fields["error"])
}

func TestRecovery_LogsSessionKey(t *testing.T) {
	router, logs := newObservedRouter()
	router.POST("/sessions/:key/streaming", func(c *gin.Context) {
		panic("boom")
	})

	req := httptest.NewRequest(http.MethodPost, "/sessions/m2s2/streaming", nil)
	req.Header.Set(requestIDHeader, "req-9")
	router.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("panic recovered").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-9", fields["request_id"])
	assert.Equal(t, "m2s2", fields["session_key"])
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", time.Minute)
	router := newTestRouter()
	router.POST("/ops",
		AuthMiddleware(auth),
		RequireRole(auth, domain.RoleOperator),
		func(c *gin.Context) {
			id, err := auth.GetOperatorFromContext(c.Request.Context())
			require.NoError(t, err)
			c.String(http.StatusOK, string(id))
		},
	)

	operator, err := auth.GenerateToken("op-1", domain.RoleOperator)
	require.NoError(t, err)
	viewer, err := auth.GenerateToken("op-2", domain.RoleViewer)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"viewer forbidden", "Bearer " + viewer, http.StatusForbidden},
		{"operator allowed", "Bearer " + operator, http.StatusOK},
		{"scheme is case insensitive", "bearer " + operator, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/ops", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "op-1", w.Body.String())
			}
		})
	}
}
