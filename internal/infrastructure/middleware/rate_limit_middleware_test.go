package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"fieldgw/pkg/config"
)

func limitedRouter(cfg config.HTTPRateLimitConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, remote, xff string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remote
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	router := limitedRouter(config.HTTPRateLimitConfig{Enabled: false})

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1000", "").Code)
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	router := limitedRouter(config.HTTPRateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 1})

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1000", "").Code)

	w := get(router, "10.0.0.1:1001", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// another client has its own budget
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2:1000", "").Code)
}

func TestHTTPRateLimitMiddleware_UsesFirstForwardedHop(t *testing.T) {
	router := limitedRouter(config.HTTPRateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 1})

	assert.Equal(t, http.StatusOK, get(router, "192.168.1.1:80", "203.0.113.9, 192.168.1.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(router, "192.168.1.1:81", "203.0.113.9").Code)
	assert.Equal(t, http.StatusOK, get(router, "192.168.1.1:82", "203.0.113.10").Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "not-an-address"
	assert.Equal(t, "not-an-address", clientIP(req))

	req.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "not-an-address", clientIP(req))
}
