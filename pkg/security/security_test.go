package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestLimiterIsPerKey(t *testing.T) {
	l := NewLimiter(rate.Every(time.Hour), 2, time.Minute)

	assert.True(t, l.Allow("team-1"))
	assert.True(t, l.Allow("team-1"))
	assert.False(t, l.Allow("team-1"))
	assert.True(t, l.Allow("team-2"))
	assert.Equal(t, 2, l.Len())
}

func TestLimiterCleanup(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	l := NewLimiter(rate.Every(time.Hour), 1, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("idle")
	now = now.Add(50 * time.Second)
	l.Allow("active")
	now = now.Add(30 * time.Second)

	assert.Equal(t, 1, l.Cleanup())
	assert.Equal(t, 1, l.Len())

	// 清理后重新获得完整额度
	assert.True(t, l.Allow("idle"))
}

func TestRateLimiterMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Secure(), RateLimiter(NewLimiter(rate.Every(time.Hour), 1, time.Minute)))
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "192.0.2.10:4000"
		router.ServeHTTP(w, req)
		return w
	}

	first := do()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "nosniff", first.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, http.StatusTooManyRequests, do().Code)
}
