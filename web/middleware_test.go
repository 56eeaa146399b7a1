package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(RateLimitMiddleware(rl))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func requestFrom(router *gin.Engine, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = ip + ":12345"
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware(t *testing.T) {
	const a, b = "192.168.1.1", "192.168.1.2"

	tests := []struct {
		name     string
		rate     rate.Limit
		burst    int
		ips      []string
		expected []int
	}{
		{"under burst", 10, 3, []string{a, a}, []int{200, 200}},
		{"burst then limited", 1, 2, []string{a, a, a}, []int{200, 200, 429}},
		{"ips are limited separately", 1, 1, []string{a, b, a, b}, []int{200, 200, 429, 429}},
		{"unlimited", rate.Inf, 0, []string{a, a, a}, []int{200, 200, 200}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := limitedRouter(NewRateLimiter(tt.rate, tt.burst))
			for i, ip := range tt.ips {
				w := requestFrom(router, ip)
				assert.Equal(t, tt.expected[i], w.Code, "request %d from %s", i+1, ip)
				if w.Code == http.StatusTooManyRequests {
					assert.Contains(t, w.Body.String(), "Rate limit exceeded")
				}
			}
		})
	}
}

func TestPruneIdleLimiters(t *testing.T) {
	tests := []struct {
		name  string
		quiet time.Duration
		kept  bool
	}{
		{"recently seen", time.Minute, true},
		{"just under idle", limiterIdle - time.Second, true},
		{"idle", limiterIdle + time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewRateLimiter(rate.Limit(1), 1)
			now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
			rl.now = func() time.Time { return now }

			limiter := rl.getLimiter("192.168.1.1")
			assert.Same(t, limiter, rl.getLimiter("192.168.1.1"))
			assert.NotSame(t, limiter, rl.getLimiter("192.168.1.2"))

			now = now.Add(tt.quiet)
			rl.prune()

			rl.mu.Lock()
			_, kept := rl.visitors["192.168.1.1"]
			rl.mu.Unlock()
			assert.Equal(t, tt.kept, kept)
		})
	}
}

func TestPrunedClientStartsWithFullBucket(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(0.001), 1)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	router := limitedRouter(rl)

	assert.Equal(t, http.StatusOK, requestFrom(router, "192.168.1.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, requestFrom(router, "192.168.1.1").Code)

	now = now.Add(limiterIdle + time.Second)
	rl.prune()
	assert.Equal(t, http.StatusOK, requestFrom(router, "192.168.1.1").Code)
}

func TestMaxBytesMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		bodySize int
		chunked  bool
		expected int
	}{
		{"under limit", 50, false, http.StatusOK},
		{"at limit", 100, false, http.StatusOK},
		{"over limit by content length", 200, false, http.StatusRequestEntityTooLarge},
		{"over limit without content length", 200, true, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(MaxBytesMiddleware(100))
			router.POST("/test", func(c *gin.Context) {
				if _, err := c.GetRawData(); err != nil {
					c.String(http.StatusRequestEntityTooLarge, "Request body too large")
					return
				}
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(strings.Repeat("x", tt.bodySize)))
			if tt.chunked {
				req.ContentLength = -1
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expected, w.Code)
			if tt.expected == http.StatusRequestEntityTooLarge {
				assert.Contains(t, w.Body.String(), "Request body too large")
			}
		})
	}
}

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		status int
		level  zapcore.Level
	}{
		{http.StatusOK, zapcore.InfoLevel},
		{http.StatusFound, zapcore.InfoLevel},
		{http.StatusBadRequest, zapcore.WarnLevel},
		{http.StatusInternalServerError, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			core, logs := observer.New(zapcore.InfoLevel)
			router := gin.New()
			router.Use(RequestLogger(zap.New(core).Sugar()))
			router.GET("/status", func(c *gin.Context) { c.Status(tt.status) })

			router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))

			entries := logs.All()
			if assert.Len(t, entries, 1) {
				assert.Equal(t, tt.level, entries[0].Level)
				fields := entries[0].ContextMap()
				assert.Equal(t, "/status", fields["path"])
				assert.Equal(t, int64(tt.status), fields["status"])
			}
		})
	}
}
