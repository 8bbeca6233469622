package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/riskledger/internal/clock"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestLimiter_BurstThenRefill(t *testing.T) {
	clk := clock.NewMock(t0)
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5}, clk)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("10.0.0.1"), "burst exhausted")

	clk.Advance(time.Second)
	assert.True(t, l.Allow("10.0.0.1"), "one token refilled after a second")
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 2}, clock.NewMock(t0))

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_SweepDropsIdleBuckets(t *testing.T) {
	clk := clock.NewMock(t0)
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute}, clk)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	clk.Advance(2 * time.Minute)
	l.sweep()
	assert.Empty(t, l.clients)
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig(), nil)
	done := make(chan struct{})
	go func() {
		l.Start()
		close(done)
	}()
	l.Stop()
	l.Stop()
	<-done
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1}, clock.NewMock(t0))

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}
