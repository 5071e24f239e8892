package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimiter_rejectsBurstOverflow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stop := make(chan struct{})
	defer close(stop)

	r := gin.New()
	r.Use(RateLimiter(1, 2, time.Minute, stop))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("second client: expected 200, got %d", w.Code)
	}
}

func TestContainsWildcard(t *testing.T) {
	if !containsWildcard([]string{"https://a.example", " * "}) {
		t.Error("expected wildcard to be detected")
	}
	if containsWildcard([]string{"https://a.example"}) {
		t.Error("unexpected wildcard")
	}
}
