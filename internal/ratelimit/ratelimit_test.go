package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newLimiter(t *testing.T, rpm, burst int) *Limiter {
	t.Helper()
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Minute})
	t.Cleanup(l.Stop)
	return l
}

func TestBurstThenDeny(t *testing.T) {
	l := newLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d should fit in the burst", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("request past the burst should be denied")
	}
}

func TestRefill(t *testing.T) {
	// 600/min refills one token every 100ms.
	l := newLimiter(t, 600, 1)

	if !l.Allow("usr_a") {
		t.Fatal("first request should pass")
	}
	if l.Allow("usr_a") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(110 * time.Millisecond)
	if !l.Allow("usr_a") {
		t.Fatal("bucket should have refilled one token")
	}
}

func TestKeysDoNotShareBuckets(t *testing.T) {
	l := newLimiter(t, 60, 2)

	l.Allow("usr_a")
	l.Allow("usr_a")
	if l.Allow("usr_a") {
		t.Fatal("usr_a should be exhausted")
	}
	if !l.Allow("usr_b") {
		t.Fatal("usr_b has its own bucket")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newLimiter(t, 60, 1)

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(auth string) int {
		req := httptest.NewRequest("GET", "/", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := do("Bearer sk_aaaa"); code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", code)
	}
	if code := do("Bearer sk_aaaa"); code != http.StatusTooManyRequests {
		t.Fatalf("second request on same key = %d, want 429", code)
	}
	// A different caller gets a fresh bucket.
	if code := do("Bearer sk_bbbbbbbbbbbbbbbbbbbbbbb"); code != http.StatusOK {
		t.Fatalf("different key = %d, want 200", code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 || cfg.CleanupInterval != time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
