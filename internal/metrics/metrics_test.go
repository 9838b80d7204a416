package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		100: "1xx",
		200: "2xx",
		201: "2xx",
		301: "3xx",
		404: "4xx",
		422: "4xx",
		500: "5xx",
		503: "5xx",
	}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestHandler_ExposesRegisteredMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	scrape := func() string {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("scrape status = %d, want 200", w.Code)
		}
		return w.Body.String()
	}

	// Gauges are exported immediately; vectors only after first use.
	body := scrape()
	for _, name := range []string{"payrail_active_websocket_clients", "payrail_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("scrape missing %s", name)
		}
	}

	WebhookIntakeTotal.WithLabelValues("custodial", "applied").Inc()
	if !strings.Contains(scrape(), "payrail_webhook_intake_total") {
		t.Error("scrape missing payrail_webhook_intake_total after increment")
	}
}

func TestMiddleware_CountsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/orders/:orderId", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	before := promtest.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/orders/:orderId", "2xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders/ord_123", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	// The counter label is the route pattern, not the concrete path.
	after := promtest.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/orders/:orderId", "2xx"))
	if after != before+1 {
		t.Errorf("requests counter = %v, want %v", after, before+1)
	}
}
