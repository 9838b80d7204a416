package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func serveWith(mw gin.HandlerFunc, method string, origin string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(method, "/ping", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware_SetsEveryHeader(t *testing.T) {
	w := serveWith(HeadersMiddleware(), http.MethodGet, "")

	for name, want := range responseHeaders {
		if got := w.Header().Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestCORSMiddleware_OriginFiltering(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		admit   bool
	}{
		{"listed origin", []string{"https://app.payrail.io"}, "https://app.payrail.io", true},
		{"unlisted origin", []string{"https://app.payrail.io"}, "https://evil.example", false},
		{"wildcard", []string{"*"}, "https://anywhere.example", true},
		{"empty list admits all", nil, "https://anywhere.example", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := serveWith(CORSMiddleware(tc.allowed), http.MethodGet, tc.origin)
			got := w.Header().Get("Access-Control-Allow-Origin") != ""
			if got != tc.admit {
				t.Errorf("allow-origin header present = %v, want %v", got, tc.admit)
			}
		})
	}
}

// Credentials must never be offered alongside a wildcard origin.
func TestCORSMiddleware_CredentialsOnlyForListedOrigins(t *testing.T) {
	w := serveWith(CORSMiddleware([]string{"*"}), http.MethodGet, "https://anywhere.example")
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("credentials header set for wildcard origin")
	}

	w = serveWith(CORSMiddleware([]string{"https://app.payrail.io"}), http.MethodGet, "https://app.payrail.io")
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("credentials header missing for listed origin")
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	w := serveWith(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://app.payrail.io")

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("Access-Control-Allow-Methods not set")
	}
	// Browsers must be able to send idempotency keys cross-origin.
	if h := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(h, "Idempotency-Key") {
		t.Errorf("Access-Control-Allow-Headers missing Idempotency-Key: %q", h)
	}
}
