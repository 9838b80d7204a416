package idempotency

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestRouter(g *Guard, handlerCalls *int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/v1/orders",
		Middleware(g, func(c *gin.Context) string { return "caller-a" }),
		func(c *gin.Context) {
			*handlerCalls++
			c.JSON(http.StatusCreated, gin.H{"id": "ord_1"})
		})
	return r
}

func post(r *gin.Engine, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", bytes.NewBufferString(body))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ReplaySameKey(t *testing.T) {
	calls := 0
	r := newTestRouter(New(NewMemoryStore(), nil), &calls)

	first := post(r, "key-1", `{"amount":"10.00"}`)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d", first.Code)
	}

	second := post(r, "key-1", `{"amount":"10.00"}`)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status = %d", second.Code)
	}
	if second.Header().Get("Idempotent-Replay") != "true" {
		t.Error("replay header missing")
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay body = %s, want %s", second.Body.String(), first.Body.String())
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestMiddleware_KeyReusedRejected(t *testing.T) {
	calls := 0
	r := newTestRouter(New(NewMemoryStore(), nil), &calls)

	post(r, "key-1", `{"amount":"10.00"}`)
	w := post(r, "key-1", `{"amount":"99.00"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestMiddleware_NoKeyPassesThrough(t *testing.T) {
	calls := 0
	r := newTestRouter(New(NewMemoryStore(), nil), &calls)

	post(r, "", `{}`)
	post(r, "", `{}`)
	if calls != 2 {
		t.Errorf("handler ran %d times, want 2", calls)
	}
}

func TestMiddleware_ServerErrorReleasesLock(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := New(NewMemoryStore(), nil)
	calls := 0
	r := gin.New()
	r.POST("/v1/orders",
		Middleware(g, func(c *gin.Context) string { return "caller-a" }),
		func(c *gin.Context) {
			calls++
			if calls == 1 {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"id": "ord_1"})
		})

	first := post(r, "key-1", `{}`)
	if first.Code != http.StatusInternalServerError {
		t.Fatalf("first status = %d", first.Code)
	}

	// The failed attempt released the lock; the retry runs the handler again.
	second := post(r, "key-1", `{}`)
	if second.Code != http.StatusCreated {
		t.Fatalf("retry status = %d", second.Code)
	}
	if calls != 2 {
		t.Errorf("handler ran %d times, want 2", calls)
	}
}
