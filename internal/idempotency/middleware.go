package idempotency

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderKey is the request header carrying the client's idempotency key.
const HeaderKey = "Idempotency-Key"

// ScopeFunc resolves the caller identity a key is namespaced under, so two
// callers reusing the same key string never collide.
type ScopeFunc func(c *gin.Context) string

// Middleware wraps mutating handlers with the guard. Requests without an
// Idempotency-Key header pass through untouched. Runs after auth so the
// scope reflects the authenticated caller.
func Middleware(g *Guard, scope ScopeFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderKey)
		if key == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "invalid_body", "message": "failed to read request body",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		payload := normalize(c.Request.Method, c.Request.URL.Path, body)
		res, err := g.CheckOrLock(c.Request.Context(), key, scope(c), payload)
		switch {
		case err == ErrKeyReused:
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "idempotency_key_reused",
				"message": "this idempotency key was already used with a different request",
			})
			return
		case err == ErrInProgress:
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":   "request_in_progress",
				"message": "a request with this idempotency key is still being processed",
			})
			return
		case err != nil:
			g.logger.Error("idempotency check failed", "key", key, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "internal_error",
			})
			return
		}

		if res.Replay {
			c.Header("Idempotent-Replay", "true")
			c.Data(res.Record.ResponseCode, "application/json", []byte(res.Record.ResponseBody))
			c.Abort()
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		status := c.Writer.Status()
		sc := scope(c)
		if status >= http.StatusInternalServerError {
			if err := g.ReleaseLock(c.Request.Context(), key, sc); err != nil {
				g.logger.Warn("idempotency release failed", "key", key, "error", err)
			}
			return
		}
		if err := g.Complete(c.Request.Context(), key, sc, status, rec.buf.Bytes()); err != nil {
			g.logger.Warn("idempotency complete failed", "key", key, "error", err)
		}
	}
}

func normalize(method, path string, body []byte) []byte {
	payload := make([]byte, 0, len(method)+len(path)+len(body)+2)
	payload = append(payload, method...)
	payload = append(payload, '\n')
	payload = append(payload, path...)
	payload = append(payload, '\n')
	payload = append(payload, body...)
	return payload
}

// bodyRecorder tees the handler's response so it can be stored for replay.
type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *bodyRecorder) WriteString(s string) (int, error) {
	r.buf.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}
