package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupIPLimiter(t *testing.T, maxReqs, windowSec int) (*IPRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewIPRateLimiter(rdb, maxReqs, windowSec), mr
}

func doRequest(handler http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/research", nil)
	req.RemoteAddr = ip + ":34567"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
}

func TestIPRateLimiter_AllowsUnderLimit(t *testing.T) {
	rl, _ := setupIPLimiter(t, 3, 60)
	handler := rl.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		rec := doRequest(handler, "10.0.0.1")
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}
}

func TestIPRateLimiter_BlocksOverLimit(t *testing.T) {
	rl, _ := setupIPLimiter(t, 2, 60)
	handler := rl.Middleware(okHandler())

	doRequest(handler, "10.0.0.1")
	doRequest(handler, "10.0.0.1")

	rec := doRequest(handler, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestIPRateLimiter_IPsIndependent(t *testing.T) {
	rl, _ := setupIPLimiter(t, 1, 60)
	handler := rl.Middleware(okHandler())

	doRequest(handler, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, doRequest(handler, "10.0.0.1").Code)
	assert.Equal(t, http.StatusAccepted, doRequest(handler, "10.0.0.2").Code)
}

func TestIPRateLimiter_FailsOpenOnRedisError(t *testing.T) {
	rl, mr := setupIPLimiter(t, 1, 60)
	mr.Close()
	handler := rl.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		rec := doRequest(handler, "10.0.0.1")
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:1234"
	assert.Equal(t, "192.168.1.5", clientIP(req))

	req.Header.Set("X-Real-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	assert.Equal(t, "198.51.100.7", clientIP(req))
}

func TestIPRateLimiter_WindowSlides(t *testing.T) {
	rl, mr := setupIPLimiter(t, 1, 60)
	handler := rl.Middleware(okHandler())

	require.Equal(t, http.StatusAccepted, doRequest(handler, "10.0.0.1").Code)
	require.Equal(t, http.StatusTooManyRequests, doRequest(handler, "10.0.0.1").Code)

	// The whole key expires once the window plus grace has passed.
	mr.FastForward(62 * time.Second)
	assert.Equal(t, http.StatusAccepted, doRequest(handler, "10.0.0.1").Code)
}
