package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newTestRouter(mw gin.HandlerFunc, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/ping", handler)
	r.POST("/ping", handler)
	return r
}

func pong(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) }

func TestRequestIDGenerated(t *testing.T) {
	r := newTestRouter(RequestID(), pong)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDPreserved(t *testing.T) {
	r := newTestRouter(RequestID(), pong)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	r.ServeHTTP(w, req)

	require.Equal(t, "caller-supplied", w.Header().Get("X-Request-ID"))
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	r := newTestRouter(Recovery(), func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), "panic_recovered")
}

func TestRateLimiterEnforcesBurst(t *testing.T) {
	r := newTestRouter(RateLimiter(1, 2), pong)

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		statuses = append(statuses, w.Code)
	}

	require.Equal(t, http.StatusOK, statuses[0])
	require.Equal(t, http.StatusOK, statuses[1])
	require.Equal(t, http.StatusTooManyRequests, statuses[2])
	require.Equal(t, http.StatusTooManyRequests, statuses[3])
}

func TestManagementAuth(t *testing.T) {
	r := newTestRouter(ManagementAuth("sekrit"), pong)

	cases := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"no key", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-Management-Key": "nope"}, http.StatusUnauthorized},
		{"header key", map[string]string{"X-Management-Key": "sekrit"}, http.StatusOK},
		{"bearer key", map[string]string{"Authorization": "Bearer sekrit"}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/ping", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			r.ServeHTTP(w, req)
			require.Equal(t, tc.want, w.Code)
		})
	}
}

func TestManagementAuthUnconfiguredKeyRefuses(t *testing.T) {
	r := newTestRouter(ManagementAuth(""), pong)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/ping", nil)
	req.Header.Set("X-Management-Key", "")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}
