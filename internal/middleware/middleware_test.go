package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuth() *service.AuthService {
	return service.NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour})
}

func TestRequireStudentJWT(t *testing.T) {
	auth := newAuth()
	student, err := auth.IssueToken("u1", service.TokenTypeStudent, nil, 0)
	require.NoError(t, err)
	admin, err := auth.IssueToken("a1", service.TokenTypeAdmin, []string{service.PermissionProctorRead}, 0)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", RequireStudentJWT(auth), func(c *gin.Context) {
		c.String(http.StatusOK, GetClaims(c).UserID+":"+GetToken(c))
	})

	cases := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"missing", "", http.StatusUnauthorized, "TOKEN_REQUIRED"},
		{"garbage", "Bearer nope", http.StatusUnauthorized, "TOKEN_INVALID"},
		{"admin token", "Bearer " + admin, http.StatusForbidden, "STUDENT_ACCESS_ONLY"},
		{"student", "Bearer " + student, http.StatusOK, "u1:" + student},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Body.String(), tc.body)
		})
	}
}

func TestRequireStudentJWT_Expired(t *testing.T) {
	auth := service.NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: -time.Minute})
	tok, err := auth.IssueToken("u1", service.TokenTypeStudent, nil, 0)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", RequireStudentJWT(auth), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "TOKEN_EXPIRED")
}

func TestRequireStudentWSAuth_QueryToken(t *testing.T) {
	auth := newAuth()
	tok, err := auth.IssueToken("u1", service.TokenTypeStudent, nil, 0)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/ws", RequireStudentWSAuth(auth), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequirePermission(t *testing.T) {
	auth := newAuth()
	reader, err := auth.IssueToken("a1", service.TokenTypeAdmin, []string{service.PermissionProctorRead}, 0)
	require.NoError(t, err)
	other, err := auth.IssueToken("a2", service.TokenTypeAdmin, []string{"exams:write"}, 0)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/sessions", RequireAdminJWT(auth), RequirePermission(service.PermissionProctorRead),
		func(c *gin.Context) { c.Status(http.StatusOK) })

	for tok, status := range map[string]int{reader: http.StatusOK, other: http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, status, w.Code)
	}

	// EventSource clients authenticate through the query string.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions?token="+reader, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 1, 2)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("1.1.1.1"))
	assert.True(t, rl.Allow("1.1.1.1"))
	assert.False(t, rl.Allow("1.1.1.1"))
	assert.True(t, rl.Allow("2.2.2.2"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("1.1.1.1"))

	now = now.Add(visitorTTL + time.Second)
	rl.cleanup()
	rl.mu.Lock()
	assert.Empty(t, rl.visitors)
	rl.mu.Unlock()
}

func TestRateLimiter_Middleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 0.001, 1)
	r := gin.New()
	r.GET("/x", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestBrotli(t *testing.T) {
	big := strings.Repeat("violation ", 500)

	r := gin.New()
	r.Use(BrotliWithConfig(BrotliConfig{MinLength: 64, SkipPaths: []string{"/metrics"}}))
	r.GET("/big", func(c *gin.Context) { c.String(http.StatusOK, big) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", func(c *gin.Context) { c.String(http.StatusOK, big) })

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Accept-Encoding", "gzip, br")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := get("/big")
	require.Equal(t, "br", w.Header().Get("Content-Encoding"))
	plain, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, big, string(plain))

	w = get("/small")
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, "ok", w.Body.String())

	w = get("/metrics")
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, big, w.Body.String())
}

func TestNoStore(t *testing.T) {
	r := gin.New()
	r.GET("/x", NoStore(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}
