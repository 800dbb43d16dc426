package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serveWithHeaders(cfg SecurityHeadersConfig) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders(cfg))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name   string
		cfg    SecurityHeadersConfig
		header string
		want   string
	}{
		{"hsts in production", SecurityHeadersConfig{}, "Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
		{"no hsts in development", SecurityHeadersConfig{IsDevelopment: true}, "Strict-Transport-Security", ""},
		{"frame options", SecurityHeadersConfig{}, "X-Frame-Options", "DENY"},
		{"nosniff", SecurityHeadersConfig{}, "X-Content-Type-Options", "nosniff"},
		{"referrer", SecurityHeadersConfig{}, "Referrer-Policy", "no-referrer"},
		{"permissions", SecurityHeadersConfig{}, "Permissions-Policy", permissionsPolicy},
		{"coop", SecurityHeadersConfig{}, "Cross-Origin-Opener-Policy", "same-origin"},
		{"no caching", SecurityHeadersConfig{}, "Cache-Control", "no-store"},
		{"csp", SecurityHeadersConfig{}, "Content-Security-Policy",
			"base-uri 'none'; default-src 'none'; form-action 'none'; frame-ancestors 'none'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serveWithHeaders(tt.cfg)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, w.Header().Get(tt.header))
		})
	}
}

func TestBuildCSP_Overrides(t *testing.T) {
	csp := buildCSP(map[string]string{"default-src": "'self'", "img-src": "data:"})
	assert.Equal(t, "base-uri 'none'; default-src 'self'; form-action 'none'; frame-ancestors 'none'; img-src data:", csp)
}
