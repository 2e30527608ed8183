package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.Handle(method, "/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(method, "/test", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "")

	headers := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Cache-Control":           "no-store",
	}
	for header, expected := range headers {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
}

func TestCORS_AllowedOrigin(t *testing.T) {
	w := serve(CORSMiddleware([]string{"https://ops.example"}), http.MethodGet, "https://ops.example")
	assert.Equal(t, "https://ops.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORS_UnknownOrigin(t *testing.T) {
	w := serve(CORSMiddleware([]string{"https://ops.example"}), http.MethodGet, "https://evil.example")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS_NoOriginsConfigured(t *testing.T) {
	w := serve(CORSMiddleware(nil), http.MethodGet, "https://ops.example")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_WildcardWithoutCredentials(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodGet, "https://any.example")
	assert.Equal(t, "https://any.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORS_Preflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://any.example")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

type fakeResolver map[string][]string

func (f fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestEndpointPolicy(t *testing.T) {
	strict := EndpointPolicy{RequireHTTPS: true, Resolver: fakeResolver{
		"hooks.example":    {"93.184.216.34"},
		"internal.example": {"10.0.0.7"},
	}}
	ctx := context.Background()

	assert.NoError(t, strict.Validate(ctx, "https://hooks.example/review"))
	assert.NoError(t, strict.Validate(ctx, "https://93.184.216.34/review"))

	for _, bad := range []string{
		"http://hooks.example/review",
		"ftp://hooks.example",
		"https://",
		"https://localhost:8080",
		"https://127.0.0.1",
		"https://192.168.1.10",
		"https://169.254.169.254/latest",
		"https://internal.example",
		"https://unknown.example",
	} {
		assert.Error(t, strict.Validate(ctx, bad), bad)
	}

	dev := EndpointPolicy{AllowPrivate: true}
	assert.NoError(t, dev.Validate(ctx, "http://localhost:4337"))
}
