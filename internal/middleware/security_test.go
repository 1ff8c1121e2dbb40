package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders_AddsHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", v, "nosniff")
	}
	if v := rec.Header().Get("X-Frame-Options"); v != "DENY" {
		t.Errorf("X-Frame-Options = %q, want %q", v, "DENY")
	}
}

func TestSecurityHeaders_StripsHopByHop(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())

	var gotConnection string
	e.GET("/test", func(c echo.Context) error {
		gotConnection = c.Request().Header.Get("Connection")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if gotConnection != "" {
		t.Errorf("Connection header should be stripped, got %q", gotConnection)
	}
}

func TestSecurityHeaders_StripsConnectionListedHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())

	var gotCustom string
	e.GET("/test", func(c echo.Context) error {
		gotCustom = c.Request().Header.Get("X-Session-Hint")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Connection", "X-Session-Hint")
	req.Header.Set("X-Session-Hint", "abc")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if gotCustom != "" {
		t.Errorf("X-Session-Hint named in Connection should be stripped, got %q", gotCustom)
	}
}

func TestSecurityHeaders_HandlerCanOverride(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.GET("/test", func(c echo.Context) error {
		c.Response().Header().Set("X-Frame-Options", "SAMEORIGIN")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("X-Frame-Options"); v != "SAMEORIGIN" {
		t.Errorf("X-Frame-Options = %q, want %q", v, "SAMEORIGIN")
	}
}

func TestSecurityHeaders_NotAddedToRelayedResponses(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.GET("/flows/*", func(c echo.Context) error {
		c.Set(TargetKey, "https://habr.com/flows/develop")
		return c.HTML(http.StatusOK, "<p>relayed</p>")
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/flows/develop", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	for _, h := range []string{"X-Frame-Options", "X-Content-Type-Options"} {
		if v := rec.Header().Get(h); v != "" {
			t.Errorf("relayed response %s = %q, want empty", h, v)
		}
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("X-Frame-Options"); v != "DENY" {
		t.Errorf("local response X-Frame-Options = %q, want %q", v, "DENY")
	}
}
