package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"markproxy/internal/model"
)

// SecurityHeaders returns an Echo middleware that adds security headers to
// locally served responses and strips hop-by-hop headers from incoming
// requests.
//
// Relayed responses (TargetKey set) keep the upstream's header set untouched.
// The headers are added just before the status line is written, and never
// replace a value the handler already chose.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			model.RemoveHopByHop(c.Request().Header)

			res := c.Response()
			res.Before(func() {
				if c.Get(TargetKey) != nil {
					return
				}
				setDefault(res.Header(), "X-Content-Type-Options", "nosniff")
				setDefault(res.Header(), "X-Frame-Options", "DENY")
			})

			return next(c)
		}
	}
}

func setDefault(h http.Header, key, value string) {
	if h.Get(key) == "" {
		h.Set(key, value)
	}
}
