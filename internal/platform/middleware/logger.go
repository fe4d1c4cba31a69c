package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirgw/fhirgw/internal/platform/audit"
)

// Logger emits one structured line per request. The session id is logged
// truncated; full session identifiers never reach log storage.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}

			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())

			if cookie, cerr := c.Cookie(SessionCookieName); cerr == nil && cookie.Value != "" {
				evt = evt.Str("session_id", audit.TruncateSessionID(cookie.Value))
			}

			evt.Msg("request")
			return err
		}
	}
}
