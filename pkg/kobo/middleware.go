package kobo

import (
	"crypto/subtle"

	"github.com/koboldbooks/kobold/pkg/config"
	"github.com/koboldbooks/kobold/pkg/errcodes"
	"github.com/labstack/echo/v4"
)

// Middleware gates device-facing routes on the URL-embedded user token.
// Kobo devices cannot send custom auth headers for sideloaded endpoints, so
// the token rides in the path instead.
type Middleware struct {
	cfg *config.Config
}

func NewMiddleware(cfg *config.Config) *Middleware {
	return &Middleware{cfg: cfg}
}

func (m *Middleware) TokenAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := c.Param("token")
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(m.cfg.UserToken)) != 1 {
				return errcodes.Unauthorized("Invalid token")
			}
			return next(c)
		}
	}
}
