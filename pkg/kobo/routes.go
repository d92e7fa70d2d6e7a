package kobo

import (
	"net/http"

	"github.com/koboldbooks/kobold/pkg/config"
	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"
)

// RegisterRoutes registers the device-facing routes: the token-gated Kobo
// API surface plus the unauthenticated download and image endpoints the
// entitlement URLs point at.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, db *bun.DB, client *http.Client) {
	svc := NewService(db)
	proxy := NewProxy(cfg.KoboStoreBaseURL, client)
	h := newHandler(svc, proxy, client)

	mw := NewMiddleware(cfg)
	api := e.Group("/api/kobo/:token", mw.TokenAuth())

	api.GET("/v1/initialization", h.handleInitialization)
	api.POST("/v1/auth/device", h.handleAuthDevice)
	api.GET("/v1/library/sync", h.handleSync)
	api.GET("/v1/library/:bookId/state", h.handleGetState)
	api.PUT("/v1/library/:bookId/state", h.handlePutState)
	api.Any("/*", h.handleCatchAll)

	e.GET("/download/:bookId", h.handleDownload)
	e.GET("/images/:imageId/:width/:height/:grey/img.jpg", h.handleCover)
}
