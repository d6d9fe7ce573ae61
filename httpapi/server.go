// Package httpapi wires the RERUM Read/Write pipelines to an echo router,
// implementing the full RERUM route table under a single /v1 group.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"rerum.dev/internal/apierr"
	"rerum.dev/internal/obslog"
	"rerum.dev/pipeline"
)

// Config configures the router.
type Config struct {
	Read     *pipeline.ReadPipeline
	Write    *pipeline.WritePipeline
	IDPrefix string
	Prefix   string
}

// Handlers holds the pipelines every route delegates to.
type Handlers struct {
	read     *pipeline.ReadPipeline
	write    *pipeline.WritePipeline
	idPrefix string
	prefix   string
}

// New builds an echo.Echo with every RERUM route registered under /v1.
func New(cfg Config) *echo.Echo {
	h := &Handlers{read: cfg.Read, write: cfg.Write, idPrefix: cfg.IDPrefix, prefix: cfg.Prefix}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = h.errorHandler
	// Pre, not Use: the method override must rewrite the request before
	// echo's router matches a route against it, not after.
	e.Pre(methodOverride)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"*"},
	}))

	v1 := e.Group("/v1")

	v1.GET("/id/:_id", h.getByID)
	v1.HEAD("/id/:_id", h.getByID)
	v1.GET("/history/:_id", h.getHistory)
	v1.HEAD("/history/:_id", h.getHistory)
	v1.GET("/since/:_id", h.getSince)
	v1.HEAD("/since/:_id", h.getSince)

	v1.POST("/api/query", h.postQuery)
	v1.HEAD("/api/query", h.postQuery)
	v1.POST("/api/search", h.postSearch)
	v1.POST("/api/search/phrase", h.postSearchPhrase)

	v1.POST("/api/create", h.postCreate)
	v1.POST("/api/bulkCreate", h.postBulkCreate)
	v1.PUT("/api/update", h.putUpdate)
	v1.PATCH("/api/patch", h.patchPatch)
	v1.PATCH("/api/set", h.patchSet)
	v1.PATCH("/api/unset", h.patchUnset)
	v1.PUT("/api/overwrite", h.putOverwrite)
	v1.PATCH("/api/release", h.patchRelease)
	v1.DELETE("/api/delete/:_id", h.deleteByID)

	v1.GET("/api/cache/stats", h.getCacheStats)
	v1.POST("/api/cache/clear", h.postCacheClear)

	return e
}

// methodOverride implements PATCH-over-POST: a POST carrying
// X-HTTP-Method-Override: PATCH is dispatched as if it were a PATCH request.
// Any other override value is rejected here with 405. A POST without the
// header is left alone, so on a PATCH-only route the router's own 405
// handling applies.
func methodOverride(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Method == http.MethodPost {
			if override := c.Request().Header.Get("X-HTTP-Method-Override"); override != "" {
				if strings.EqualFold(override, http.MethodPatch) {
					c.Request().Method = http.MethodPatch
				} else {
					return apierr.ErrMethodNotAllowed
				}
			}
		}
		return next(c)
	}
}

// errorHandler renders any error reaching it into the {status, message}
// shape, echoing the Authorization header and the registration URL on
// 401/403 responses.
func (h *Handlers) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := apierr.StatusCode(err)
	message := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		// A route-table mismatch (unmatched method, unmatched path) never
		// carries one of our sentinel kinds; echo's own status/message win.
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
	}

	body := map[string]interface{}{
		"http_response_code": status,
		"message":            message,
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		body["authorization"] = c.Request().Header.Get("Authorization")
		body["register_at"] = h.prefix
	}

	if sendErr := c.JSON(status, body); sendErr != nil {
		obslog.Logger.WithError(sendErr).Error("failed to write error response")
	}
}
