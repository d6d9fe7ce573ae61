package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

const jsonContentType = "application/json; charset=utf-8"

// writeCacheable sends a ReadPipeline result as a JSON response, setting
// X-Cache and (for HEAD requests) writing only headers with the body's
// Content-Length, never the body itself.
func writeCacheable(c echo.Context, status int, body []byte, hit bool, cacheControl string) error {
	if hit {
		c.Response().Header().Set("X-Cache", "HIT")
	} else {
		c.Response().Header().Set("X-Cache", "MISS")
	}
	if cacheControl != "" && hit {
		c.Response().Header().Set("Cache-Control", cacheControl)
	}

	if c.Request().Method == http.MethodHead {
		c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(body)))
		c.Response().WriteHeader(status)
		return nil
	}
	return c.Blob(status, jsonContentType, body)
}

func writeJSON(c echo.Context, status int, v interface{}) error {
	return c.JSON(status, v)
}
