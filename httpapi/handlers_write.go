package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"rerum.dev/internal/apierr"
	"rerum.dev/pipeline"
	"rerum.dev/versioning"
)

func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
}

func bindDocument(c echo.Context) (versioning.Document, error) {
	var body versioning.Document
	if err := c.Bind(&body); err != nil {
		return nil, &apierr.ValidationError{Field: "body", Message: "must be a JSON object"}
	}
	return body, nil
}

func locationFor(d versioning.Document) string { return d.ID() }

func respondWrite(c echo.Context, status int, res pipeline.WriteResult, err error) error {
	if err != nil {
		return err
	}
	if res.NotModified {
		return c.NoContent(http.StatusNotModified)
	}
	c.Response().Header().Set(echo.HeaderLocation, locationFor(res.Document))
	return writeJSON(c, status, res.Document)
}

func (h *Handlers) postCreate(c echo.Context) error {
	body, err := bindDocument(c)
	if err != nil {
		return err
	}
	doc, err := h.write.Create(c.Request().Context(), bearerToken(c), body)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, locationFor(doc))
	return writeJSON(c, http.StatusCreated, doc)
}

func (h *Handlers) postBulkCreate(c echo.Context) error {
	var bodies []versioning.Document
	if err := c.Bind(&bodies); err != nil {
		return &apierr.ValidationError{Field: "body", Message: "must be a JSON array"}
	}
	docs, err := h.write.BulkCreate(c.Request().Context(), bearerToken(c), bodies)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, docs)
}

func (h *Handlers) putUpdate(c echo.Context) error {
	body, err := bindDocument(c)
	if err != nil {
		return err
	}
	res, err := h.write.Update(c.Request().Context(), bearerToken(c), body)
	return respondWrite(c, http.StatusOK, res, err)
}

func (h *Handlers) patchPatch(c echo.Context) error {
	body, err := bindDocument(c)
	if err != nil {
		return err
	}
	res, err := h.write.Patch(c.Request().Context(), bearerToken(c), body)
	return respondWrite(c, http.StatusOK, res, err)
}

func (h *Handlers) patchSet(c echo.Context) error {
	body, err := bindDocument(c)
	if err != nil {
		return err
	}
	res, err := h.write.Set(c.Request().Context(), bearerToken(c), body)
	return respondWrite(c, http.StatusOK, res, err)
}

func (h *Handlers) patchUnset(c echo.Context) error {
	body, err := bindDocument(c)
	if err != nil {
		return err
	}
	res, err := h.write.Unset(c.Request().Context(), bearerToken(c), body)
	return respondWrite(c, http.StatusOK, res, err)
}

func (h *Handlers) putOverwrite(c echo.Context) error {
	body, err := bindDocument(c)
	if err != nil {
		return err
	}
	res, err := h.write.Overwrite(c.Request().Context(), bearerToken(c), body)
	return respondWrite(c, http.StatusOK, res, err)
}

func (h *Handlers) patchRelease(c echo.Context) error {
	var body struct {
		ID string `json:"@id"`
	}
	if err := c.Bind(&body); err != nil || body.ID == "" {
		return &apierr.ValidationError{Field: "@id", Message: "is required"}
	}
	doc, err := h.write.Release(c.Request().Context(), bearerToken(c), body.ID)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, locationFor(doc))
	return writeJSON(c, http.StatusOK, doc)
}

func (h *Handlers) deleteByID(c echo.Context) error {
	id := c.Param("_id")
	if err := h.write.Delete(c.Request().Context(), bearerToken(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) getCacheStats(c echo.Context) error {
	stats := h.read.Stats()
	body := map[string]interface{}{
		"hits":      stats.Hits,
		"misses":    stats.Misses,
		"sets":      stats.Sets,
		"evictions": stats.Evictions,
		"errors":    stats.Errors,
		"length":    stats.Length,
		"bytes":     stats.Bytes,
		"ttl":       stats.TTL,
		"maxLength": stats.MaxLength,
		"maxBytes":  stats.MaxBytes,
	}
	if c.QueryParam("details") == "true" {
		body["entries"] = h.read.Entries()
	}
	return writeJSON(c, http.StatusOK, body)
}

func (h *Handlers) postCacheClear(c echo.Context) error {
	size, err := h.write.ClearCache(c.Request().Context())
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]interface{}{
		"message":     "Cache cleared",
		"currentSize": size,
	})
}
