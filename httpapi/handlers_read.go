package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"rerum.dev/internal/apierr"
	"rerum.dev/pipeline"
)

func pagingParams(c echo.Context) (limit, skip int) {
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.QueryParam("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			skip = n
		}
	}
	return limit, skip
}

func respondRead(c echo.Context, res pipeline.ReadResult, err error) error {
	if err != nil {
		return err
	}
	if !res.Found {
		return apierr.ErrNotFound
	}
	return writeCacheable(c, http.StatusOK, res.Body, res.Hit, res.CacheControl)
}

func (h *Handlers) getByID(c echo.Context) error {
	res, err := h.read.ByID(c.Request().Context(), c.Param("_id"))
	return respondRead(c, res, err)
}

func (h *Handlers) getHistory(c echo.Context) error {
	res, err := h.read.History(c.Request().Context(), c.Param("_id"))
	return respondRead(c, res, err)
}

func (h *Handlers) getSince(c echo.Context) error {
	res, err := h.read.Since(c.Request().Context(), c.Param("_id"))
	return respondRead(c, res, err)
}

func (h *Handlers) postQuery(c echo.Context) error {
	var body map[string]interface{}
	if err := c.Bind(&body); err != nil {
		return &apierr.ValidationError{Field: "body", Message: "must be a JSON object"}
	}
	limit, skip := pagingParams(c)
	res, err := h.read.Query(c.Request().Context(), body, limit, skip, nil)
	return respondRead(c, res, err)
}

// searchRequest is the optional structured body for /api/search and
// /api/search/phrase; a request whose Content-Type isn't JSON is treated as
// raw search text instead.
type searchRequest struct {
	SearchText string                 `json:"searchText"`
	Options    map[string]interface{} `json:"options"`
}

func bindSearchText(c echo.Context) (text string, options map[string]interface{}, err error) {
	var req searchRequest
	if bindErr := c.Bind(&req); bindErr == nil && req.SearchText != "" {
		return req.SearchText, req.Options, nil
	}

	raw, readErr := io.ReadAll(c.Request().Body)
	if readErr != nil {
		return "", nil, &apierr.ValidationError{Field: "body", Message: "could not read request body"}
	}
	if len(raw) == 0 {
		return "", nil, &apierr.ValidationError{Field: "searchText", Message: "is required"}
	}
	return string(raw), nil, nil
}

func (h *Handlers) postSearch(c echo.Context) error {
	text, options, err := bindSearchText(c)
	if err != nil {
		return err
	}
	limit, skip := pagingParams(c)
	res, err := h.read.Search(c.Request().Context(), text, limit, skip, options)
	return respondRead(c, res, err)
}

func (h *Handlers) postSearchPhrase(c echo.Context) error {
	text, options, err := bindSearchText(c)
	if err != nil {
		return err
	}
	limit, skip := pagingParams(c)
	res, err := h.read.SearchPhrase(c.Request().Context(), text, limit, skip, options)
	return respondRead(c, res, err)
}
