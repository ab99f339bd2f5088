package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/brunobiangulo/nlquery"
	"github.com/brunobiangulo/nlquery/catalog"
	"github.com/brunobiangulo/nlquery/projector"
	"github.com/brunobiangulo/nlquery/retrieval"
	"github.com/brunobiangulo/nlquery/router"
)

const (
	maxRouteDeadline = 2 * time.Minute
	indexTimeout     = 30 * time.Minute
	maxUploadBytes   = 100 << 20
)

type handler struct {
	engine      nlquery.Engine
	catalogPath string
}

func newHandler(e nlquery.Engine, catalogPath string) *handler {
	return &handler{engine: e, catalogPath: catalogPath}
}

func (h *handler) register(e *echo.Echo) {
	e.POST("/route", h.handleRoute)
	e.POST("/index", h.handleIndex)
	e.GET("/schema", h.handleSchema)
	e.POST("/schema/reload", h.handleReloadSchema)
	e.GET("/health", h.handleHealth)
}

type routeRequest struct {
	Question   string `json:"question"`
	Strategy   string `json:"strategy,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	DeadlineMs int    `json:"deadline_ms,omitempty"`
}

// POST /route
func (h *handler) handleRoute(c echo.Context) error {
	var req routeRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid JSON")
	}
	if req.Question == "" {
		return writeError(c, http.StatusBadRequest, "question is required")
	}

	deadline := maxRouteDeadline
	if req.DeadlineMs > 0 {
		deadline = min(time.Duration(req.DeadlineMs)*time.Millisecond, maxRouteDeadline)
	}
	opts := []nlquery.RouteOption{nlquery.WithDeadline(deadline)}
	if req.Strategy != "" {
		s, err := router.ParseStrategy(req.Strategy)
		if err != nil {
			return writeError(c, http.StatusBadRequest, err.Error())
		}
		opts = append(opts, nlquery.WithStrategy(s))
	}
	if req.SessionID != "" {
		opts = append(opts, nlquery.WithSessionID(req.SessionID))
	}

	answer, err := h.engine.Route(c.Request().Context(), req.Question, opts...)
	switch {
	case errors.Is(err, nlquery.ErrDeadlineExceeded):
		return writeError(c, http.StatusGatewayTimeout, "question timed out")
	case errors.Is(err, nlquery.ErrClosed):
		return writeError(c, http.StatusServiceUnavailable, "engine is shutting down")
	case err != nil:
		slog.Error("route error", "question", req.Question, "error", err)
		return writeError(c, http.StatusInternalServerError, "route failed")
	}
	return c.JSON(http.StatusOK, answer)
}

// POST /index
// Without a body the configured database is indexed. A multipart "file"
// upload or a JSON {"xlsx": path} indexes a workbook instead.
func (h *handler) handleIndex(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), indexTimeout)
	defer cancel()

	if fh, err := c.FormFile("file"); err == nil {
		if fh.Size > maxUploadBytes {
			return writeError(c, http.StatusRequestEntityTooLarge, "file too large")
		}
		tmpPath, err := saveUpload(fh.Filename, fh.Open)
		if err != nil {
			slog.Error("saving uploaded workbook", "error", err)
			return writeError(c, http.StatusInternalServerError, "failed to save file")
		}
		defer os.Remove(tmpPath)
		return h.indexWorkbook(ctx, c, tmpPath)
	}

	var req struct {
		XLSX string `json:"xlsx"`
	}
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return writeError(c, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'xlsx'")
		}
	}
	if req.XLSX == "" {
		stats, err := h.engine.IndexRows(ctx)
		return h.indexResult(c, stats, err)
	}

	// Validate that path is a real file (prevents directory traversal probing).
	absPath, err := filepath.Abs(req.XLSX)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid path")
	}
	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		return writeError(c, http.StatusBadRequest, "xlsx must be an existing file")
	}
	return h.indexWorkbook(ctx, c, absPath)
}

func (h *handler) indexWorkbook(ctx context.Context, c echo.Context, path string) error {
	stats, err := h.engine.IndexSource(ctx, &projector.WorkbookSource{Path: path, Catalog: h.engine.Catalog()})
	return h.indexResult(c, stats, err)
}

func (h *handler) indexResult(c echo.Context, stats retrieval.IndexStats, err error) error {
	if err != nil {
		slog.Error("index error", "indexed", stats.Indexed, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, catalog.ErrUnknownTable) {
			status = http.StatusBadRequest
		}
		return c.JSON(status, map[string]any{"error": "indexing failed", "stats": stats})
	}
	return c.JSON(http.StatusOK, map[string]any{"stats": stats})
}

type schemaResponse struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Tables  []catalog.Table `json:"tables"`
}

// GET /schema
func (h *handler) handleSchema(c echo.Context) error {
	cat := h.engine.Catalog()
	return c.JSON(http.StatusOK, schemaResponse{
		Name:    cat.Name(),
		Version: cat.Version(),
		Tables:  h.engine.DescribeSchema(),
	})
}

// POST /schema/reload
func (h *handler) handleReloadSchema(c echo.Context) error {
	var req struct {
		Path string `json:"path"`
	}
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return writeError(c, http.StatusBadRequest, "invalid JSON")
		}
	}
	path := req.Path
	if path == "" {
		path = h.catalogPath
	}
	if path == "" {
		return writeError(c, http.StatusBadRequest, "path is required: no catalog_path configured")
	}

	if err := h.engine.ReloadCatalog(path); err != nil {
		slog.Error("catalog reload error", "path", path, "error", err)
		return writeError(c, http.StatusUnprocessableEntity, err.Error())
	}
	cat := h.engine.Catalog()
	return c.JSON(http.StatusOK, map[string]string{
		"name":    cat.Name(),
		"version": cat.Version(),
	})
}

// GET /health
func (h *handler) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"catalog": h.engine.Catalog().Version(),
	})
}

// saveUpload copies an uploaded file into the temp directory.
func saveUpload(filename string, open func() (multipart.File, error)) (string, error) {
	src, err := open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	// Sanitise filename to prevent path traversal.
	dst, err := os.CreateTemp("", "nlq-*-"+filepath.Base(filename))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func writeError(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}
