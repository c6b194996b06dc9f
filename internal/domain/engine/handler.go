package engine

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/oncaudit/oncaudit/internal/domain/export"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/episodes/:id/annotate", h.Annotate)
	api.POST("/episodes/:id/validate", h.Validate)
	api.POST("/episodes/:id/export", h.Export)
	api.GET("/episodes/:id/exports", h.ListExports)
	api.GET("/rule-tables", h.RuleTables)
	api.GET("/staging-tables", h.StagingTables)
}

func (h *Handler) Annotate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ann, err := h.svc.Annotate(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, ann)
}

func (h *Handler) Validate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	vr, err := h.svc.Validate(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, vr)
}

func (h *Handler) Export(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var version export.SchemaVersion
	if v := c.QueryParam("schema_version"); v != "" {
		version, err = export.ParseSchemaVersion(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	res, err := h.svc.Export(c.Request().Context(), id, version)
	if err != nil {
		if errors.Is(err, ErrExportRefused) {
			// The report carries the missing fields; the caller needs it.
			return c.JSON(http.StatusUnprocessableEntity, res)
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// RuleTables and StagingTables expose which table versions the running
// engine is pinned to, so a submitter can tell what a report was computed
// against.
func (h *Handler) RuleTables(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.engine.RuleTable())
}

func (h *Handler) StagingTables(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.engine.StagingTables())
}

func (h *Handler) ListExports(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListExports(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}
