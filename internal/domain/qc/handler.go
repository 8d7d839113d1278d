package qc

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/lis/internal/platform/auth"
	"github.com/ehr/lis/internal/platform/db"
	"github.com/ehr/lis/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("/qc", auth.RequireRole(auth.ReadRoles...))
	readGroup.GET("/materials", h.ListMaterials)
	readGroup.GET("/materials/:id", h.GetMaterial)
	readGroup.GET("/materials/:id/results", h.ListResults)
	readGroup.GET("/materials/:id/evaluation", h.GetEvaluation)

	writeGroup := api.Group("/qc", auth.RequireRole(auth.WriteRoles...))
	writeGroup.POST("/materials", h.CreateMaterial)
	writeGroup.POST("/materials/:id/results", h.RecordResult)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidMaterial):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "control material not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func materialID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) CreateMaterial(c echo.Context) error {
	var m ControlMaterial
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m.TenantID = db.TenantFromContext(c.Request().Context())
	if err := h.svc.CreateMaterial(c.Request().Context(), &m); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) GetMaterial(c echo.Context) error {
	id, err := materialID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.GetMaterial(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ListMaterials(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMaterials(c.Request().Context(), c.QueryParam("test_code"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.FromRequest(c, items, total, pg))
}

type recordRequest struct {
	Value *float64   `json:"value"`
	RunAt *time.Time `json:"run_at"`
}

func (h *Handler) RecordResult(c echo.Context) error {
	id, err := materialID(c)
	if err != nil {
		return err
	}
	var req recordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Value == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "value is required")
	}
	var runAt time.Time
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	report, err := h.svc.RecordResult(c.Request().Context(), id, *req.Value, runAt, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, report)
}

func (h *Handler) ListResults(c echo.Context) error {
	id, err := materialID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.RecentResults(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetEvaluation(c echo.Context) error {
	id, err := materialID(c)
	if err != nil {
		return err
	}
	ev, err := h.svc.CurrentEvaluation(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ev)
}
