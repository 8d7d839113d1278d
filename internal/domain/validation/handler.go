package validation

import (
	"errors"
	"net/http"

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
	readGroup := api.Group("", auth.RequireRole(auth.ReadRoles...))
	readGroup.GET("/validation-rules", h.ListRules)
	readGroup.GET("/validation-rules/:id", h.GetRule)
	readGroup.GET("/test-results", h.ListResults)
	readGroup.GET("/test-results/:id", h.GetResult)
	readGroup.GET("/critical-notifications", h.ListNotifications)
	readGroup.GET("/critical-notifications/:id", h.GetNotification)
	readGroup.POST("/validation/evaluate", h.Evaluate)
	// Clinicians receiving a critical call-back acknowledge it.
	readGroup.POST("/critical-notifications/:id/acknowledge", h.AcknowledgeNotification)

	writeGroup := api.Group("", auth.RequireRole(auth.WriteRoles...))
	writeGroup.POST("/validation-rules", h.CreateRule)
	writeGroup.PUT("/validation-rules/:id", h.UpdateRule)
	writeGroup.DELETE("/validation-rules/:id", h.DeleteRule)
	writeGroup.POST("/test-results", h.SubmitResult)
	writeGroup.POST("/test-results/:id/validate", h.ValidateResult)
	writeGroup.POST("/test-results/:id/finalize", h.FinalizeResult)
}

// httpError maps service errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidRule):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyAcknowledged), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Validation rules --

func (h *Handler) CreateRule(c echo.Context) error {
	var r ValidationRule
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r.TenantID = db.TenantFromContext(c.Request().Context())
	if err := h.svc.CreateRule(c.Request().Context(), &r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetRule(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListRules(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.svc.ListRules(ctx, db.TenantFromContext(ctx), c.QueryParam("test_code"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.FromRequest(c, items, total, pg))
}

func (h *Handler) UpdateRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var r ValidationRule
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r.ID = id
	r.TenantID = db.TenantFromContext(c.Request().Context())
	if err := h.svc.UpdateRule(c.Request().Context(), &r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeleteRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteRule(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Test results --

func (h *Handler) SubmitResult(c echo.Context) error {
	var r TestResult
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r.TenantID = db.TenantFromContext(c.Request().Context())
	report, err := h.svc.Submit(c.Request().Context(), &r)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, report)
}

func (h *Handler) GetResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetResult(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListResults(c echo.Context) error {
	pg := pagination.FromContext(c)
	pid, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id query parameter is required")
	}
	items, total, err := h.svc.ListResultsByPatient(c.Request().Context(), pid, c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.FromRequest(c, items, total, pg))
}

func (h *Handler) ValidateResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	report, err := h.svc.ValidateResult(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

type finalizeRequest struct {
	ReviewedBy string `json:"reviewed_by"`
}

// FinalizeResult releases a result. The reviewer defaults to the caller.
func (h *Handler) FinalizeResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req finalizeRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if req.ReviewedBy == "" {
		req.ReviewedBy = auth.UserIDFromContext(c.Request().Context())
	}
	r, err := h.svc.Finalize(c.Request().Context(), id, req.ReviewedBy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// -- Critical notifications --

func (h *Handler) ListNotifications(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListNotifications(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.FromRequest(c, items, total, pg))
}

func (h *Handler) GetNotification(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	n, err := h.svc.GetNotification(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, n)
}

type acknowledgeRequest struct {
	NotifiedTo string `json:"notified_to"`
	Method     string `json:"method"`
}

func (h *Handler) AcknowledgeNotification(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req acknowledgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	by := auth.UserIDFromContext(c.Request().Context())
	n, err := h.svc.AcknowledgeNotification(c.Request().Context(), id, req.NotifiedTo, req.Method, by)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, n)
}

// -- Dry run --

func (h *Handler) Evaluate(c echo.Context) error {
	var req EvaluateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.DryRun(&req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}
