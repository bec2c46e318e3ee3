package consent

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consent/internal/platform/auth"
	"github.com/ehr/consent/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RolePractitioner, auth.RoleConsentManager))
	readGroup.GET("/consent-contracts/:id", h.GetContract)
	readGroup.GET("/patients/:patient_id/consent-contracts", h.ListForPatient)
	readGroup.GET("/consent-contracts/:id/access-logs", h.GetAccessLogs)
	readGroup.GET("/consent-contracts/:id/audit-trail", h.GetAuditTrail)

	// Patients grant and withdraw; practitioners request.
	grantGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RolePractitioner, auth.RoleConsentManager))
	grantGroup.POST("/consent-contracts", h.CreateContract)

	revokeGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleConsentManager))
	revokeGroup.POST("/consent-contracts/:id/revoke", h.RevokeContract)

	useGroup := api.Group("", auth.RequireRole(auth.RolePractitioner, auth.RoleConsentManager))
	useGroup.POST("/consent-contracts/:id/execute", h.ExecuteContract)
	useGroup.POST("/consent-contracts/:id/access-logs", h.LogAccess)
	useGroup.POST("/consent-contracts/:id/verify-access", h.VerifyAccess)
}

// httpError maps the error taxonomy onto HTTP status codes.
func httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		c.Response().Header().Set("Retry-After", "1")
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func actorID(c echo.Context) string {
	return auth.ActorIDFromContext(c.Request().Context())
}

// -- Contracts --

func (h *Handler) CreateContract(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	contract, err := h.svc.Create(c.Request().Context(), &req, actorID(c))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, contract)
}

func (h *Handler) GetContract(c echo.Context) error {
	contract, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, contract)
}

func (h *Handler) ListForPatient(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	p, err := pagination.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	filter := ListFilter{
		Status:   Status(c.QueryParam("status")),
		DataType: c.QueryParam("data_type"),
		Limit:    p.Limit,
		Offset:   p.Offset,
	}
	if v := c.QueryParam("requester_id"); v != "" {
		if filter.RequesterID, err = uuid.Parse(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid requester_id")
		}
	}

	items, total, err := h.svc.ListForPatient(c.Request().Context(), patientID, filter)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p).WithLinks(c.Request().URL))
}

type executeRequest struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
}

func (h *Handler) ExecuteContract(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	result, err := h.svc.Execute(c.Request().Context(), c.Param("id"), req.Action, req.Parameters, actorID(c))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RevokeContract(c echo.Context) error {
	var req revokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	contract, err := h.svc.Revoke(c.Request().Context(), c.Param("id"), req.Reason, actorID(c))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, contract)
}

// -- Access logs --

func (h *Handler) LogAccess(c echo.Context) error {
	var in AccessLogInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(in.ActorID) == "" {
		in.ActorID = actorID(c)
	}
	entry, err := h.svc.LogAccess(c.Request().Context(), c.Param("id"), &in)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *Handler) GetAccessLogs(c echo.Context) error {
	p, err := pagination.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	entries, total, err := h.svc.AccessLogs(c.Request().Context(), c.Param("id"), p.Limit, p.Offset)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, p).WithLinks(c.Request().URL))
}

func (h *Handler) GetAuditTrail(c echo.Context) error {
	entries, err := h.svc.AuditTrail(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  entries,
		"total": len(entries),
	})
}

type verifyAccessRequest struct {
	RequesterID uuid.UUID `json:"requester_id"`
	DataType    string    `json:"data_type"`
	ResourceID  string    `json:"resource_id"`
}

func (h *Handler) VerifyAccess(c echo.Context) error {
	var req verifyAccessRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	decision, err := h.svc.VerifyAccess(c.Request().Context(), c.Param("id"), req.RequesterID, req.DataType, req.ResourceID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, decision)
}
