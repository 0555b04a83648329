package request

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dental/clinic/internal/platform/apperr"
	"github.com/dental/clinic/internal/platform/auth"
	"github.com/dental/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the staff endpoints on api and the intake endpoint on
// public. intake wraps only the public route, typically with a rate limiter.
func (h *Handler) RegisterRoutes(api, public *echo.Group, intake ...echo.MiddlewareFunc) {
	public.POST("/appointment-requests", h.Submit, intake...)

	g := api.Group("/appointment-requests", auth.RequireRole(auth.StaffRoles...))
	g.GET("", h.List)
	g.GET("/required-role", h.RequiredRole)
	g.GET("/:requestId", h.Get)
	g.POST("/:requestId/transitions", h.Transition)
	g.POST("/:requestId/notifications", h.MarkNotified)
}

func (h *Handler) Submit(c echo.Context) error {
	var in SubmitInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.IPAddress = c.RealIP()
	in.UserAgent = c.Request().UserAgent()

	req, err := h.svc.Submit(c.Request().Context(), in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *Handler) List(c echo.Context) error {
	pg, err := pagination.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var status *Status
	if v := c.QueryParam("status"); v != "" {
		st, err := ParseStatus(v)
		if err != nil {
			return apperr.ToHTTP(err)
		}
		status = &st
	}

	items, total, err := h.svc.ListByStatus(c.Request().Context(), status, pg.Page, pg.PageSize)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	pg, _ = pg.Normalize()
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Get(c echo.Context) error {
	v, err := h.svc.Get(c.Request().Context(), c.Param("requestId"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

type transitionBody struct {
	Status    string     `json:"status"`
	PatientID *uuid.UUID `json:"patient_id,omitempty"`
	DentistID *uuid.UUID `json:"dentist_id,omitempty"`
	Date      string     `json:"date,omitempty"`
	StartTime string     `json:"start_time,omitempty"`
	EndTime   string     `json:"end_time,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
}

func (h *Handler) Transition(c echo.Context) error {
	var body transitionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	target, err := ParseStatus(strings.TrimSpace(body.Status))
	if err != nil {
		return apperr.ToHTTP(err)
	}

	ctx := c.Request().Context()
	tc := TransitionContext{
		ActorRole: auth.HighestRole(auth.RolesFromContext(ctx)),
		ActorID:   auth.UserIDFromContext(ctx),
		PatientID: body.PatientID,
		DentistID: body.DentistID,
		StartTime: body.StartTime,
		EndTime:   body.EndTime,
		Notes:     body.Notes,
	}
	if body.Date != "" {
		d, err := time.Parse(DateLayout, body.Date)
		if err != nil {
			return apperr.ToHTTP(apperr.AtStep(apperr.StepSchedule, apperr.Invalid("date", "must be YYYY-MM-DD")))
		}
		tc.Date = &d
	}

	req, err := h.svc.Transition(ctx, c.Param("requestId"), target, tc)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	v, err := h.svc.view(ctx, req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

type notificationBody struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
}

func (h *Handler) MarkNotified(c echo.Context) error {
	var body notificationBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ch, err := ParseChannel(body.Channel)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	req, err := h.svc.MarkNotified(c.Request().Context(), c.Param("requestId"), ch, body.Success)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) RequiredRole(c echo.Context) error {
	from, err := ParseStatus(c.QueryParam("from"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	to, err := ParseStatus(c.QueryParam("to"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	role, err := RequiredRole(from, to)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"from": string(from), "to": string(to), "role": role})
}
