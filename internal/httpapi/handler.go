// Package httpapi exposes the editing surface and a health probe over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"pillcall/internal/registry"
	"pillcall/internal/schedule"
	"pillcall/internal/storage"
)

// HealthFunc reports component health. A non-nil error marks the process degraded.
type HealthFunc func(ctx context.Context) (map[string]any, error)

type Handler struct {
	svc    *schedule.Service
	health HealthFunc
}

func NewHandler(svc *schedule.Service, health HealthFunc) *Handler {
	return &Handler{svc: svc, health: health}
}

// RegisterRoutes registers the patient routes on g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.PUT("/patients/:owner", h.PutPatient)
	g.PUT("/patients/:owner/schedule", h.ReplaceSchedule)
	g.GET("/patients/:owner/reminders", h.ListReminders)
	g.POST("/patients/:owner/reminders/:id/deactivate", h.Deactivate)
	g.GET("/patients/:owner/outcomes", h.ListOutcomes)
}

// Health handles GET /healthz.
func (h *Handler) Health(c echo.Context) error {
	body := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if h.health == nil {
		return c.JSON(http.StatusOK, body)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()
	details, err := h.health(ctx)
	for k, v := range details {
		body[k] = v
	}
	if err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	return c.JSON(http.StatusOK, body)
}

type patientRequest struct {
	FullName string `json:"full_name"`
	TimeZone string `json:"time_zone"`
	Contact  string `json:"contact"`
}

func (h *Handler) PutPatient(c echo.Context) error {
	owner, err := pathID(c, "owner")
	if err != nil {
		return err
	}
	var req patientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.PutPatient(c.Request().Context(), registry.Patient{
		ID:       owner,
		FullName: req.FullName,
		TimeZone: req.TimeZone,
		Contact:  req.Contact,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type scheduleRequest struct {
	Reminders []schedule.RuleInput `json:"reminders"`
}

func (h *Handler) ReplaceSchedule(c echo.Context) error {
	owner, err := pathID(c, "owner")
	if err != nil {
		return err
	}
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	views, err := h.svc.ReplaceSchedule(c.Request().Context(), owner, req.Reminders)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"reminders": views})
}

func (h *Handler) ListReminders(c echo.Context) error {
	owner, err := pathID(c, "owner")
	if err != nil {
		return err
	}
	views, err := h.svc.Upcoming(c.Request().Context(), owner, queryInt(c, "limit"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"reminders": views})
}

func (h *Handler) Deactivate(c echo.Context) error {
	owner, err := pathID(c, "owner")
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Deactivate(c.Request().Context(), owner, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListOutcomes(c echo.Context) error {
	owner, err := pathID(c, "owner")
	if err != nil {
		return err
	}
	outs, err := h.svc.Outcomes(c.Request().Context(), owner, queryInt(c, "limit"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"outcomes": outs})
}

func pathID(c echo.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a positive integer")
	}
	return v, nil
}

func queryInt(c echo.Context, name string) int {
	n, _ := strconv.Atoi(c.QueryParam(name))
	return n
}

func httpError(err error) error {
	switch {
	case errors.Is(err, schedule.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrUnknownPatient), errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case storage.IsTransient(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
