package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/teleagg/internal/runtime"
	"github.com/mohammad-safakhou/teleagg/internal/store"
	"github.com/mohammad-safakhou/teleagg/internal/tasks"
)

// SessionStore is the session registry surface used by the HTTP layer.
type SessionStore interface {
	ListSessions(ctx context.Context) ([]store.Session, error)
	GetSessionByPhone(ctx context.Context, phone string) (store.Session, bool, error)
	CreateSession(ctx context.Context, sess store.Session) (store.Session, error)
	SetSessionStatus(ctx context.Context, phone, status string) error
}

// TaskDispatcher enqueues distribution tasks.
type TaskDispatcher interface {
	Enqueue(ctx context.Context, p tasks.Payload) (tasks.Record, error)
}

type SessionsHandler struct {
	Store SessionStore
	Tasks TaskDispatcher
}

func (h *SessionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("", h.list, runtime.RequireScopes(runtime.ScopeViewer))
	g.GET("/:phone", h.get, runtime.RequireScopes(runtime.ScopeViewer))
	g.POST("", h.create, runtime.RequireScopes(runtime.ScopeAdmin))
	g.PATCH("/:phone/status", h.setStatus, runtime.RequireScopes(runtime.ScopeAdmin))
	g.DELETE("/:phone", h.remove, runtime.RequireScopes(runtime.ScopeAdmin))
}

func (h *SessionsHandler) list(c echo.Context) error {
	items, err := h.Store.ListSessions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.Session{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *SessionsHandler) get(c echo.Context) error {
	sess, ok, err := h.Store.GetSessionByPhone(c.Request().Context(), c.Param("phone"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *SessionsHandler) create(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	phone := strings.TrimSpace(req.PhoneNumber)
	if phone == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "phone_number required")
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	created, err := h.Store.CreateSession(c.Request().Context(), store.Session{SessionID: id, PhoneNumber: phone, Status: store.SessionStatusActive})
	if err != nil {
		if errors.Is(err, store.ErrSessionExists) {
			return echo.NewHTTPError(http.StatusConflict, "phone number already registered")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *SessionsHandler) setStatus(c echo.Context) error {
	var req SessionStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status := strings.ToLower(strings.TrimSpace(req.Status))
	if status != store.SessionStatusActive && status != store.SessionStatusInactive {
		return echo.NewHTTPError(http.StatusBadRequest, "status must be active or inactive")
	}
	if err := h.Store.SetSessionStatus(c.Request().Context(), c.Param("phone"), status); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// remove enqueues session removal; the worker reassigns the session's channels.
func (h *SessionsHandler) remove(c echo.Context) error {
	phone := strings.TrimSpace(c.Param("phone"))
	_, ok, err := h.Store.GetSessionByPhone(c.Request().Context(), phone)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return enqueue(c, h.Tasks, tasks.Payload{Kind: tasks.KindRemoveSession, PhoneNumber: phone})
}

func enqueue(c echo.Context, d TaskDispatcher, p tasks.Payload) error {
	p.RequestedBy = requestedBy(c)
	rec, err := d.Enqueue(c.Request().Context(), p)
	if err != nil {
		if errors.Is(err, tasks.ErrMissingPhone) || errors.Is(err, tasks.ErrUnknownKind) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusAccepted, TaskAccepted{TaskID: rec.TaskID, Kind: rec.Kind, Status: rec.Status})
}
