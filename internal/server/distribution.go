package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/teleagg/internal/distribution"
	"github.com/mohammad-safakhou/teleagg/internal/queue/streams"
	"github.com/mohammad-safakhou/teleagg/internal/runtime"
	"github.com/mohammad-safakhou/teleagg/internal/sources"
	"github.com/mohammad-safakhou/teleagg/internal/tasks"
)

// OverviewReader produces the read-only assignment snapshot.
type OverviewReader interface {
	Overview(ctx context.Context) (distribution.Overview, error)
}

// LagFunc reports task queue lag.
type LagFunc func(ctx context.Context) (streams.LagMetrics, error)

type DistributionHandler struct {
	Tasks    TaskDispatcher
	Results  tasks.ResultStore
	Overview OverviewReader
	Lag      LagFunc
}

func (h *DistributionHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("/distribute", h.distribute, runtime.RequireScopes(runtime.ScopeAdmin))
	g.POST("/redistribute", h.redistribute, runtime.RequireScopes(runtime.ScopeAdmin))
	g.POST("/clean-duplicates", h.cleanDuplicates, runtime.RequireScopes(runtime.ScopeAdmin))
	g.GET("/overview", h.overview, runtime.RequireScopes(runtime.ScopeViewer))
	g.GET("/queue", h.queue, runtime.RequireScopes(runtime.ScopeViewer))
}

// RegisterTasks mounts task polling.
func (h *DistributionHandler) RegisterTasks(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("/:id", h.task, runtime.RequireScopes(runtime.ScopeViewer))
}

// distribute accepts an optional body; an empty target list distributes every eligible source.
func (h *DistributionHandler) distribute(c echo.Context) error {
	var req DistributeRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	var targets []string
	for _, t := range req.Targets {
		if key := sources.NormalizeKey(t); key != "" {
			targets = append(targets, key)
		}
	}
	return enqueue(c, h.Tasks, tasks.Payload{Kind: tasks.KindDistribute, Targets: targets})
}

func (h *DistributionHandler) redistribute(c echo.Context) error {
	return enqueue(c, h.Tasks, tasks.Payload{Kind: tasks.KindRedistribute})
}

func (h *DistributionHandler) cleanDuplicates(c echo.Context) error {
	return enqueue(c, h.Tasks, tasks.Payload{Kind: tasks.KindCleanDuplicates})
}

func (h *DistributionHandler) overview(c echo.Context) error {
	if h.Overview == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "overview not configured")
	}
	ov, err := h.Overview.Overview(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ov)
}

func (h *DistributionHandler) queue(c echo.Context) error {
	if h.Lag == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue metrics not configured")
	}
	lag, err := h.Lag(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, lag)
}

func (h *DistributionHandler) task(c echo.Context) error {
	rec, ok, err := h.Results.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found or expired")
	}
	return c.JSON(http.StatusOK, rec)
}
