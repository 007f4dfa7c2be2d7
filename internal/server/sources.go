package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/teleagg/internal/runtime"
	"github.com/mohammad-safakhou/teleagg/internal/sources"
	"github.com/mohammad-safakhou/teleagg/internal/store"
)

// maxUploadBatch caps the number of sources accepted in one request.
const maxUploadBatch = 500

// SourceStore is the source registry surface used by the HTTP layer.
type SourceStore interface {
	ListSources(ctx context.Context, filter store.SourceFilter) ([]store.Source, error)
	SourceExists(ctx context.Context, url string) (bool, error)
	InsertSource(ctx context.Context, src store.Source) (store.Source, error)
}

// FeedProber fetches a feed to confirm it parses.
type FeedProber interface {
	Probe(ctx context.Context, url string) (sources.FeedInfo, error)
}

type SourcesHandler struct {
	Store  SourceStore
	Prober FeedProber
}

func (h *SourcesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("", h.list, runtime.RequireScopes(runtime.ScopeViewer))
	g.POST("", h.upload, runtime.RequireScopes(runtime.ScopeAdmin))
}

func (h *SourcesHandler) list(c echo.Context) error {
	filter := store.SourceFilter{Type: strings.TrimSpace(c.QueryParam("type"))}
	if raw := c.QueryParam("unassigned"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unassigned must be a boolean")
		}
		filter.Unassigned = v
	}
	items, err := h.Store.ListSources(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.Source{}
	}
	return c.JSON(http.StatusOK, items)
}

// upload registers a batch of targets. Existing urls are reported as duplicates and
// skipped; the batch is not rejected as a whole.
func (h *SourcesHandler) upload(c echo.Context) error {
	var req UploadSourcesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Sources) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "sources required")
	}
	if len(req.Sources) > maxUploadBatch {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too many sources in one request")
	}

	ctx := c.Request().Context()
	resp := UploadSourcesResponse{Results: make([]UploadResult, 0, len(req.Sources))}
	seen := make(map[string]struct{}, len(req.Sources))
	for _, in := range req.Sources {
		res := h.uploadOne(ctx, in, seen, req.Probe)
		switch res.Status {
		case UploadCreated:
			resp.Created++
		case UploadDuplicate:
			resp.Duplicates++
		default:
			resp.Invalid++
		}
		resp.Results = append(resp.Results, res)
	}
	code := http.StatusOK
	if resp.Created > 0 {
		code = http.StatusCreated
	}
	return c.JSON(code, resp)
}

func (h *SourcesHandler) uploadOne(ctx context.Context, in SourceInput, seen map[string]struct{}, probe bool) UploadResult {
	key := sources.NormalizeKey(in.URL)
	res := UploadResult{URL: key}
	if key == "" {
		res.Status, res.Error = UploadInvalid, "url required"
		return res
	}
	if _, dup := seen[key]; dup {
		res.Status = UploadDuplicate
		return res
	}
	seen[key] = struct{}{}

	typ := strings.ToLower(strings.TrimSpace(in.Type))
	if typ == "" {
		typ = sources.DetectType(key)
	}
	res.Type = typ

	exists, err := h.Store.SourceExists(ctx, key)
	if err != nil {
		res.Status, res.Error = UploadInvalid, err.Error()
		return res
	}
	if exists {
		res.Status = UploadDuplicate
		return res
	}

	title := strings.TrimSpace(in.Title)
	if probe && typ == sources.TypeRSS && h.Prober != nil {
		info, err := h.Prober.Probe(ctx, key)
		if err != nil {
			res.Status, res.Error = UploadInvalid, err.Error()
			return res
		}
		if title == "" {
			title = info.Title
		}
	}

	created, err := h.Store.InsertSource(ctx, store.Source{URL: key, Type: typ, Title: title})
	if err != nil {
		if errors.Is(err, store.ErrSourceExists) {
			res.Status = UploadDuplicate
			return res
		}
		res.Status, res.Error = UploadInvalid, err.Error()
		return res
	}
	res.Status, res.ID = UploadCreated, created.ID
	return res
}
