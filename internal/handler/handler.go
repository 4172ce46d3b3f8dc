package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/high-seas/internal/client/tmdb"
	"github.com/high-seas/internal/model"
	"github.com/high-seas/internal/service/catalog"
	"github.com/high-seas/internal/service/library"
	"github.com/high-seas/internal/service/orchestrator"
	"github.com/high-seas/internal/store"
	"github.com/high-seas/internal/version"
)

// Requests is the orchestrator surface the API needs.
type Requests interface {
	Submit(ctx context.Context, in model.SubmitInput) (*model.MediaRequest, bool, error)
	Get(ctx context.Context, id string) (*model.MediaRequest, error)
	List(ctx context.Context, f store.Filter) ([]*model.MediaRequest, error)
	Events(ctx context.Context, id string) ([]model.RequestEvent, error)
	RefreshPresence(ctx context.Context, id string) (*model.MediaRequest, error)
	RefreshLibrary(ctx context.Context) (int, error)
}

// Catalog is the cached catalog surface; *catalog.Service satisfies it.
type Catalog interface {
	Stats() catalog.Stats
	Genres(ctx context.Context, kind model.MediaKind) ([]model.Genre, error)
}

type LibraryStatus interface {
	LastRefresh() time.Time
	Stale() bool
	Size() (movies, shows int)
}

type SchedulerStatus interface {
	IsRunning() bool
}

type Handler struct {
	requests  Requests
	catalog   Catalog
	library   LibraryStatus
	scheduler SchedulerStatus
}

func New(requests Requests, catalog Catalog, library LibraryStatus, sched SchedulerStatus) *Handler {
	return &Handler{
		requests:  requests,
		catalog:   catalog,
		library:   library,
		scheduler: sched,
	}
}

// RegisterRoutes sets up the HTTP routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/health", h.Health)

		// Requests
		api.POST("/requests", h.Submit)
		api.GET("/requests", h.List)
		api.GET("/requests/:id", h.Get)
		api.GET("/requests/:id/events", h.Events)
		api.POST("/requests/:id/refresh-presence", h.RefreshPresence)

		// Library and catalog
		api.POST("/library/refresh", h.RefreshLibrary)
		api.GET("/catalog/stats", h.CatalogStats)
		api.GET("/catalog/genres/:kind", h.Genres)
	}

	// Legacy endpoints (for backwards compatibility)
	r.POST("/movie/query", h.legacySubmit(model.KindMovie))
	r.POST("/show/query", h.legacySubmit(model.KindTV))
	r.POST("/anime/movie/query", h.legacySubmit(model.KindAnimeMovie))
	r.POST("/anime/show/query", h.legacySubmit(model.KindAnimeTV))
}

// Health returns service health status
func (h *Handler) Health(c *gin.Context) {
	movies, shows := h.library.Size()
	resp := gin.H{
		"status":    "ok",
		"version":   version.Version,
		"scheduler": h.scheduler.IsRunning(),
		"library": gin.H{
			"movies": movies,
			"shows":  shows,
			"stale":  h.library.Stale(),
		},
	}
	if last := h.library.LastRefresh(); !last.IsZero() {
		resp["library"].(gin.H)["last_refresh"] = last
	}
	c.JSON(http.StatusOK, resp)
}

// Submit accepts a new request. 201 when created, 200 when an active request
// already covers it.
func (h *Handler) Submit(c *gin.Context) {
	var in model.SubmitInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, &model.ValidationError{Message: "malformed JSON body: " + err.Error()})
		return
	}
	h.submit(c, in)
}

func (h *Handler) legacySubmit(kind model.MediaKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in model.SubmitInput
		if err := c.ShouldBindJSON(&in); err != nil {
			writeError(c, &model.ValidationError{Message: "malformed JSON body: " + err.Error()})
			return
		}
		in.MediaKind = string(kind)
		h.submit(c, in)
	}
}

func (h *Handler) submit(c *gin.Context, in model.SubmitInput) {
	req, created, err := h.requests.Submit(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"id":      req.ID,
		"state":   req.State,
		"created": created,
		"request": req,
	})
}

// List returns requests, newest first. Optional filters: state, kind, limit.
func (h *Handler) List(c *gin.Context) {
	var f store.Filter

	if s := c.Query("state"); s != "" {
		st, ok := model.ParseState(s)
		if !ok {
			writeError(c, &model.ValidationError{Field: "state", Message: "unknown state " + strconv.Quote(s)})
			return
		}
		f.State = st
	}
	if k := c.Query("kind"); k != "" {
		kind, ok := model.ParseMediaKind(k)
		if !ok {
			writeError(c, &model.ValidationError{Field: "kind", Message: "unknown media kind " + strconv.Quote(k)})
			return
		}
		f.Kind = kind
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(c, &model.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
			return
		}
		f.Limit = n
	}

	reqs, err := h.requests.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":    len(reqs),
		"requests": reqs,
	})
}

func (h *Handler) Get(c *gin.Context) {
	req, err := h.requests.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) Events(c *gin.Context) {
	events, err := h.requests.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":     c.Param("id"),
		"events": events,
	})
}

func (h *Handler) RefreshPresence(c *gin.Context) {
	req, err := h.requests.RefreshPresence(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// RefreshLibrary re-reads the media server and re-checks pending requests. A
// failed refresh is reported but the sweep still ran on the old data.
func (h *Handler) RefreshLibrary(c *gin.Context) {
	n, err := h.requests.RefreshLibrary(c.Request.Context())

	var rerr *library.RefreshError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"message":   "library refreshed",
			"available": n,
		})
	case errors.As(err, &rerr):
		c.JSON(http.StatusOK, gin.H{
			"message":   "library refresh failed, presence data is stale",
			"warning":   rerr.Error(),
			"available": n,
		})
	default:
		writeError(c, err)
	}
}

// CatalogStats returns catalog cache statistics
func (h *Handler) CatalogStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats": h.catalog.Stats(),
	})
}

// Genres returns the catalog genre list for a media kind
func (h *Handler) Genres(c *gin.Context) {
	kind, ok := model.ParseMediaKind(c.Param("kind"))
	if !ok {
		writeError(c, &model.ValidationError{Field: "kind", Message: "unknown media kind " + strconv.Quote(c.Param("kind"))})
		return
	}

	genres, err := h.catalog.Genres(c.Request.Context(), kind)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mediaKind": kind,
		"genres":    genres,
	})
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeError(c *gin.Context, err error) {
	status, body := classify(err)
	c.JSON(status, gin.H{"error": body})
}

func classify(err error) (int, apiError) {
	var (
		ve *model.ValidationError
		nf *model.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, apiError{Kind: "validation", Message: ve.Message, Field: ve.Field}
	case errors.As(err, &nf):
		return http.StatusNotFound, apiError{Kind: "not_found", Message: nf.Error()}
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, apiError{Kind: "conflict", Message: err.Error()}
	case errors.Is(err, tmdb.ErrInvalid):
		return http.StatusBadGateway, apiError{Kind: "lookup_invalid", Message: err.Error()}
	case errors.Is(err, tmdb.ErrUnavailable):
		return http.StatusServiceUnavailable, apiError{Kind: "lookup_unavailable", Message: err.Error()}
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable, apiError{Kind: "unavailable", Message: err.Error()}
	}
	return http.StatusInternalServerError, apiError{Kind: "internal", Message: err.Error()}
}
