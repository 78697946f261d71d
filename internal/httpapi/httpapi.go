// Package httpapi implements the Pusher-compatible HTTP control API
// (spec §4.H): signed event ingress for application backends, plus
// read-only channel and user queries backed by the cluster adapter.
package httpapi

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulsehub-io/pulsehub/internal/adapter"
	"github.com/pulsehub-io/pulsehub/internal/apperr"
	"github.com/pulsehub-io/pulsehub/internal/appregistry"
	"github.com/pulsehub-io/pulsehub/internal/channelregistry"
	"github.com/pulsehub-io/pulsehub/internal/config"
	"github.com/pulsehub-io/pulsehub/internal/logging"
	"github.com/pulsehub-io/pulsehub/internal/quota"
	"github.com/pulsehub-io/pulsehub/internal/signature"
)

const httpAPIRateBurst = 100

var httpAPIRateWindow = 10 * time.Second

// Handler wires the control API's routes to their collaborators.
type Handler struct {
	apps     *appregistry.Registry
	registry *channelregistry.Registry
	adapter  adapter.Adapter
	quota    *quota.Limiter
	cfg      *config.Config
}

// NewHandler builds a Handler over its collaborators.
func NewHandler(apps *appregistry.Registry, registry *channelregistry.Registry, ad adapter.Adapter, limiter *quota.Limiter, cfg *config.Config) *Handler {
	return &Handler{apps: apps, registry: registry, adapter: ad, quota: limiter, cfg: cfg}
}

// NewRouter builds a standalone gin.Engine serving every route under
// /apps/{app_id}, with signature verification and per-app rate
// limiting applied ahead of every handler. Used directly by tests;
// RegisterRoutes is the composable form the process entrypoint mounts
// onto its shared engine alongside the WebSocket gateway's routes.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(h.accessLog())
	RegisterRoutes(h, r)
	return r
}

// RegisterRoutes wires the control API's routes onto an existing
// router group.
func RegisterRoutes(h *Handler, r gin.IRouter) {
	group := r.Group("/apps/:app_id")
	group.Use(h.authenticate)
	group.POST("/events", h.TriggerEvent)
	group.POST("/batch_events", h.TriggerBatchEvents)
	group.GET("/channels", h.ListChannels)
	group.GET("/channels/:name", h.ChannelInfo)
	group.GET("/channels/:name/users", h.ChannelUsers)
	group.POST("/users/:user_id/terminate_connections", h.TerminateUserConnections)
}

func (h *Handler) accessLog() gin.HandlerFunc {
	log := logging.HTTPAPI()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("control api request")
	}
}

const appContextKey = "app"

func appFrom(c *gin.Context) *appregistry.Application {
	return c.MustGet(appContextKey).(*appregistry.Application)
}

// authenticate resolves the application, verifies the Pusher v1.1
// request signature over the raw body and query string, and enforces
// the per-app HTTP API rate bucket, before any route handler runs.
func (h *Handler) authenticate(c *gin.Context) {
	appID := c.Param("app_id")
	app, err := h.apps.FindByID(c.Request.Context(), appID)
	if err != nil {
		writeError(c, &apperr.AppError{Code: apperr.CodeAppNotFound, Message: "no application for this id", StatusCode: http.StatusNotFound})
		return
	}
	if !app.Enabled {
		writeError(c, &apperr.AppError{Code: apperr.CodeAppDisabled, Message: "application is disabled", StatusCode: http.StatusForbidden})
		return
	}

	if rejErr := h.quota.Consume(app.ID, quota.CategoryHTTPAPI, app.ID, httpAPIRateBurst, httpAPIRateWindow, 1); rejErr != nil {
		writeError(c, apperr.Quota(apperr.CodeRateLimited, "too many API calls", 0))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, apperr.Internal(err))
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	query := c.Request.URL.Query()
	sig := query.Get("auth_signature")
	query.Del("auth_signature")

	req := signature.APIRequest{Method: c.Request.Method, Path: c.Request.URL.Path, Query: query, Body: body}
	if err := signature.VerifyAPIRequest(app.Key, app.Secret, req, sig, time.Now()); err != nil {
		writeError(c, apperr.Auth(apperr.CodeAuthFailed, err.Error()))
		return
	}

	c.Set(appContextKey, app)
	c.Next()
}

func writeError(c *gin.Context, e *apperr.AppError) {
	c.AbortWithStatusJSON(e.StatusCode, e.ToResponse())
}

func channelInfoWanted(infoParam, key string) bool {
	for _, part := range strings.Split(infoParam, ",") {
		if strings.TrimSpace(part) == key {
			return true
		}
	}
	return false
}
