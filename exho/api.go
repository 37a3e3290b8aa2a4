package exho

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	apiPrefix        = "/api"
	apiPathStatus    = "/status"
	apiHealthCheck   = "/healthz"
	xRequestIDHeader = "X-Request-ID"
)

// API is the read-only status HTTP server
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

type healthCheckResponse struct {
	QueueSize               int  `json:"queue_size"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

// statusSnapshot is reported by GET /api/status and the /status command
type statusSnapshot struct {
	Version                 string         `json:"version"`
	Uptime                  string         `json:"uptime"`
	UptimeSeconds           int64          `json:"uptime_seconds"`
	QueueSize               int            `json:"queue_size"`
	QueueDispatched         int64          `json:"queue_dispatched"`
	StoredHistories         int            `json:"stored_histories"`
	MessagesHandled         int64          `json:"messages_handled"`
	CommandsHandled         int64          `json:"commands_handled"`
	Guilds                  int            `json:"guilds"`
	TextModel               string         `json:"text_model"`
	DiscordGatewayConnected bool           `json:"discord_gateway_connected"`
	RequestMetrics          map[string]int `json:"request_metrics,omitempty"`
}

func newAPI(e *Exho, config *APIConfig) *API {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         newComponentLogger(config.LogLevel, "api"),
	}
	api.handlers = &APIHandlers{e: e, api: api}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)
	r.GET(apiPrefix+apiPathStatus, api.handlers.status)
	return api
}

// Serve listens on the configured address and serves until ctx is done
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving status API", "addr", a.listener.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.WriteTimeout+time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down API server", tint.Err(err))
		}
	}()

	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *API) metrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	return maps.Clone(a.requestMetrics)
}

// APIHandlers holds the gin handlers for the status API
type APIHandlers struct {
	e   *Exho
	api *API
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			QueueSize:               h.e.queue.Len(),
			DiscordGatewayConnected: h.e.discord.Connected(),
		},
	)
}

func (h *APIHandlers) status(c *gin.Context) {
	snapshot := h.e.statusSnapshot(c.Request.Context())
	snapshot.RequestMetrics = h.api.metrics()
	c.JSON(http.StatusOK, snapshot)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger from the gin context,
// creating it (with request details included) on first use.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Debug(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}
