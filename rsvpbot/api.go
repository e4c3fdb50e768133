package rsvpbot

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiHealthCheck     = "/healthz"
	apiPrefix          = "/api"
	apiPathEvents      = "/events"
	apiPathEvent       = "/events/:id"
	apiPathEventICS    = "/events/:id/ics"
	apiPathGuildICS    = "/guilds/:guild_id/calendar.ics"
	requestIDHexLength = 32
)

// API serves a read-only view of the registry over HTTP
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	bot        *Bot
}

func newAPI(b *Bot, config *APIConfig) *API {
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api")

	r := gin.New()
	api := &API{
		config: config,
		engine: r,
		logger: logger,
		bot:    b,
	}
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
		requestLoggerMiddleware(logger),
		ginLoggingMiddleware(),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, api.healthCheck)

	v := r.Group(apiPrefix)
	v.GET(apiPathEvents, api.listEvents)
	v.GET(apiPathEvent, api.getEvent)
	v.GET(apiPathEventICS, api.getEventICS)
	v.GET(apiPathGuildICS, api.getGuildCalendar)

	r.NoRoute(
		func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "not found"})
		},
	)
	return api
}

// Serve listens on the configured address and serves until the server
// is shut down, returning http.ErrServerClosed in that case.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// until ctx is done
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
	SchedulerRunning        bool `json:"scheduler_running"`
	Events                  int  `json:"events"`
}

type httpError struct {
	Error string `json:"error"`
}

// eventResponse is the API representation of an Event
type eventResponse struct {
	Event
	EndTime   time.Time `json:"end_time"`
	Attending []string  `json:"attending"`
	Maybe     []string  `json:"maybe"`
	Declined  []string  `json:"declined"`
}

func newEventResponse(e Event) eventResponse {
	return eventResponse{
		Event:     e,
		EndTime:   e.EndTime(),
		Attending: e.Attending(),
		Maybe:     e.Maybe(),
		Declined:  e.Declined(),
	}
}

type listEventsQuery struct {
	GuildID string `form:"guild_id" binding:"required"`

	// All includes events which have already started
	All bool `form:"all"`
}

type listEventsResponse struct {
	Events []eventResponse `json:"events"`
	Total  int             `json:"total"`
}

func (a *API) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{Events: a.bot.registry.Len()}
	if a.bot.discord != nil {
		resp.DiscordGatewayConnected = a.bot.discord.connected.Load()
	}
	if a.bot.scheduler != nil {
		resp.SchedulerRunning = a.bot.scheduler.Running()
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) listEvents(c *gin.Context) {
	var q listEventsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	var events []Event
	if q.All {
		events = a.bot.registry.List(q.GuildID)
	} else {
		events = a.bot.registry.Upcoming(q.GuildID, a.bot.now())
	}

	resp := listEventsResponse{
		Events: make([]eventResponse, 0, len(events)),
		Total:  len(events),
	}
	for _, e := range events {
		resp.Events = append(resp.Events, newEventResponse(e))
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) getEvent(c *gin.Context) {
	event, ok := a.lookupEvent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newEventResponse(event))
}

func (a *API) getEventICS(c *gin.Context) {
	event, ok := a.lookupEvent(c)
	if !ok {
		return
	}
	body, err := eventICS(event, a.bot.now())
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error generating calendar")
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", icsFilename(event)))
	c.Data(http.StatusOK, icalContentType, body)
}

// getGuildCalendar returns every upcoming event in the guild as a
// single calendar
func (a *API) getGuildCalendar(c *gin.Context) {
	now := a.bot.now()
	events := a.bot.registry.Upcoming(c.Param("guild_id"), now)

	var buf bytes.Buffer
	if err := writeCalendar(&buf, now, events...); err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error generating calendar")
		return
	}
	c.Data(http.StatusOK, icalContentType, buf.Bytes())
}

func (a *API) lookupEvent(c *gin.Context) (Event, bool) {
	event, err := a.bot.registry.Get(strings.TrimSpace(c.Param("id")))
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: err.Error()})
		} else {
			_ = c.Error(err)
			ginReplyError(c, "error getting event")
		}
		return Event{}, false
	}
	return event, true
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if id == "" {
			var err error
			id, err = generateRandomHexString(requestIDHexLength)
			if err != nil {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// requestLoggerMiddleware sets the base logger that ginContextLogger
// builds request loggers from
func requestLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(string(loggerContextKey), requestLogger(c, logger))
		c.Next()
	}
}

// ginContextLogger returns the request logger from the gin context,
// creating one from the default logger if it isn't set
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, isLogger := v.(*slog.Logger); isLogger {
			return logger
		}
	}
	logger := requestLogger(c, slog.Default())
	c.Set(string(loggerContextKey), logger)
	return logger
}

func requestLogger(c *gin.Context, logger *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	return logger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
}

// ginLoggingMiddleware logs each request once it's finished, along with
// any errors attached to the gin context
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		logger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			logger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		logger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyError aborts with HTTP status 500 and a JSON error message
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

func generateRandomHexString(length int) (string, error) {
	if length%2 != 0 {
		length++
	}
	b := make([]byte, length/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
