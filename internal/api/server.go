// Package api exposes the request workflow over HTTP: starting and
// steering requests, browsing history, and streaming live events.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	apimw "github.com/fetcharr/fetcharr/internal/api/middleware"
	"github.com/fetcharr/fetcharr/internal/health"
	"github.com/fetcharr/fetcharr/internal/history"
	"github.com/fetcharr/fetcharr/internal/library"
	"github.com/fetcharr/fetcharr/internal/ratelimit"
	"github.com/fetcharr/fetcharr/internal/requests"
	"github.com/fetcharr/fetcharr/internal/scheduler"
)

// RequestService is the workflow surface the API drives.
type RequestService interface {
	StartSearch(ctx context.Context, userID, title string) (*requests.Request, error)
	Select(ctx context.Context, userID, requestID string, index int) error
	Cancel(ctx context.Context, userID, requestID string) error
	Get(userID, requestID string) (*requests.Request, error)
	ListActive() []requests.Request
}

// HistoryStore serves the per-user archive.
type HistoryStore interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]history.Entry, error)
}

// LibraryBrowser lists recently added movies.
type LibraryBrowser interface {
	Recent(ctx context.Context, limit int) ([]library.Movie, error)
}

// Limiter admits or rejects user actions.
type Limiter interface {
	Admit(userID string, action string) ratelimit.Decision
}

// EventStreamer upgrades a connection to the event stream.
type EventStreamer interface {
	HandleWebSocket(c echo.Context) error
}

// Deps are the server's collaborators.
type Deps struct {
	Requests  RequestService
	History   HistoryStore
	Library   LibraryBrowser
	Limiter   Limiter
	Health    *health.Service
	Events    EventStreamer
	Scheduler *scheduler.Scheduler
}

// Server handles HTTP requests for the fetcharr API.
type Server struct {
	echo   *echo.Echo
	apiKey string
	logger zerolog.Logger
	deps   Deps
}

// NewServer creates a new API server instance.
func NewServer(apiKey string, deps Deps, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		apiKey: apiKey,
		logger: logger.With().Str("component", "api").Logger(),
		deps:   deps,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(apimw.SecurityHeaders())
	s.echo.Use(middleware.BodyLimit("1M"))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))
}

func (s *Server) setupRoutes() {
	// liveness, no auth
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})

	api := s.echo.Group("/api")
	api.Use(s.apiKeyMiddleware())

	api.POST("/requests", s.createRequest)
	api.GET("/requests", s.listRequests)
	api.GET("/requests/:id", s.getRequest)
	api.POST("/requests/:id/select", s.selectCandidate)
	api.POST("/requests/:id/cancel", s.cancelRequest)

	api.GET("/users/:id/history", s.userHistory)
	api.GET("/library/recent", s.recentMovies)
	api.GET("/health", s.healthReport)

	if s.deps.Events != nil {
		api.GET("/events", s.deps.Events.HandleWebSocket)
	}
	if s.deps.Scheduler != nil {
		api.GET("/system/tasks", s.listTasks)
		api.POST("/system/tasks/:id/run", s.runTask)
	}
}

// apiKeyMiddleware checks X-Api-Key (or the apikey query parameter,
// for WebSocket clients that cannot set headers).
func (s *Server) apiKeyMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.apiKey == "" {
				return next(c)
			}
			key := c.Request().Header.Get("X-Api-Key")
			if key == "" {
				key = c.QueryParam("apikey")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid api key"})
			}
			return next(c)
		}
	}
}

// Start begins listening on the given address. Blocks until shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting api server")
	return s.echo.Start(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
