package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fetcharr/fetcharr/internal/ratelimit"
	"github.com/fetcharr/fetcharr/internal/requests"
)

type createRequestBody struct {
	UserID string `json:"userId"`
	Title  string `json:"title"`
}

func (s *Server) createRequest(c echo.Context) error {
	var body createRequestBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.UserID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "userId is required"})
	}

	req, err := s.deps.Requests.StartSearch(c.Request().Context(), body.UserID, body.Title)
	if err != nil {
		return s.workflowError(c, err)
	}
	return c.JSON(http.StatusAccepted, req)
}

func (s *Server) listRequests(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Requests.ListActive())
}

func (s *Server) getRequest(c echo.Context) error {
	userID := callerID(c)
	if userID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user identity is required"})
	}

	req, err := s.deps.Requests.Get(userID, c.Param("id"))
	if err != nil {
		return s.workflowError(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

type selectBody struct {
	UserID string `json:"userId"`
	Index  int    `json:"index"`
}

func (s *Server) selectCandidate(c echo.Context) error {
	var body selectBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.UserID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "userId is required"})
	}

	if err := s.deps.Requests.Select(c.Request().Context(), body.UserID, c.Param("id"), body.Index); err != nil {
		return s.workflowError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "selected"})
}

type cancelBody struct {
	UserID string `json:"userId"`
}

func (s *Server) cancelRequest(c echo.Context) error {
	var body cancelBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	userID := body.UserID
	if userID == "" {
		userID = callerID(c)
	}
	if userID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user identity is required"})
	}

	if err := s.deps.Requests.Cancel(c.Request().Context(), userID, c.Param("id")); err != nil {
		return s.workflowError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "cancelling"})
}

func (s *Server) userHistory(c echo.Context) error {
	userID := c.Param("id")

	if d := s.deps.Limiter.Admit(userID, ratelimit.ActionHistory); !d.Allowed {
		return s.workflowError(c, &requests.RateLimitError{Action: ratelimit.ActionHistory, RetryAfter: d.RetryAfter})
	}

	limit := intQuery(c, "limit", 20)
	entries, err := s.deps.History.ListByUser(c.Request().Context(), userID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("history query failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load history"})
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) recentMovies(c echo.Context) error {
	limit := intQuery(c, "limit", 10)
	movies, err := s.deps.Library.Recent(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "library unavailable"})
	}
	return c.JSON(http.StatusOK, movies)
}

func (s *Server) healthReport(c echo.Context) error {
	status := http.StatusOK
	if !s.deps.Health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, echo.Map{
		"healthy": s.deps.Health.Healthy(),
		"probes":  s.deps.Health.Results(),
	})
}

func (s *Server) listTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Scheduler.ListTasks())
}

func (s *Server) runTask(c echo.Context) error {
	if err := s.deps.Scheduler.RunNow(c.Param("id")); err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, echo.Map{"status": "started"})
}

// workflowError maps workflow errors onto HTTP status codes.
func (s *Server) workflowError(c echo.Context, err error) error {
	var rle *requests.RateLimitError
	if errors.As(err, &rle) {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())+1))
		return c.JSON(http.StatusTooManyRequests, echo.Map{
			"error":      "rate limit exceeded",
			"retryAfter": rle.RetryAfter.Seconds(),
		})
	}

	switch {
	case errors.Is(err, requests.ErrEmptyTitle),
		errors.Is(err, requests.ErrInvalidSelection):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, requests.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	case errors.Is(err, requests.ErrNotOwner):
		return c.JSON(http.StatusForbidden, echo.Map{"error": err.Error()})
	case errors.Is(err, requests.ErrAlreadyActive),
		errors.Is(err, requests.ErrInvalidState),
		errors.Is(err, requests.ErrBusy),
		errors.Is(err, requests.ErrAlreadyFinished):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Msg("unexpected workflow error")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}

// callerID resolves the acting user from the X-User-Id header or the
// userId query parameter.
func callerID(c echo.Context) string {
	if id := c.Request().Header.Get("X-User-Id"); id != "" {
		return id
	}
	return c.QueryParam("userId")
}

func intQuery(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
