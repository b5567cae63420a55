// Package httpapi serves the admin and observability surface: health,
// occupancy stats, the public leaderboard, live match listings, Prometheus
// metrics, and a WebSocket bridge speaking the same line protocol as the
// TCP port.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"xiangqi/server/internal/metrics"
	"xiangqi/server/internal/server"
	"xiangqi/server/internal/store"
)

// LeaderboardRepo is the read-only slice of the store the API needs.
type LeaderboardRepo interface {
	Leaderboard(limit, offset int) ([]store.User, error)
	UserCount() (int, error)
}

// Server is the Echo application.
type Server struct {
	echo    *echo.Echo
	core    *server.Core
	users   LeaderboardRepo
	metrics *metrics.Registry
}

// New constructs an Echo app with the admin REST and WebSocket routes.
func New(core *server.Core, users LeaderboardRepo, reg *metrics.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, core: core, users: users, metrics: reg}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/stats", s.handleStats)
	s.echo.GET("/api/leaderboard", s.handleLeaderboard)
	s.echo.GET("/api/live", s.handleLive)
	s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	newWSHandler(s.core).register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Matches int    `json:"matches"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Matches: s.core.Snapshot().ActiveMatches,
	})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.core.Snapshot())
}

type leaderboardRow struct {
	Rank     int    `json:"rank"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
	Wins     int    `json:"wins"`
	Losses   int    `json:"losses"`
	Draws    int    `json:"draws"`
}

type leaderboardResponse struct {
	Total   int              `json:"total"`
	Players []leaderboardRow `json:"players"`
}

func (s *Server) handleLeaderboard(c echo.Context) error {
	limit := queryInt(c, "limit", 10)
	offset := queryInt(c, "offset", 0)
	if limit < 1 || limit > 100 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	users, err := s.users.Leaderboard(limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "leaderboard query failed")
	}
	total, err := s.users.UserCount()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "leaderboard query failed")
	}

	rows := make([]leaderboardRow, 0, len(users))
	for i, u := range users {
		rows = append(rows, leaderboardRow{
			Rank:     offset + i + 1,
			UserID:   u.ID,
			Username: u.Username,
			Rating:   u.Rating,
			Wins:     u.Wins,
			Losses:   u.Losses,
			Draws:    u.Draws,
		})
	}
	return c.JSON(http.StatusOK, leaderboardResponse{Total: total, Players: rows})
}

func (s *Server) handleLive(c echo.Context) error {
	return c.JSON(http.StatusOK, s.core.LiveMatches())
}

func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
