// Package sessionapi serves the session repository over HTTP for engine
// instances configured with the remote session backend.
package sessionapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"plant-treatment-planner/internal/session"
)

// Store is the backend the service exposes.
type Store interface {
	session.Backend
	FetchByID(ctx context.Context, userID, id int64) (*session.Session, error)
}

// Server hosts the session REST contract.
type Server struct {
	store  Store
	secret []byte
	logger *slog.Logger
}

// NewServer creates a session service backed by store.
func NewServer(store Store, secret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, secret: secret, logger: logger}
}

// Register mounts the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	g := e.Group("/sessions", s.identity)
	g.POST("", s.create)
	g.GET("", s.fetch)
	g.PATCH("/:id", s.update)
	g.DELETE("", s.delete)
}

// identity resolves the acting user from the bearer token.
func (s *Server) identity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing identity"})
		}
		uid, err := session.ParseIdentity(s.secret, raw)
		if err != nil {
			s.logger.Warn("rejected session request", "error", err)
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid identity"})
		}
		c.Set("uid", uid)
		return next(c)
	}
}

func uid(c echo.Context) int64 {
	return c.Get("uid").(int64)
}

func (s *Server) create(c echo.Context) error {
	var in session.NewSession
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad json"})
	}
	created, err := s.store.Create(c.Request().Context(), uid(c), in)
	if err != nil {
		return s.fail(c, "create", err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) fetch(c echo.Context) error {
	ctx := c.Request().Context()
	token := c.QueryParam("token")

	var (
		found *session.Session
		err   error
	)
	if token != "" {
		found, err = s.store.FetchByToken(ctx, uid(c), token)
	} else {
		found, err = s.store.FetchLatest(ctx, uid(c))
	}
	if err != nil {
		return s.fail(c, "fetch", err)
	}
	if found == nil {
		if token != "" {
			return c.JSON(http.StatusGone, map[string]string{"error": "token gone"})
		}
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no session"})
	}
	return c.JSON(http.StatusOK, found)
}

func (s *Server) update(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad id"})
	}
	var patch session.Patch
	if err := c.Bind(&patch); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad json"})
	}

	existing, err := s.store.FetchByID(ctx, uid(c), id)
	if err != nil {
		return s.fail(c, "update", err)
	}
	if existing == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no session"})
	}
	if err := s.store.Update(ctx, existing, patch); err != nil {
		return s.fail(c, "update", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) delete(c echo.Context) error {
	ctx := c.Request().Context()
	user := uid(c)

	if token := c.QueryParam("token"); token != "" {
		existing, err := s.store.FetchByToken(ctx, user, token)
		if err != nil {
			return s.fail(c, "delete", err)
		}
		if existing == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "no session"})
		}
		if err := s.store.Delete(ctx, existing); err != nil {
			return s.fail(c, "delete", err)
		}
		return c.NoContent(http.StatusNoContent)
	}

	if raw := c.QueryParam("plan_id"); raw != "" {
		planID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad plan_id"})
		}
		if err := s.store.DeleteForPlan(ctx, user, planID); err != nil {
			return s.fail(c, "delete", err)
		}
		return c.NoContent(http.StatusNoContent)
	}

	if err := s.store.DeleteAllForUser(ctx, user); err != nil {
		return s.fail(c, "delete", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) fail(c echo.Context, op string, err error) error {
	s.logger.Error("session store failure", "op", op, "user_id", uid(c), "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "session store failure"})
}
