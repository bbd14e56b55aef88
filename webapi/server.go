package webapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"auto-approver/approver"
)

// Server exposes the admin API: allowlist management, trusted code pattern
// management, and read access to history and decisions.
type Server struct {
	echo     *echo.Echo
	allow    *approver.Allowlist
	trusted  *approver.TrustedCode
	history  *approver.History
	identity approver.Identity
	logger   *slog.Logger
}

func NewServer(allow *approver.Allowlist, trusted *approver.TrustedCode, history *approver.History, identity approver.Identity, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewAppValidator()
	e.HTTPErrorHandler = HTTPErrorHandler
	e.Use(RequestLogger(logger))

	s := &Server{echo: e, allow: allow, trusted: trusted, history: history, identity: identity, logger: logger}

	e.GET("/health", s.health)
	e.GET("/api/status", s.status)
	e.GET("/api/v1/allowlist", s.listAllowlist)
	e.PUT("/api/v1/allowlist", s.replaceAllowlist)
	e.POST("/api/v1/allowlist/:email", s.addAllowlist)
	e.DELETE("/api/v1/allowlist/:email", s.removeAllowlist)
	e.GET("/api/v1/trusted-code", s.listTrustedCode)
	e.POST("/api/v1/trusted-code/:signature", s.markTrustedCode)
	e.DELETE("/api/v1/trusted-code/:signature", s.unmarkTrustedCode)
	e.GET("/api/v1/history", s.listHistory)
	e.GET("/api/v1/decisions", s.listDecisions)

	return s
}

// RequestLogger logs each HTTP request with structured fields.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			logger.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)

			return err
		}
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) health(c echo.Context) error {
	return JSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(c echo.Context) error {
	emails, err := s.allow.List()
	if err != nil {
		return err
	}
	patterns, err := s.trusted.List()
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, map[string]any{
		"operator":              s.identity.Email(),
		"allowlist_size":        len(emails),
		"trusted_pattern_count": len(patterns),
	})
}

func (s *Server) listAllowlist(c echo.Context) error {
	emails, err := s.allow.List()
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, map[string]any{"emails": emails})
}

type allowlistUpdateRequest struct {
	// The allowlist may never be emptied entirely: a running engine with no
	// trusted senders at all would ignore everything, including the
	// operator's own jobs.
	Emails []string `json:"emails" validate:"required,min=1,dive,email"`
}

// replaceAllowlist sets the allowlist to exactly the given emails, adding and
// removing entries as needed.
func (s *Server) replaceAllowlist(c echo.Context) error {
	var req allowlistUpdateRequest
	if err := c.Bind(&req); err != nil {
		return &ValidationError{Field: "body", Message: "invalid JSON body"}
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	desired := make(map[string]struct{}, len(req.Emails))
	for _, email := range req.Emails {
		desired[approver.NormalizeEmail(email)] = struct{}{}
	}

	current, err := s.allow.List()
	if err != nil {
		return err
	}
	for _, email := range current {
		if _, keep := desired[email]; !keep {
			if err := s.allow.Remove(email); err != nil {
				return err
			}
		}
	}
	for email := range desired {
		if err := s.allow.Add(email); err != nil {
			return err
		}
	}

	emails, err := s.allow.List()
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, map[string]any{"emails": emails})
}

type emailParam struct {
	Email string `validate:"required,email"`
}

func (s *Server) addAllowlist(c echo.Context) error {
	p := emailParam{Email: c.Param("email")}
	if err := c.Validate(&p); err != nil {
		return err
	}
	if err := s.allow.Add(p.Email); err != nil {
		return err
	}
	return JSON(c, http.StatusOK, map[string]string{"email": approver.NormalizeEmail(p.Email)})
}

func (s *Server) removeAllowlist(c echo.Context) error {
	p := emailParam{Email: c.Param("email")}
	if err := c.Validate(&p); err != nil {
		return err
	}

	// Removing the final entry is refused for the same reason PUT requires a
	// non-empty list.
	current, err := s.allow.List()
	if err != nil {
		return err
	}
	if len(current) == 1 && current[0] == approver.NormalizeEmail(p.Email) {
		return &ValidationError{Field: "email", Message: "cannot remove the last allowlisted sender"}
	}

	if err := s.allow.Remove(p.Email); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listTrustedCode(c echo.Context) error {
	patterns, err := s.trusted.List()
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, map[string]any{"patterns": patterns})
}

func (s *Server) markTrustedCode(c echo.Context) error {
	pattern, err := s.trusted.Mark(c.Param("signature"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusCreated, pattern)
}

func (s *Server) unmarkTrustedCode(c echo.Context) error {
	if err := s.trusted.Unmark(c.Param("signature")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func limitParam(c echo.Context, def int) int {
	raw := c.QueryParam("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) listHistory(c echo.Context) error {
	records, err := s.history.List(limitParam(c, 50))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, map[string]any{"history": records})
}

func (s *Server) listDecisions(c echo.Context) error {
	decisions, err := s.history.Decisions(limitParam(c, 50))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, map[string]any{"decisions": decisions})
}
