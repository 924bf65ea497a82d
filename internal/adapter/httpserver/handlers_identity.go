package httpserver

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/realtimeapi/internal/errors"
)

const maxUserIDLength = 255

type identityChangedResponse struct {
	UserID  string `json:"user_id"`
	Closed  int    `json:"closed"`
	Relayed bool   `json:"relayed"`
}

// registerInternalRoutes mounts the endpoints used by the authentication
// system. They are not mounted without an API token.
func (s *Server) registerInternalRoutes() {
	if s.cfg.InternalAPIToken == "" || s.deps.Identity == nil {
		return
	}

	internal := s.echo.Group("/internal",
		newRateLimiter(s.cfg.InternalRate, s.cfg.InternalBurst),
		middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Validator: func(key string, c echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.InternalAPIToken)) == 1, nil
			},
			ErrorHandler: func(err error, c echo.Context) error {
				return apperrors.UnauthenticatedError(apperrors.MsgUnauthenticated)
			},
		}),
	)
	internal.POST("/identity/:user/changed", s.handleIdentityChanged)
}

// handleIdentityChanged closes every connection of the user on this node and
// forwards the change to the other nodes.
func (s *Server) handleIdentityChanged(c echo.Context) error {
	userID := strings.TrimSpace(c.Param("user"))
	if userID == "" || len(userID) > maxUserIDLength {
		return apperrors.ValidationError("user id is required")
	}

	ctx := c.Request().Context()
	response := identityChangedResponse{
		UserID: userID,
		Closed: s.deps.Identity.OnIdentityChanged(ctx, userID),
	}

	if s.deps.IdentityBus != nil {
		if err := s.deps.IdentityBus.Publish(ctx, userID); err != nil {
			slog.WarnContext(ctx, "Failed to relay identity change", "user_id", userID, "error", err)
		} else {
			response.Relayed = true
		}
	}

	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write identity response: %w", err)
	}
	return nil
}
