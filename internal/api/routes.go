// Package api wires the relay's HTTP surface: health, metrics, the
// websocket dictation endpoint, and a development-only token mint.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lumenhealth/scribe/internal/auth"
	"github.com/lumenhealth/scribe/internal/config"
	"github.com/lumenhealth/scribe/internal/observability"
	"github.com/lumenhealth/scribe/internal/relay"
)

var upgrader = websocket.Upgrader{
	// Origin is validated after the upgrade so disallowed origins receive
	// the protocol's 4003 close code instead of an opaque HTTP 403.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Deps carries everything the routes need.
type Deps struct {
	Config     config.Config
	Registry   *relay.Registry
	Supervisor relay.Options
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// InitRoutes registers all routes on the echo instance.
func InitRoutes(e *echo.Echo, deps Deps) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:   "healthy",
			Sessions: deps.Registry.Count(),
		})
	})

	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))
	}

	if deps.Config.DevTokenMint {
		e.POST("/v1/token", func(c echo.Context) error {
			return mintToken(c, deps)
		})
	}

	e.GET("/ws", func(c echo.Context) error {
		return handleDictation(c, deps)
	})
}

// handleDictation upgrades the connection and hands it to a supervisor.
func handleDictation(c echo.Context, deps Deps) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		deps.Logger.Error("websocket upgrade failed", zap.Error(err))
		return err
	}

	origin := c.Request().Header.Get("Origin")
	if !deps.Config.OriginAllowed(origin) {
		deps.Logger.Warn("connection rejected: origin not allowed")
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(relay.CloseOriginNotAllowed, "origin not allowed"))
		conn.Close()
		return nil
	}

	supervisor := relay.NewSupervisor(conn, deps.Supervisor)
	go supervisor.Serve()
	return nil
}

// mintToken issues a short-lived development token. The endpoint exists only
// when DEV_TOKEN_MINT is set; production tokens come from the identity
// provider.
func mintToken(c echo.Context, deps Deps) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "user_id is required",
		})
	}

	token, err := auth.MintToken(deps.Config.JWTSecret, req.UserID, time.Hour)
	if err != nil {
		deps.Logger.Error("failed to mint token", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate token",
		})
	}
	return c.JSON(http.StatusOK, TokenResponse{Token: token})
}
