// Package http is the HTTP control surface from spec §6: the WebSocket
// connect endpoint plus the operator-facing control endpoints (metrics,
// forcing a feed pass, pushing stats to a connected client). Modeled on
// pkg/api/server.go's Echo v5 server shape, generalized from TARSy's
// alert/session/dashboard routes down to the handful this protocol needs.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/codeready-toolchain/rowsync/internal/actorhub"
	"github.com/codeready-toolchain/rowsync/internal/frame"
	"github.com/codeready-toolchain/rowsync/internal/lsn"
	"github.com/codeready-toolchain/rowsync/internal/syncsession"
	"github.com/codeready-toolchain/rowsync/transport/ws"
)

// Server is the HTTP surface in front of the Hub: one process serves every
// client connection plus the control endpoints over the same Echo instance.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	hub   *actorhub.Hub
	feed  syncsession.ChangeFeed
	store syncsession.ProgressStore
}

// NewServer wires the connect and control routes. feed backs /metrics and
// /new-changes, store backs /new-changes's changeCount; hub is shared with
// transport/ws.
func NewServer(hub *actorhub.Hub, feed syncsession.ChangeFeed, store syncsession.ProgressStore) *Server {
	e := echo.New()
	s := &Server{echo: e, hub: hub, feed: feed, store: store}
	s.setupRoutes()
	return s
}

// maxChangeCountScan bounds the /new-changes changeCount probe: it exists
// purely for operator/test visibility, not for driving the actual sync (the
// feeder paginates the same feed in FeederChunkSize chunks), so an oversized
// backlog is capped rather than fully materialized.
const maxChangeCountScan = 100000

func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/sync/connect", s.connectHandler)
	s.echo.GET("/metrics", s.metricsHandler)
	s.echo.POST("/new-changes", s.newChangesHandler)
	s.echo.POST("/sync-stats", s.syncStatsHandler)
}

// Start starts the HTTP server on addr and blocks until it stops, so callers
// typically run it in a goroutine.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener, for tests that need a
// random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"activeSessions": s.hub.Count(),
	})
}

// connectHandler upgrades the HTTP request to a WebSocket and hands it to
// transport/ws, blocking (per HandleConnection) until the socket closes.
// clientId is required; lsn defaults to the zero LSN for a brand-new client.
func (s *Server) connectHandler(c *echo.Context) error {
	clientID := c.QueryParam("clientId")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "clientId is required")
	}
	clientLSN := c.QueryParam("lsn")
	if clientLSN == "" {
		clientLSN = lsn.Zero.String()
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Origin checks are skipped: cross-tenant authorization is a
		// non-goal (spec §1), mirroring handler_ws.go's InsecureSkipVerify.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	ws.HandleConnection(c.Request().Context(), conn, s.hub, clientID, clientLSN, nil)
	return nil
}

// metricsHandler reports live session count and, if known, the current
// server LSN — an operator-visibility endpoint (§4.6's ClientRegistry is
// "for operator visibility... MUST NOT be trusted for correctness").
func (s *Server) metricsHandler(c *echo.Context) error {
	resp := map[string]any{"activeSessions": s.hub.Count()}
	if s.feed != nil {
		if serverLSN, err := s.feed.CurrentServerLSN(c.Request().Context()); err == nil {
			resp["serverLSN"] = serverLSN.String()
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// newChangesHandler forces an immediate feed pass for clientId, used by
// operators and tests to avoid waiting on NotifyListener's broadcast or the
// feeder's idle-tick fallback (§4.4 step 6).
func (s *Server) newChangesHandler(c *echo.Context) error {
	clientID := c.QueryParam("clientId")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "clientId is required")
	}

	actor, ok := s.hub.Lookup(clientID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no active session for clientId")
	}

	serverLSN, err := s.feed.CurrentServerLSN(c.Request().Context())
	if err != nil {
		return mapInternalError(err)
	}
	actor.PushServerNotification(serverLSN)

	changeCount := 0
	if clientLSN, err := s.store.GetLSN(c.Request().Context(), clientID); err == nil {
		if changed, _, err := s.feed.ChangesSince(c.Request().Context(), clientLSN, maxChangeCountScan); err == nil {
			changeCount = len(changed)
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success":     true,
		"changeCount": changeCount,
		"lsn":         serverLSN.String(),
	})
}

// syncStatsHandler forwards a heartbeat-shaped stats frame to clientId's
// connected session, if one exists. The protocol names no dedicated stats
// payload, so this piggybacks on srv_heartbeat the way TARSy's connection
// manager pushes unsolicited server frames to a specific client.
func (s *Server) syncStatsHandler(c *echo.Context) error {
	clientID := c.QueryParam("clientId")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "clientId is required")
	}

	actor, ok := s.hub.Lookup(clientID)
	if !ok {
		return c.JSON(http.StatusOK, map[string]any{"delivered": false})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := actor.SendControlFrame(ctx, frame.TypeHeartbeat, struct{}{}); err != nil {
		return mapInternalError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"delivered": true})
}

func mapInternalError(err error) *echo.HTTPError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
