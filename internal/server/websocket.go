package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/connection"
	"github.com/amoylab/cfgstream/internal/session"
	"github.com/amoylab/cfgstream/internal/subscription"
)

// wsTransport adapts a gorilla connection to session.Transport. Reads and
// writes each happen on a single goroutine, which is all gorilla allows.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, fmt.Errorf("%w: %v", session.ErrTransportClosed, err)
			}
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and drops the connection, which also unblocks a
// pending ReadMessage
func (t *wsTransport) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}

// handleWebSocket upgrades GET /ws/:app/:profile and runs a session until it ends
func (s *Server) handleWebSocket(c *gin.Context) {
	app, profile := c.Param("app"), c.Param("profile")
	label := c.DefaultQuery("label", s.cfg.DefaultLabel)

	if err := subscription.ValidateKey(app, profile, label); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.cfg.Session.RequireToken && requestToken(c) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token is required"})
		return
	}
	if !s.trackSession() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}
	defer s.sessions.Done()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the error response
		s.logger.Warn("failed to upgrade connection",
			zap.String("remote_addr", c.Request.RemoteAddr),
			zap.Error(err))
		return
	}
	if s.cfg.Session.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.Session.MaxMessageSize)
	}

	now := time.Now()
	sess := session.New(s.sessionDeps(), &wsTransport{conn: conn, writeTimeout: s.cfg.Session.WriteTimeout}, connection.Info{
		ID:            connection.NewID(),
		App:           app,
		Profile:       profile,
		Label:         label,
		ConnectedAt:   now,
		LastMessageAt: now,
	})

	logger := s.logger.With(
		zap.String("connection", sess.ID().String()),
		zap.String("key", connection.Key(app, profile, label)),
		zap.String("remote_addr", c.Request.RemoteAddr))
	logger.Info("client connected")

	if err := sess.Run(s.sessionCtx); err != nil && !errors.Is(err, session.ErrHeartbeatTimeout) {
		logger.Warn("session ended with error", zap.Error(err))
		return
	}
	logger.Info("client disconnected")
}
