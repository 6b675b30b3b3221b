package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Additional-Code/dispatch/internal/realtime"
)

// connection pumps frames between one websocket and its session.
type connection struct {
	gw      *Gateway
	conn    *websocket.Conn
	session *realtime.Session
}

func newConnection(gw *Gateway, conn *websocket.Conn, session *realtime.Session) *connection {
	return &connection{gw: gw, conn: conn, session: session}
}

// serve runs the read and write pumps until either side stops. The session
// is unregistered when the reader stops and the socket is closed when the
// writer stops, so each pump ends the other.
func (c *connection) serve(ctx context.Context) {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer c.gw.router.Unregister(c.session)
		return c.readLoop(ctx)
	})
	group.Go(func() error {
		defer c.conn.Close()
		return c.writeLoop(ctx)
	})
	if err := group.Wait(); err != nil && !isExpectedClose(err) {
		c.gw.logger.Debug("connection ended", zap.String("session_id", c.session.ID), zap.Error(err))
	}
}

func (c *connection) readLoop(ctx context.Context) error {
	pongWait := 2 * c.gw.pingInterval()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.gw.send(c.session, realtime.ErrorFrame("", malformedFrame(err)))
			continue
		}
		c.gw.dispatch(ctx, c.session, env)
	}
}

func (c *connection) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.gw.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.session.Outbound():
			deadline := time.Now().Add(c.gw.writeTimeout())
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return nil
			}
			_ = c.conn.SetWriteDeadline(deadline)
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.gw.writeTimeout())
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func isExpectedClose(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
