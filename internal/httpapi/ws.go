package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"xiangqi/server/internal/protocol"
	"xiangqi/server/internal/server"
)

const wsWriteTimeout = 5 * time.Second

// wsHandler upgrades browser clients and feeds them into the same core loop
// as TCP clients. Each WebSocket text frame carries one protocol line.
type wsHandler struct {
	core     *server.Core
	upgrader websocket.Upgrader
}

func newWSHandler(core *server.Core) *wsHandler {
	return &wsHandler{
		core: core,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

func (h *wsHandler) register(e *echo.Echo) {
	e.GET("/ws", h.handleWebSocket)
}

func (h *wsHandler) handleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.core.HandleTransport(newWSTransport(conn))
	return nil
}

// wsTransport adapts a websocket connection to the framed transport the
// dispatcher expects. The 16 KiB line cap applies to frames too.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(protocol.MaxLineBytes)
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadLine() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, protocol.ErrLineTooLong
			}
			return nil, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) WriteLine(line []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, line)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
