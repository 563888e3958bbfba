package api

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"racebot/pkg/types"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 4 * 1024 // clients only send control frames
	clientBufferSize = 256
	replayEvents     = 50
)

// streamClient is one websocket consumer of the race log.
type streamClient struct {
	conn   *websocket.Conn
	events <-chan types.LogEvent
	cancel func()
	logger *slog.Logger
}

func newStreamClient(conn *websocket.Conn, events <-chan types.LogEvent, cancel func(), logger *slog.Logger) *streamClient {
	return &streamClient{
		conn:   conn,
		events: events,
		cancel: cancel,
		logger: logger,
	}
}

// start replays history and runs the pumps until the client goes away.
func (c *streamClient) start(replay []types.LogEvent) {
	go c.writePump(replay)
	go c.readPump()
}

// writePump pumps log events to the websocket connection
func (c *streamClient) writePump(replay []types.LogEvent) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for _, evt := range replay {
		if err := c.writeEvent(evt); err != nil {
			return
		}
	}

	for {
		select {
		case evt, ok := <-c.events:
			if !ok {
				// unsubscribed by readPump
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeEvent(evt); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) writeEvent(evt types.LogEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		c.logger.Error("failed to marshal log event", "error", err)
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump drains the connection so pongs and close frames are handled
func (c *streamClient) readPump() {
	defer c.cancel()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", "error", err)
			}
			return
		}
		// stream is read-only, ignore client messages
	}
}
