package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

func (c *Client) writePump(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	c.mu.RLock()
	send := c.send
	c.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-send:
			if err := ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				c.shutdown(fmt.Errorf("set write deadline: %w", err))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown(fmt.Errorf("write: %w", err))
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				c.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, ws *websocket.Conn) {
	defer c.log.Debug().Msg("readPump closing")

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = fmt.Errorf("server closed the connection: %w", err)
			}
			c.shutdown(err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Error().Err(err).Msg("bad json")
		return
	}
	if env.Event == "" {
		c.log.Warn().Msg("frame without event")
		return
	}
	c.dispatch(env)
}
