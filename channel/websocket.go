// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WriteTimeout bounds each write to a websocket channel, so that a client
// that stops reading cannot block a sender indefinitely.
const WriteTimeout = 10 * time.Second

// WebSocket constructs a channel that exchanges text messages on conn.
func WebSocket(conn *websocket.Conn) WSChannel { return WSChannel{conn: conn} }

// Dial connects to the websocket server at url and returns a channel for the
// connection. The header, if non-nil, is sent with the handshake request.
func Dial(ctx context.Context, url string, header http.Header) (WSChannel, error) {
	conn, rsp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if rsp != nil {
			return WSChannel{}, fmt.Errorf("dial %q: %w (status %s)", url, err, rsp.Status)
		}
		return WSChannel{}, fmt.Errorf("dial %q: %w", url, err)
	}
	return WebSocket(conn), nil
}

// A WSChannel sends and receives text messages on a websocket connection.
type WSChannel struct {
	conn *websocket.Conn
}

// Conn returns the underlying websocket connection.
func (c WSChannel) Conn() *websocket.Conn { return c.conn }

// Send implements a method of the [relay.Channel] interface.
func (c WSChannel) Send(msg string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Recv implements a method of the [relay.Channel] interface. A normal close
// by the remote end is reported as io.EOF. Binary messages are returned as
// text without interpretation.
func (c WSChannel) Recv() (string, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return "", io.EOF
		}
		return "", err
	}
	return string(data), nil
}

// Close implements a method of the [relay.Channel] interface. It makes a
// best effort to send a close message before closing the connection.
func (c WSChannel) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}
