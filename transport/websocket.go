// Copyright 2021-2022 The livefeed Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SubProtocol the websocket sub-protocol negotiated for STOMP 1.2
const SubProtocol = "v12.stomp"

// WebSocketDialer dial a websocket frame stream
type WebSocketDialer struct {
	// URL is the ws:// or wss:// endpoint
	URL string
	// Header is any extra handshake headers
	Header http.Header
	// HandshakeTimeout bounds the upgrade handshake
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write
	WriteTimeout time.Duration
}

// Kind the transport kind this dialer produces
func (d WebSocketDialer) Kind() string {
	return KindWebSocket
}

// Dial establish a new websocket frame stream
func (d WebSocketDialer) Dial(ctxt context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     []string{SubProtocol},
	}
	conn, resp, err := dialer.DialContext(ctxt, d.URL, d.Header)
	if err != nil {
		setupErr := &SetupError{Kind: KindWebSocket, Endpoint: d.URL, Err: err}
		if resp != nil {
			setupErr.StatusCode = resp.StatusCode
		}
		return nil, setupErr
	}
	return NewWebSocketConn(conn, d.WriteTimeout), nil
}

// wsConn Conn over a websocket, one frame per text message
type wsConn struct {
	conn         *websocket.Conn
	writeLock    sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// NewWebSocketConn wrap an established websocket
func NewWebSocketConn(conn *websocket.Conn, writeTimeout time.Duration) Conn {
	conn.SetReadLimit(MaxFrameSize)
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

// UpgradeWebSocket upgrade an inbound HTTP request into a websocket frame stream
func UpgradeWebSocket(
	w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, writeTimeout time.Duration,
) (Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, &SetupError{Kind: KindWebSocket, Endpoint: r.RemoteAddr, Err: err}
	}
	return NewWebSocketConn(conn, writeTimeout), nil
}

func (c *wsConn) Kind() string {
	return KindWebSocket
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, &RuntimeError{Kind: KindWebSocket, Op: "read", Err: err}
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &RuntimeError{Kind: KindWebSocket, Op: "write", Err: err}
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
