// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
	"golang.org/x/time/rate"
)

const writeWait = 10 * time.Second

// Envelope is the text-frame wire format in both directions.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Options struct {
	Addr           string
	Path           string
	MaxConnections int
	ReadLimit      int64
	// InboundRate caps messages per second accepted from one client.
	// Zero means unlimited.
	InboundRate  float64
	InboundBurst int
}

type Entrypoint struct {
	name     string
	opts     Options
	upgrader websocket.Upgrader
	hub      core.Attacher
	server   *http.Server
	logger   *slog.Logger
	active   atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

func New(name string, opts Options, logger *slog.Logger) *Entrypoint {
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.InboundRate > 0 && opts.InboundBurst <= 0 {
		opts.InboundBurst = int(opts.InboundRate) + 1
	}
	return &Entrypoint{
		name: name,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
		ready:  make(chan struct{}),
	}
}

func (e *Entrypoint) Name() string {
	return e.name
}

func (e *Entrypoint) Type() string {
	return "websocket"
}

// Addr is the bound listen address once Ready is closed.
func (e *Entrypoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

func (e *Entrypoint) Ready() <-chan struct{} {
	return e.ready
}

// Handler serves upgrades against hub without owning a listener.
func (e *Entrypoint) Handler(hub core.Attacher) http.Handler {
	e.hub = hub
	mux := http.NewServeMux()
	mux.HandleFunc(e.opts.Path, e.handleConnection)
	return mux
}

// Start listens and serves until ctx is done or Stop is called.
func (e *Entrypoint) Start(ctx context.Context, hub core.Attacher) error {
	ln, err := net.Listen("tcp", e.opts.Addr)
	if err != nil {
		return fmt.Errorf("websocket listen %s: %w", e.opts.Addr, err)
	}
	e.mu.Lock()
	e.listener = ln
	e.server = &http.Server{
		Handler:           e.Handler(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := e.server
	e.mu.Unlock()
	close(e.ready)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	e.logger.Info("websocket entrypoint starting", "name", e.name, "addr", ln.Addr().String(), "path", e.opts.Path)
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops accepting. Open connections are closed by the hub when it
// stops.
func (e *Entrypoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	srv := e.server
	e.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (e *Entrypoint) handleConnection(w http.ResponseWriter, r *http.Request) {
	if max := int64(e.opts.MaxConnections); max > 0 {
		if e.active.Add(1) > max {
			e.active.Add(-1)
			e.logger.Warn("websocket connection limit reached", "name", e.name, "peer", core.PeerLabel(r))
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		defer e.active.Add(-1)
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error("ws upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(e.opts.ReadLimit)

	t := newTransport(conn)
	id, err := e.hub.Attach(t, e.name)
	if err != nil {
		e.logger.Warn("ws attach rejected", "peer", core.PeerLabel(r), "error", err)
		t.Close(err.Error())
		return
	}

	conn.SetPongHandler(func(data string) error {
		payload, _ := json.Marshal(data)
		return e.pong(id, payload)
	})

	reason := e.readLoop(conn, id)
	e.hub.Detach(id, reason)
	e.logger.Info("ws client disconnected", "conn_id", id, "peer", core.PeerLabel(r), "reason", reason)
}

// pong records a heartbeat reply. Only a stopped hub ends the read loop;
// any other refusal is logged and the connection stays up.
func (e *Entrypoint) pong(id core.ConnectionID, payload json.RawMessage) error {
	err := e.hub.Receive(id, core.Message{Topic: core.TopicPong, Payload: payload})
	if err == nil || errors.Is(err, core.ErrHubStopped) {
		return err
	}
	e.logger.Warn("ws pong not recorded", "conn_id", id, "error", err)
	return nil
}

// readLoop returns the reason the connection ended.
func (e *Entrypoint) readLoop(conn *websocket.Conn, id core.ConnectionID) string {
	var limiter *rate.Limiter
	if e.opts.InboundRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.opts.InboundRate), e.opts.InboundBurst)
	}
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, core.ErrHubStopped) {
				return "hub stopped"
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.logger.Error("ws read error", "conn_id", id, "error", err)
				return "read error: " + err.Error()
			}
			return "peer closed"
		}
		if kind != websocket.TextMessage {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Topic == "" {
			e.logger.Warn("ws invalid message", "conn_id", id, "size", len(data))
			continue
		}
		if limiter != nil && !limiter.Allow() {
			e.logger.Warn("ws inbound rate exceeded, dropping message", "conn_id", id, "topic", env.Topic)
			continue
		}
		if err := e.hub.Receive(id, core.Message{Topic: env.Topic, Payload: env.Payload}); err != nil {
			if errors.Is(err, core.ErrHubStopped) {
				return "hub stopped"
			}
			e.logger.Warn("ws inbound dropped", "conn_id", id, "error", err)
		}
	}
}

type transport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func newTransport(conn *websocket.Conn) *transport {
	return &transport{conn: conn}
}

// WriteMessage is called from a single writer goroutine per connection.
// Heartbeat pings go out as control frames.
func (t *transport) WriteMessage(msg core.Message) error {
	deadline := time.Now().Add(writeWait)
	if msg.Topic == core.TopicPing {
		return t.conn.WriteControl(websocket.PingMessage, pingData(msg.Payload), deadline)
	}
	data, err := json.Marshal(Envelope{Topic: msg.Topic, Payload: msg.Payload})
	if err != nil {
		return err
	}
	t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func pingData(payload json.RawMessage) []byte {
	var s string
	if json.Unmarshal(payload, &s) == nil {
		return []byte(s)
	}
	return payload
}

func (t *transport) Close(reason string) error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncate(reason, 120))
		t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *transport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
