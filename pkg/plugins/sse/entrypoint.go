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

package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

// Entrypoint streams hub messages to read-only clients as server-sent
// events. Heartbeat pings are written as comments; a ping that reaches the
// socket counts as the client's pong.
type Entrypoint struct {
	name   string
	addr   string
	path   string
	hub    core.Attacher
	server *http.Server
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

func New(name, addr, path string, logger *slog.Logger) *Entrypoint {
	if path == "" {
		path = "/events"
	}
	return &Entrypoint{name: name, addr: addr, path: path, logger: logger, ready: make(chan struct{})}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "sse" }

func (e *Entrypoint) Ready() <-chan struct{} {
	return e.ready
}

func (e *Entrypoint) Handler(hub core.Attacher) http.Handler {
	e.hub = hub
	mux := http.NewServeMux()
	mux.HandleFunc(e.path, e.handleSSE)
	return mux
}

func (e *Entrypoint) Start(ctx context.Context, hub core.Attacher) error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("sse listen %s: %w", e.addr, err)
	}
	e.mu.Lock()
	e.listener = ln
	e.server = &http.Server{Handler: e.Handler(hub), ReadHeaderTimeout: 10 * time.Second}
	srv := e.server
	e.mu.Unlock()
	close(e.ready)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	e.logger.Info("sse entrypoint starting", "name", e.name, "addr", ln.Addr().String(), "path", e.path)
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (e *Entrypoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	srv := e.server
	e.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (e *Entrypoint) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	t := newTransport(r.RemoteAddr)
	defer t.Close("handler exit")
	id, err := e.hub.Attach(t, e.name)
	if err != nil {
		e.logger.Warn("sse attach rejected", "peer", core.PeerLabel(r), "error", err)
		return
	}
	e.logger.Info("sse client connected", "conn_id", id, "peer", core.PeerLabel(r))

	reason := "peer closed"
	defer func() {
		e.hub.Detach(id, reason)
		e.logger.Info("sse client disconnected", "conn_id", id, "reason", reason)
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.done:
			reason = "closed by hub"
			return
		case msg := <-t.out:
			if msg.Topic == core.TopicPing {
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					reason = "write failed"
					return
				}
				flusher.Flush()
				if err := e.hub.Receive(id, core.Message{Topic: core.TopicPong, Payload: msg.Payload}); err != nil {
					if errors.Is(err, core.ErrHubStopped) {
						reason = "hub stopped"
						return
					}
					e.logger.Warn("sse pong not recorded", "conn_id", id, "error", err)
				}
				continue
			}
			if _, err := w.Write(frame(uuid.NewString(), msg)); err != nil {
				reason = "write failed"
				return
			}
			flusher.Flush()
		}
	}
}

// frame renders msg as one event. Every payload line gets its own data
// field so multi-line JSON reassembles intact on the client.
func frame(id string, msg core.Message) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %s\nevent: %s\n", id, msg.Topic)
	payload := bytes.ReplaceAll(msg.Payload, []byte("\r\n"), []byte("\n"))
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// transport hands messages to the request goroutine, which owns the
// response writer.
type transport struct {
	remote    string
	out       chan core.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newTransport(remote string) *transport {
	return &transport{remote: remote, out: make(chan core.Message), done: make(chan struct{})}
}

func (t *transport) WriteMessage(msg core.Message) error {
	select {
	case t.out <- msg:
		return nil
	case <-t.done:
		return errors.New("sse stream closed")
	case <-time.After(10 * time.Second):
		return errors.New("sse write timeout")
	}
}

func (t *transport) Close(string) error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *transport) RemoteAddr() string {
	return t.remote
}
