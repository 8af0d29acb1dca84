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

package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

const (
	writeWait    = 10 * time.Second
	maxLineBytes = 1 << 20
)

// Line is one newline-terminated JSON frame. Lines that do not parse are
// delivered as text on the entrypoint's own topic.
type Line struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Entrypoint struct {
	name     string
	addr     string
	maxConns int
	logger   *slog.Logger
	active   atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	ready    chan struct{}
	wg       sync.WaitGroup
}

func New(name, addr string, maxConns int, logger *slog.Logger) *Entrypoint {
	return &Entrypoint{
		name:     name,
		addr:     addr,
		maxConns: maxConns,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
		ready:    make(chan struct{}),
	}
}

func (e *Entrypoint) Name() string {
	return e.name
}

func (e *Entrypoint) Type() string {
	return "socket"
}

func (e *Entrypoint) Ready() <-chan struct{} {
	return e.ready
}

func (e *Entrypoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

func (e *Entrypoint) Start(ctx context.Context, hub core.Attacher) error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("socket listen %s: %w", e.addr, err)
	}
	e.mu.Lock()
	e.listener = ln
	e.mu.Unlock()
	close(e.ready)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	e.logger.Info("socket entrypoint starting", "name", e.name, "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("socket accept: %w", err)
		}
		if e.maxConns > 0 && e.active.Load() >= int64(e.maxConns) {
			e.logger.Warn("socket connection limit reached", "name", e.name, "peer", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		e.active.Add(1)
		e.track(conn, true)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.active.Add(-1)
			defer e.track(conn, false)
			e.serve(conn, hub)
		}()
	}
}

func (e *Entrypoint) track(c net.Conn, add bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if add {
		e.conns[c] = struct{}{}
	} else {
		delete(e.conns, c)
	}
}

// Stop closes the listener and any connection still open, then waits for
// their readers.
func (e *Entrypoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.listener != nil {
		e.listener.Close()
	}
	for c := range e.conns {
		c.Close()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Entrypoint) serve(conn net.Conn, hub core.Attacher) {
	t := &transport{conn: conn}
	id, err := hub.Attach(t, e.name)
	if err != nil {
		e.logger.Warn("socket attach rejected", "peer", conn.RemoteAddr().String(), "error", err)
		t.Close(err.Error())
		return
	}

	reason := "peer closed"
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 4096), maxLineBytes)
	for sc.Scan() {
		msg, ok := e.decode(sc.Bytes())
		if !ok {
			continue
		}
		if err := hub.Receive(id, msg); err != nil {
			if errors.Is(err, core.ErrHubStopped) {
				reason = "hub stopped"
				break
			}
			e.logger.Warn("socket inbound dropped", "conn_id", id, "error", err)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		reason = "read error: " + err.Error()
	}
	hub.Detach(id, reason)
	e.logger.Info("socket client disconnected", "conn_id", id, "reason", reason)
}

func (e *Entrypoint) decode(raw []byte) (core.Message, bool) {
	if len(raw) > 0 && raw[len(raw)-1] == '\r' {
		raw = raw[:len(raw)-1]
	}
	if len(raw) == 0 {
		return core.Message{}, false
	}
	var l Line
	if err := json.Unmarshal(raw, &l); err == nil && l.Topic != "" {
		return core.Message{Topic: l.Topic, Payload: l.Payload}, true
	}
	return core.TextMessage(e.name, string(raw)), true
}

type transport struct {
	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
}

func (t *transport) WriteMessage(msg core.Message) error {
	data, err := json.Marshal(Line{Topic: msg.Topic, Payload: msg.Payload})
	if err != nil {
		return err
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_, err = t.conn.Write(append(data, '\n'))
	return err
}

func (t *transport) Close(reason string) error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *transport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
