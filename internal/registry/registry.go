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

package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

type Option func(*Registry)

// WithLimit caps the number of live connections. Zero means unlimited.
func WithLimit(n int) Option {
	return func(r *Registry) { r.limit = n }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func withIDs(next func() core.ConnectionID) Option {
	return func(r *Registry) { r.newID = next }
}

// Registry is the single source of truth for live downstream connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[core.ConnectionID]*Connection
	limit int
	now   func() time.Time
	newID func() core.ConnectionID
}

func New(opts ...Option) *Registry {
	r := &Registry{
		conns: make(map[core.ConnectionID]*Connection),
		now:   time.Now,
		newID: func() core.ConnectionID { return core.ConnectionID(uuid.New().String()) },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register assigns c a fresh id and makes it visible as Open.
func (r *Registry) Register(c *Connection) (core.ConnectionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit > 0 && len(r.conns) >= r.limit {
		return "", fmt.Errorf("%w: limit=%d", core.ErrTooManyConnections, r.limit)
	}

	id := r.newID()
	for _, taken := r.conns[id]; taken || id == ""; _, taken = r.conns[id] {
		id = r.newID()
	}

	now := r.now()
	c.id = id
	c.state = core.StateOpen
	c.openedAt = now
	c.lastPong = now
	c.lastActivity = now
	r.conns[id] = c
	return id, nil
}

// Unregister removes id. Unknown ids are a no-op and report false.
func (r *Registry) Unregister(id core.ConnectionID) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	c.state = core.StateClosed
	return c, true
}

// Lookup returns the connection only while it is Open.
func (r *Registry) Lookup(id core.ConnectionID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok || c.state != core.StateOpen {
		return nil, false
	}
	return c, true
}

// Get returns the connection in any registered state.
func (r *Registry) Get(id core.ConnectionID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// ForEach calls fn for every Open connection in a snapshot taken on entry.
// fn runs without the registry lock held.
func (r *Registry) ForEach(fn func(*Connection)) {
	r.mu.RLock()
	open := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.state == core.StateOpen {
			open = append(open, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range open {
		fn(c)
	}
}

func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, Info{
			ID:           c.id,
			Source:       c.source,
			Peer:         c.peer,
			State:        c.state,
			OpenedAt:     c.openedAt,
			LastPing:     c.lastPing,
			LastPong:     c.lastPong,
			LastActivity: c.lastActivity,
			Queued:       len(c.outbound),
		})
	}
	return out
}

// MarkClosing moves an Open connection to Closing. It reports true only for
// the call that made the transition.
func (r *Registry) MarkClosing(id core.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.state != core.StateOpen {
		return false
	}
	c.state = core.StateClosing
	return true
}

func (r *Registry) RecordPing(id core.ConnectionID, at time.Time) bool {
	return r.update(id, func(c *Connection) { c.lastPing = at })
}

func (r *Registry) RecordPong(id core.ConnectionID, at time.Time) bool {
	return r.update(id, func(c *Connection) {
		c.lastPong = at
		c.lastActivity = at
	})
}

func (r *Registry) Touch(id core.ConnectionID, at time.Time) bool {
	return r.update(id, func(c *Connection) { c.lastActivity = at })
}

func (r *Registry) update(id core.ConnectionID, fn func(*Connection)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	fn(c)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Drain removes and returns every registered connection.
func (r *Registry) Drain() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for id, c := range r.conns {
		c.state = core.StateClosed
		out = append(out, c)
		delete(r.conns, id)
	}
	return out
}
