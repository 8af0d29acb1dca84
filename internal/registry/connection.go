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
	"time"

	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

// Connection is one handshaken downstream peer. Its outbound queue has a
// single writer (the hub loop) which is also the only goroutine that closes it.
type Connection struct {
	id        core.ConnectionID
	source    string
	peer      string
	transport core.Transport
	outbound  chan core.Message

	// guarded by Registry.mu
	state        core.ConnectionState
	openedAt     time.Time
	lastPing     time.Time
	lastPong     time.Time
	lastActivity time.Time
}

func NewConnection(source, peer string, t core.Transport, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Connection{
		source:    source,
		peer:      peer,
		transport: t,
		outbound:  make(chan core.Message, queueSize),
		state:     core.StateConnecting,
	}
}

func (c *Connection) ID() core.ConnectionID { return c.id }

func (c *Connection) Source() string { return c.source }

func (c *Connection) Peer() string { return c.peer }

func (c *Connection) Transport() core.Transport { return c.transport }

func (c *Connection) Outbound() <-chan core.Message { return c.outbound }

// Enqueue appends msg to the outbound queue without blocking. It returns
// false when the queue is full.
func (c *Connection) Enqueue(msg core.Message) bool {
	select {
	case c.outbound <- msg:
		return true
	default:
		return false
	}
}

// CloseOutbound ends the writer loop once queued messages are drained.
func (c *Connection) CloseOutbound() {
	close(c.outbound)
}

// Info is a point-in-time copy of a connection's bookkeeping.
type Info struct {
	ID           core.ConnectionID
	Source       string
	Peer         string
	State        core.ConnectionState
	OpenedAt     time.Time
	LastPing     time.Time
	LastPong     time.Time
	LastActivity time.Time
	Queued       int
}
