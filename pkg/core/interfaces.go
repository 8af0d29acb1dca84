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

package core

import "context"

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(evt Event) error
}

type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkBackoff
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkBackoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

// Connector is one running instance of a field protocol family.
type Connector interface {
	Name() string
	Family() string
	Start(ctx context.Context, pub Publisher) error
	Stop(ctx context.Context) error
	State() LinkState
}

// Transport is the write side of a handshaken downstream connection.
type Transport interface {
	WriteMessage(msg Message) error
	Close(reason string) error
	RemoteAddr() string
}

// Attacher is what entrypoints use to hand connections and their inbound
// traffic to the hub.
type Attacher interface {
	Attach(t Transport, source string) (ConnectionID, error)
	Receive(id ConnectionID, msg Message) error
	Detach(id ConnectionID, reason string)
}

type Entrypoint interface {
	Name() string
	Type() string
	Start(ctx context.Context, hub Attacher) error
	Stop(ctx context.Context) error
}
