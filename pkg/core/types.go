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

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConnectionID identifies one downstream connection for the lifetime of the process.
type ConnectionID string

type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type EventKind int

const (
	EventConnectionOpened EventKind = iota
	EventConnectionClosed
	EventInbound
	EventOutbound
	EventLinkUp
	EventLinkDown
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionOpened:
		return "connection_opened"
	case EventConnectionClosed:
		return "connection_closed"
	case EventInbound:
		return "inbound"
	case EventOutbound:
		return "outbound"
	case EventLinkUp:
		return "link_up"
	case EventLinkDown:
		return "link_down"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is the unit exchanged with downstream clients. On the wire it is
// {"topic": "...", "payload": ...}.
type Message struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals v as the payload of a message on topic.
func NewMessage(topic string, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	return Message{Topic: topic, Payload: data}, nil
}

// TextMessage carries s as a JSON string payload.
func TextMessage(topic, s string) Message {
	data, _ := json.Marshal(s)
	return Message{Topic: topic, Payload: data}
}

// Text returns the payload as a string when it is a JSON string.
func (m Message) Text() (string, bool) {
	var s string
	if err := json.Unmarshal(m.Payload, &s); err != nil {
		return "", false
	}
	return s, true
}

// Target addresses an outbound message to one connection or to all of them.
type Target struct {
	All bool
	ID  ConnectionID
}

func ToOne(id ConnectionID) Target { return Target{ID: id} }
func ToAll() Target                { return Target{All: true} }

func (t Target) String() string {
	if t.All {
		return "*"
	}
	return string(t.ID)
}

type Event struct {
	ID        string       `json:"id"`
	Kind      EventKind    `json:"kind"`
	ConnID    ConnectionID `json:"conn_id,omitempty"`
	Source    string       `json:"source"`
	Target    Target       `json:"-"`
	Message   Message      `json:"message"`
	Reason    string       `json:"reason,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

func NewEvent(kind EventKind, source string) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// IsLifecycle reports whether the event describes a connection or link
// transition rather than data.
func (e Event) IsLifecycle() bool {
	switch e.Kind {
	case EventConnectionOpened, EventConnectionClosed, EventLinkUp, EventLinkDown:
		return true
	}
	return false
}

// FromClient reports whether an inbound event originated at a downstream connection.
func (e Event) FromClient() bool {
	return e.Kind == EventInbound && e.ConnID != ""
}
