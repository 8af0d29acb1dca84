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
	"math"
	"net/http/httptest"
	"testing"
)

func TestMessageHelpers(t *testing.T) {
	m := TextMessage("status", "ready")
	if string(m.Payload) != `"ready"` {
		t.Fatalf("unexpected payload %s", m.Payload)
	}
	if s, ok := m.Text(); !ok || s != "ready" {
		t.Fatalf("expected text ready, got %q %v", s, ok)
	}

	n, err := NewMessage("reading", map[string]int{"v": 3})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := n.Text(); ok {
		t.Fatal("object payload must not read as text")
	}
	if _, err := NewMessage("bad", math.Inf(1)); err == nil {
		t.Fatal("expected marshal error for +Inf")
	}
}

func TestEventClassification(t *testing.T) {
	in := NewEvent(EventInbound, "plc-1")
	if in.ID == "" || in.Timestamp.IsZero() || in.Timestamp.Location().String() != "UTC" {
		t.Fatalf("event not stamped: %+v", in)
	}
	if in.FromClient() || in.IsLifecycle() {
		t.Fatal("connector inbound is neither client traffic nor lifecycle")
	}
	in.ConnID = "c1"
	if !in.FromClient() {
		t.Fatal("inbound with a connection id comes from a client")
	}
	for _, k := range []EventKind{EventConnectionOpened, EventConnectionClosed, EventLinkUp, EventLinkDown} {
		if !NewEvent(k, "x").IsLifecycle() {
			t.Fatalf("%s should be lifecycle", k)
		}
	}
	if NewEvent(EventOutbound, "x").IsLifecycle() {
		t.Fatal("outbound is not lifecycle")
	}
	if NewEvent(EventInbound, "a").ID == NewEvent(EventInbound, "a").ID {
		t.Fatal("event ids must be unique")
	}
}

func TestStringers(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{EventLinkDown.String(), "link_down"},
		{EventKind(42).String(), "kind(42)"},
		{StateClosing.String(), "closing"},
		{ConnectionState(9).String(), "state(9)"},
		{LinkBackoff.String(), "backoff"},
		{LinkState(-1).String(), "disconnected"},
		{ToAll().String(), "*"},
		{ToOne("abc").String(), "abc"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestReservedTopics(t *testing.T) {
	for _, topic := range []string{TopicPing, TopicPong, TopicSyncSysTime} {
		if !IsReserved(topic) {
			t.Errorf("%s should be reserved", topic)
		}
	}
	if IsReserved(TopicSyncSysTimeResult) || IsReserved("telemetry") {
		t.Error("result and data topics are forwarded")
	}
}

func TestPeerLabel(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "[::1]:5555"
	if got := PeerLabel(r); got != "::1" {
		t.Fatalf("expected ::1, got %q", got)
	}
	r.Header.Set("X-Client-ID", "hmi-3")
	if got := PeerLabel(r); got != "hmi-3" {
		t.Fatalf("expected header to win, got %q", got)
	}
	if HostOf("") != "unknown" || HostOf("10.1.2.3:80") != "10.1.2.3" || HostOf("plc.local") != "plc.local" {
		t.Fatal("unexpected HostOf result")
	}
}
