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

package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/wso2/api-platform/gateway/field-hub/internal/hub"
	"github.com/wso2/api-platform/gateway/field-hub/internal/registry"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

type nopTransport struct{}

func (nopTransport) WriteMessage(core.Message) error { return nil }

func (nopTransport) Close(string) error { return nil }

func (nopTransport) RemoteAddr() string { return "" }

type recordingSink struct {
	mu     sync.Mutex
	pings  []core.ConnectionID
	closes []core.ConnectionID
}

func (r *recordingSink) Publish(evt core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if evt.Kind == core.EventOutbound && evt.Message.Topic == core.TopicPing {
		r.pings = append(r.pings, evt.Target.ID)
	}
	return nil
}

func (r *recordingSink) Close(id core.ConnectionID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, id)
	return nil
}

type fakeChecker struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeChecker) CheckLiveness(time.Time) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func newScheduler(start time.Time, checkers ...LivenessChecker) (*Scheduler, *registry.Registry, *recordingSink) {
	reg := registry.New(registry.WithClock(func() time.Time { return start }))
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := New(10*time.Second, reg, sink, func() []LivenessChecker { return checkers }, logger)
	return s, reg, sink
}

func TestTickPingsLiveConnections(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, reg, sink := newScheduler(start)
	id, _ := reg.Register(registry.NewConnection("ws", "", nopTransport{}, 4))

	now := start.Add(10 * time.Second)
	s.Tick(now)

	if len(sink.pings) != 1 || sink.pings[0] != id {
		t.Fatalf("expected one ping to %s, got %v", id, sink.pings)
	}
	if len(sink.closes) != 0 {
		t.Fatalf("expected no closes, got %v", sink.closes)
	}
	if got := reg.Snapshot()[0].LastPing; !got.Equal(now) {
		t.Fatalf("expected last ping %v, got %v", now, got)
	}
}

func TestTimeoutClosesExactlyOnce(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, reg, sink := newScheduler(start)
	stale, _ := reg.Register(registry.NewConnection("ws", "", nopTransport{}, 4))
	fresh, _ := reg.Register(registry.NewConnection("ws", "", nopTransport{}, 4))

	for i := 1; i <= 4; i++ {
		now := start.Add(time.Duration(i) * 10 * time.Second)
		reg.RecordPong(fresh, now)
		s.Tick(now)
	}

	if len(sink.closes) != 1 || sink.closes[0] != stale {
		t.Fatalf("expected exactly one close for %s, got %v", stale, sink.closes)
	}
	stalePings := 0
	for _, id := range sink.pings {
		if id == stale {
			stalePings++
		}
	}
	if stalePings != 2 {
		t.Fatalf("expected pings to stop once closing, got %d pings", stalePings)
	}
}

func TestPongAtBoundaryKeepsConnection(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, reg, sink := newScheduler(start)
	reg.Register(registry.NewConnection("ws", "", nopTransport{}, 4))

	s.Tick(start.Add(20 * time.Second))
	if len(sink.closes) != 0 {
		t.Fatal("expected a pong exactly two intervals old to be tolerated")
	}
}

func TestTickChecksConnectorLiveness(t *testing.T) {
	checker := &fakeChecker{}
	s, _, _ := newScheduler(time.Now(), checker)
	s.Tick(time.Now())
	s.Tick(time.Now())
	if checker.calls != 2 {
		t.Fatalf("expected 2 liveness checks, got %d", checker.calls)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _, _ := newScheduler(time.Now())
	s.interval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTimeoutReachesConsumerOnce(t *testing.T) {
	start := time.Now()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := registry.New(registry.WithClock(func() time.Time { return start }))
	h := hub.New(reg, nil, hub.Options{}, logger, nil)
	events := h.Start(context.Background())

	id, err := h.Attach(nopTransport{}, "ws")
	if err != nil {
		t.Fatal(err)
	}
	if evt := <-events; evt.Kind != core.EventConnectionOpened {
		t.Fatalf("expected opened event, got %s", evt.Kind)
	}

	s := New(10*time.Second, reg, h, nil, logger)
	s.Tick(start.Add(25 * time.Second))
	s.Tick(start.Add(26 * time.Second))
	h.Detach(id, "peer closed")

	select {
	case evt := <-events:
		if evt.Kind != core.EventConnectionClosed || evt.ConnID != id || evt.Reason != "heartbeat timeout" {
			t.Fatalf("expected heartbeat close, got %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close never reached the consumer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go h.Stop(ctx)
	for evt := range events {
		if evt.Kind == core.EventConnectionClosed && evt.ConnID == id {
			t.Fatalf("second close for %s: %+v", id, evt)
		}
	}
}
