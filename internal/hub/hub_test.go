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

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wso2/api-platform/gateway/field-hub/internal/registry"
	"github.com/wso2/api-platform/gateway/field-hub/internal/routing"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

type fakeTransport struct {
	mu      sync.Mutex
	written []core.Message
	closed  int
	failOn  string
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeTransport) WriteMessage(msg core.Message) error {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.failOn != "" && msg.Topic == f.failOn {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	f.written = append(f.written, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close(string) error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "10.0.0.1:5555" }

func (f *fakeTransport) messages() []core.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Message(nil), f.written...)
}

type recordingSync struct {
	mu   sync.Mutex
	reqs []core.Message
}

func (r *recordingSync) HandleSync(_ core.ConnectionID, msg core.Message) {
	r.mu.Lock()
	r.reqs = append(r.reqs, msg)
	r.mu.Unlock()
}

func (r *recordingSync) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func newTestHub(t *testing.T, opts Options, routes *routing.Table) (*Hub, <-chan core.Event) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := New(registry.New(), routes, opts, logger, nil)
	ch := h.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Stop(ctx)
	})
	return h, ch
}

func next(t *testing.T, ch <-chan core.Event) core.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("consumer channel closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return core.Event{}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func attach(t *testing.T, h *Hub, ch <-chan core.Event, tr core.Transport) core.ConnectionID {
	t.Helper()
	id, err := h.Attach(tr, "ws")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	evt := next(t, ch)
	if evt.Kind != core.EventConnectionOpened || evt.ConnID != id {
		t.Fatalf("expected opened event for %s, got %+v", id, evt)
	}
	return id
}

func TestSendUnknownTarget(t *testing.T) {
	h, _ := newTestHub(t, Options{}, nil)
	err := h.Send(context.Background(), "nobody", core.TextMessage("x", "y"))
	if !errors.Is(err, core.ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestSendDeliversInOrderPerConnection(t *testing.T) {
	h, ch := newTestHub(t, Options{ConnectionQueue: 1024}, nil)
	tr := &fakeTransport{}
	id := attach(t, h, ch, tr)

	const senders, perSender = 4, 50
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				msg, _ := core.NewMessage(fmt.Sprintf("sender-%d", s), i)
				if err := h.Send(context.Background(), id, msg); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(s)
	}
	wg.Wait()

	eventually(t, func() bool { return len(tr.messages()) == senders*perSender })
	last := map[string]int{}
	for _, m := range tr.messages() {
		var n int
		fmt.Sscanf(string(m.Payload), "%d", &n)
		if prev, seen := last[m.Topic]; seen && n != prev+1 {
			t.Fatalf("%s: got %d after %d", m.Topic, n, prev)
		}
		last[m.Topic] = n
	}
}

func TestBroadcastPreservesOrder(t *testing.T) {
	h, ch := newTestHub(t, Options{ConnectionQueue: 512}, nil)
	a, b := &fakeTransport{}, &fakeTransport{}
	attach(t, h, ch, a)
	attach(t, h, ch, b)

	for i := 0; i < 200; i++ {
		msg, _ := core.NewMessage("tick", i)
		if err := h.Broadcast(msg); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}
	for _, tr := range []*fakeTransport{a, b} {
		tr := tr
		eventually(t, func() bool { return len(tr.messages()) == 200 })
		for i, m := range tr.messages() {
			if string(m.Payload) != fmt.Sprint(i) {
				t.Fatalf("position %d holds %s", i, m.Payload)
			}
		}
	}
}

func TestCloseIsDeliveredOnce(t *testing.T) {
	h, ch := newTestHub(t, Options{}, nil)
	tr := &fakeTransport{}
	id := attach(t, h, ch, tr)

	h.Close(id, "heartbeat timeout")
	h.Detach(id, "peer gone")
	h.Publish(core.Event{Kind: core.EventInbound, Source: "marker"})

	evt := next(t, ch)
	if evt.Kind != core.EventConnectionClosed || evt.Reason != "heartbeat timeout" {
		t.Fatalf("expected heartbeat close, got %+v", evt)
	}
	if evt = next(t, ch); evt.Source != "marker" {
		t.Fatalf("expected duplicate close to be dropped, got %+v", evt)
	}

	err := h.Send(context.Background(), id, core.TextMessage("late", ""))
	if !errors.Is(err, core.ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget after close, got %v", err)
	}
	eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.closed == 1
	})
}

func TestPongIsNotForwarded(t *testing.T) {
	h, ch := newTestHub(t, Options{}, nil)
	id := attach(t, h, ch, &fakeTransport{})

	before := time.Now()
	h.Receive(id, core.Message{Topic: core.TopicPong})
	h.Receive(id, core.TextMessage("data", "hello"))

	evt := next(t, ch)
	if evt.Message.Topic != "data" || evt.ConnID != id || evt.Source != "ws" {
		t.Fatalf("expected data event, got %+v", evt)
	}
	snap := h.Registry().Snapshot()
	if len(snap) != 1 || snap[0].LastPong.Before(before) {
		t.Fatalf("expected pong to refresh last pong, got %+v", snap)
	}
}

func TestClientPingIsAnswered(t *testing.T) {
	h, ch := newTestHub(t, Options{}, nil)
	tr := &fakeTransport{}
	id := attach(t, h, ch, tr)

	h.Receive(id, core.TextMessage(core.TopicPing, "42"))
	eventually(t, func() bool { return len(tr.messages()) == 1 })
	if got := tr.messages()[0]; got.Topic != core.TopicPong || string(got.Payload) != `"42"` {
		t.Fatalf("expected pong echo, got %+v", got)
	}
}

func TestSyncTopicGoesToHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := New(registry.New(), nil, Options{}, logger, nil)
	rs := &recordingSync{}
	h.SetSyncHandler(rs)
	ch := h.Start(context.Background())
	defer h.Stop(context.Background())

	id := attach(t, h, ch, &fakeTransport{})
	h.Receive(id, core.TextMessage(core.TopicSyncSysTime, "2025-01-02 03:04:05"))
	h.Receive(id, core.TextMessage("after", ""))

	if evt := next(t, ch); evt.Message.Topic != "after" {
		t.Fatalf("expected sync request to be consumed, got %+v", evt)
	}
	if rs.count() != 1 {
		t.Fatalf("expected 1 sync request, got %d", rs.count())
	}
}

func TestConnectorDataFansOutWhenRouted(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(&routing.Route{Source: "plc-1", Broadcast: true, Topic: "plc"})
	h, ch := newTestHub(t, Options{}, routes)
	tr := &fakeTransport{}
	attach(t, h, ch, tr)

	for _, src := range []string{"plc-1", "quiet"} {
		evt := core.NewEvent(core.EventInbound, src)
		evt.Message = core.TextMessage("holding", "1,2,3")
		if err := h.Publish(evt); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if evt := next(t, ch); evt.Source != "plc-1" {
		t.Fatalf("expected plc-1 event, got %+v", evt)
	}
	if evt := next(t, ch); evt.Source != "quiet" {
		t.Fatalf("expected quiet event, got %+v", evt)
	}
	eventually(t, func() bool { return len(tr.messages()) == 1 })
	if got := tr.messages()[0]; got.Topic != "plc" {
		t.Fatalf("expected renamed topic, got %q", got.Topic)
	}
}

func TestQueueLimitRefusesDataOnly(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := New(registry.New(), nil, Options{MaxPending: 2}, logger, nil)

	for i := 0; i < 2; i++ {
		if err := h.Publish(core.NewEvent(core.EventInbound, "plc")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := h.Publish(core.NewEvent(core.EventInbound, "plc")); !errors.Is(err, core.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := h.Publish(core.NewEvent(core.EventLinkDown, "plc")); err != nil {
		t.Fatalf("expected lifecycle event to be accepted, got %v", err)
	}
}

func TestQueueLimitNeverRefusesClientPong(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := New(registry.New(), nil, Options{MaxPending: 1}, logger, nil)
	id, err := h.Attach(&fakeTransport{}, "ws")
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Receive(id, core.TextMessage("reading", "1")); err != nil {
		t.Fatalf("first data event: %v", err)
	}
	if err := h.Receive(id, core.TextMessage("reading", "2")); !errors.Is(err, core.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := h.Receive(id, core.Message{Topic: core.TopicPong}); err != nil {
		t.Fatalf("expected pong to be accepted on a full queue, got %v", err)
	}
}

func TestWriteFailureClosesConnection(t *testing.T) {
	h, ch := newTestHub(t, Options{}, nil)
	id := attach(t, h, ch, &fakeTransport{failOn: "bad"})

	if err := h.Send(context.Background(), id, core.TextMessage("bad", "")); err != nil {
		t.Fatalf("send should succeed at delivery time, got %v", err)
	}
	evt := next(t, ch)
	if evt.Kind != core.EventConnectionClosed || !strings.Contains(evt.Reason, "write failed") {
		t.Fatalf("expected write failure close, got %+v", evt)
	}
}

func TestSendReportsCongestion(t *testing.T) {
	h, ch := newTestHub(t, Options{ConnectionQueue: 1}, nil)
	tr := &fakeTransport{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	defer close(tr.gate)
	id := attach(t, h, ch, tr)

	if err := h.Send(context.Background(), id, core.TextMessage("one", "")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	<-tr.entered
	if err := h.Send(context.Background(), id, core.TextMessage("two", "")); err != nil {
		t.Fatalf("second send: %v", err)
	}
	err := h.Send(context.Background(), id, core.TextMessage("three", ""))
	if !errors.Is(err, core.ErrConnectionCongested) {
		t.Fatalf("expected ErrConnectionCongested, got %v", err)
	}
}

func TestStopClosesConsumerAndRejectsSends(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := New(registry.New(), nil, Options{}, logger, nil)
	ch := h.Start(context.Background())
	tr := &fakeTransport{}
	attach(t, h, ch, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	for range ch {
	}
	if err := h.Send(context.Background(), "any", core.Message{}); !errors.Is(err, core.ErrHubStopped) {
		t.Fatalf("expected ErrHubStopped, got %v", err)
	}
	if _, err := h.Attach(&fakeTransport{}, "ws"); !errors.Is(err, core.ErrHubStopped) {
		t.Fatalf("expected attach after stop to fail, got %v", err)
	}
	if h.Registry().Len() != 0 {
		t.Fatal("expected registry to be drained")
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed != 1 {
		t.Fatalf("expected transport closed once, got %d", tr.closed)
	}
}

func TestStopReportsEveryOpenConnection(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := New(registry.New(), nil, Options{ConsumerBuffer: 1}, logger, nil)
	ch := h.Start(context.Background())
	open := map[core.ConnectionID]bool{}
	for i := 0; i < 3; i++ {
		open[attach(t, h, ch, &fakeTransport{})] = true
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stopped <- h.Stop(ctx)
	}()

	// Let the hub fill the one-slot buffer before reading.
	time.Sleep(50 * time.Millisecond)
	for evt := range ch {
		if evt.Kind != core.EventConnectionClosed || !open[evt.ConnID] {
			t.Fatalf("unexpected event %+v", evt)
		}
		delete(open, evt.ConnID)
	}
	if len(open) != 0 {
		t.Fatalf("no close reported for %d connections", len(open))
	}
	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
}
