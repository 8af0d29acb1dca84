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

package appstate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/wso2/api-platform/gateway/field-hub/internal/connector"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/plugins"
)

// pollDriver yields one reading, then idles like a poller waiting for its
// next interval.
type pollDriver struct {
	topic string
	sent  bool
}

func (d *pollDriver) Open(context.Context) error { return nil }

func (d *pollDriver) Next(ctx context.Context) (connector.Frame, error) {
	if !d.sent {
		d.sent = true
		return connector.Frame{Topic: d.topic, Data: []byte(`{"value":1}`)}, nil
	}
	<-ctx.Done()
	return connector.Frame{}, ctx.Err()
}

func (d *pollDriver) Decode(f connector.Frame) (core.Message, error) { return connector.PassThrough(f) }

func (d *pollDriver) Close() error { return nil }

// subDriver delivers whatever is pushed into its inbox.
type subDriver struct {
	inbox *connector.Inbox
}

func (d *subDriver) Open(context.Context) error { return nil }

func (d *subDriver) Next(ctx context.Context) (connector.Frame, error) { return d.inbox.Next(ctx) }

func (d *subDriver) Decode(f connector.Frame) (core.Message, error) { return connector.PassThrough(f) }

func (d *subDriver) Close() error { return nil }

type fakeTransport struct {
	mu   sync.Mutex
	msgs []core.Message
}

func (t *fakeTransport) WriteMessage(m core.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, m)
	return nil
}

func (t *fakeTransport) Close(string) error { return nil }

func (t *fakeTransport) RemoteAddr() string { return "10.0.0.9:4000" }

func (t *fakeTransport) topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.msgs))
	for _, m := range t.msgs {
		out = append(out, m.Topic)
	}
	return out
}

// attachEntrypoint attaches one fake connection when started.
type attachEntrypoint struct {
	transport *fakeTransport
	ids       chan core.ConnectionID
}

func (e *attachEntrypoint) Name() string { return "test-entry" }

func (e *attachEntrypoint) Type() string { return "test" }

func (e *attachEntrypoint) Start(ctx context.Context, hub core.Attacher) error {
	id, err := hub.Attach(e.transport, e.Name())
	if err != nil {
		return err
	}
	e.ids <- id
	<-ctx.Done()
	return nil
}

func (e *attachEntrypoint) Stop(context.Context) error { return nil }

type fixture struct {
	app     *AppState
	events  <-chan core.Event
	inbox   *connector.Inbox
	entry   *attachEntrypoint
	connID  core.ConnectionID
	cleanup func()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog(inbox *connector.Inbox) *plugins.Registry {
	catalog := plugins.NewRegistry(testLogger())
	catalog.RegisterFamily("fake_poll", func(cfg config.ConnectorConfig, _ *slog.Logger) (connector.Driver, error) {
		return &pollDriver{topic: cfg.Name + "/reading"}, nil
	})
	catalog.RegisterFamily("fake_sub", func(config.ConnectorConfig, *slog.Logger) (connector.Driver, error) {
		return &subDriver{inbox: inbox}, nil
	})
	return catalog
}

func testConfig() *config.Config {
	return &config.Config{
		Connectors: []config.ConnectorConfig{
			{Name: "plc-1", Family: "fake_poll", Address: "10.0.0.1:502"},
			{Name: "plc-2", Family: "fake_poll", Address: "10.0.0.2:502"},
			{Name: "broker", Family: "fake_sub", Address: "tcp://broker:1883", Broadcast: true},
		},
	}
}

type noClock struct{}

func (noClock) SetSystemTime(context.Context, time.Time) error { return errors.New("not in tests") }

func start(t *testing.T) *fixture {
	t.Helper()
	return startWith(t, testConfig())
}

func startWith(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	inbox := connector.NewInbox(8)
	entry := &attachEntrypoint{transport: &fakeTransport{}, ids: make(chan core.ConnectionID, 1)}
	app, err := New(cfg, testCatalog(inbox),
		WithLogger(testLogger()), WithClocks(noClock{}, nil), WithEntrypoint(entry))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events, err := app.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f := &fixture{app: app, events: events, inbox: inbox, entry: entry}
	select {
	case f.connID = <-entry.ids:
	case <-time.After(2 * time.Second):
		t.Fatal("entrypoint did not attach")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Stop(ctx)
	})
	return f
}

func (f *fixture) inbound(t *testing.T, n int) []core.Event {
	t.Helper()
	var got []core.Event
	deadline := time.After(3 * time.Second)
	for len(got) < n {
		select {
		case evt := <-f.events:
			if evt.Kind == core.EventInbound {
				got = append(got, evt)
			}
		case <-deadline:
			t.Fatalf("expected %d inbound events, got %d", n, len(got))
		}
	}
	return got
}

func TestEndToEndPollingAndSubscribe(t *testing.T) {
	f := start(t)
	f.inbox.Push(connector.Frame{Topic: "line/state", Data: []byte(`"running"`)})

	got := f.inbound(t, 3)
	sources := map[string]bool{}
	for _, evt := range got {
		sources[evt.Source] = true
	}
	for _, s := range []string{"plc-1", "plc-2", "broker"} {
		if !sources[s] {
			t.Fatalf("missing inbound from %s, got %v", s, sources)
		}
	}

	timeout := time.After(200 * time.Millisecond)
	for {
		select {
		case evt := <-f.events:
			if evt.Kind == core.EventInbound {
				t.Fatalf("unexpected extra inbound event from %s", evt.Source)
			}
		case <-timeout:
			return
		}
	}
}

func TestSendAndBroadcast(t *testing.T) {
	f := start(t)
	ctx := context.Background()

	err := f.app.Send(ctx, "no-such-connection", core.TextMessage("cmd", "x"))
	if !errors.Is(err, core.ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
	if err := f.app.Send(ctx, f.connID, core.TextMessage("cmd", "start")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := f.app.Broadcast(core.TextMessage("notice", "all")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	// The subscribe connector is routed to every downstream connection.
	f.inbox.Push(connector.Frame{Topic: "alarm", Data: []byte("1")})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		topics := f.entry.transport.topics()
		if len(topics) >= 3 {
			want := []string{"cmd", "notice", "alarm"}
			for i, w := range want {
				if topics[i] != w {
					t.Fatalf("expected %v in order, got %v", want, topics)
				}
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected three deliveries, got %v", f.entry.transport.topics())
}

func TestMissingCapabilityIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Connectors = append(cfg.Connectors, config.ConnectorConfig{Name: "hist", Family: "kafka", Address: "k:9092"})
	_, err := New(cfg, testCatalog(connector.NewInbox(1)), WithLogger(testLogger()))
	if !errors.Is(err, core.ErrCapabilityMissing) {
		t.Fatalf("expected ErrCapabilityMissing, got %v", err)
	}
}

func TestInvalidConfigIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Connectors[1].Name = "plc-1"
	_, err := New(cfg, testCatalog(connector.NewInbox(1)), WithLogger(testLogger()))
	if !errors.Is(err, core.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestReconcile(t *testing.T) {
	f := start(t)
	f.inbound(t, 2)

	next := testConfig()
	next.ApplyDefaults()
	next.Connectors = append(next.Connectors[1:], config.ConnectorConfig{Name: "plc-3", Family: "fake_poll", Address: "10.0.0.3:502"})
	next.ApplyDefaults()

	if err := f.app.Reconcile(context.Background(), next.Connectors); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got := f.inbound(t, 1)
	if got[0].Source != "plc-3" {
		t.Fatalf("expected inbound from the added connector, got %s", got[0].Source)
	}

	h := f.app.Health(context.Background())
	if _, ok := h.Connectors["plc-1"]; ok {
		t.Fatal("removed connector still reported")
	}
	if len(h.Connectors) != 3 || h.Connections != 1 {
		t.Fatalf("unexpected health %+v", h)
	}

	bad := append(next.Connectors, config.ConnectorConfig{Name: "x", Family: "nope", Address: "a"})
	if err := f.app.Reconcile(context.Background(), bad); !errors.Is(err, core.ErrCapabilityMissing) {
		t.Fatalf("expected capability error, got %v", err)
	}
	if len(f.app.Health(context.Background()).Connectors) != 3 {
		t.Fatal("failed reconcile must not change the running set")
	}
}

func TestHealthHandler(t *testing.T) {
	f := start(t)
	rec := httptest.NewRecorder()
	healthHandler(f.app)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var h Health
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || len(h.Connectors) != 3 {
		t.Fatalf("unexpected health %+v", h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.app.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	rec = httptest.NewRecorder()
	healthHandler(f.app)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after stop, got %d", rec.Code)
	}
}

func TestConnectionLimitApplies(t *testing.T) {
	cfg := testConfig()
	cfg.Hub.MaxConnections = 1
	f := startWith(t, cfg)

	_, err := f.app.hub.Attach(&fakeTransport{}, "extra")
	if !errors.Is(err, core.ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}
}
