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

// Package appstate composes the hub, its entrypoints, the connector runners,
// the heartbeat and the time-sync coordinator into one runtime.
package appstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wso2/api-platform/gateway/field-hub/internal/connector"
	"github.com/wso2/api-platform/gateway/field-hub/internal/heartbeat"
	"github.com/wso2/api-platform/gateway/field-hub/internal/hub"
	"github.com/wso2/api-platform/gateway/field-hub/internal/metrics"
	"github.com/wso2/api-platform/gateway/field-hub/internal/registry"
	"github.com/wso2/api-platform/gateway/field-hub/internal/routing"
	"github.com/wso2/api-platform/gateway/field-hub/internal/timesync"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/plugins"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/plugins/socket"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/plugins/sse"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/plugins/ws"
)

type Option func(*AppState)

func WithLogger(l *slog.Logger) Option {
	return func(a *AppState) { a.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *AppState) { a.metrics = m }
}

// WithClocks replaces the system and hardware clock facilities.
func WithClocks(clock timesync.ClockSetter, rtc timesync.HardwareClock) Option {
	return func(a *AppState) {
		a.clock = clock
		a.rtc = rtc
	}
}

// WithEntrypoint adds a downstream entrypoint next to those built from config.
func WithEntrypoint(e core.Entrypoint) Option {
	return func(a *AppState) { a.extra = append(a.extra, e) }
}

type managed struct {
	cfg    config.ConnectorConfig
	runner *connector.Runner
}

type AppState struct {
	cfg     *config.Config
	catalog *plugins.Registry
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   timesync.ClockSetter
	rtc     timesync.HardwareClock
	extra   []core.Entrypoint

	registry    *registry.Registry
	routes      *routing.Table
	hub         *hub.Hub
	heartbeat   *heartbeat.Scheduler
	coordinator *timesync.Coordinator
	admin       *adminServer

	mu         sync.Mutex
	connectors map[string]*managed
	db         *pgxpool.Pool
	runCtx     context.Context
	cancel     context.CancelFunc
	hbDone     chan struct{}
	started    bool
	stopped    bool
}

// New validates cfg and builds every connector driver. Nothing is started;
// any error here, including a family missing from the catalog, is fatal.
func New(cfg *config.Config, catalog *plugins.Registry, opts ...Option) (*AppState, error) {
	a := &AppState{
		cfg:        cfg,
		catalog:    catalog,
		logger:     slog.Default(),
		connectors: make(map[string]*managed),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var errs []error
	for _, cc := range cfg.Connectors {
		r, err := a.buildRunner(cc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.connectors[cc.Name] = &managed{cfg: cc, runner: r}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := a.buildClocks(); err != nil {
		return nil, err
	}

	a.registry = registry.New(registry.WithLimit(cfg.ConnectionLimit()))
	a.routes = routing.NewTable()
	a.routes.ReplaceAll(cfg.Routes())
	a.hub = hub.New(a.registry, a.routes, hub.Options{
		ConsumerBuffer:  cfg.Hub.ConsumerBuffer,
		MaxPending:      cfg.Hub.MaxPending,
		ConnectionQueue: cfg.Hub.ConnectionQueue,
	}, a.logger, a.metrics)

	a.coordinator = timesync.New(timesync.Options{
		Enabled:           cfg.Sys.SyncTimeFromClient,
		SyncHardwareClock: cfg.Sys.SyncTimeFromRTC,
	}, a.clock, a.rtc, a.hub, a.logger, a.metrics)
	a.hub.SetSyncHandler(a.coordinator)

	a.heartbeat = heartbeat.New(cfg.Hub.HeartbeatInterval.Std(), a.registry, a.hub, a.livenessCheckers, a.logger)

	a.registerEntrypoints()
	if cfg.Admin.Address != "" {
		a.admin = newAdminServer(cfg.Admin.Address, a, a.logger)
	}
	return a, nil
}

func (a *AppState) buildRunner(cc config.ConnectorConfig) (*connector.Runner, error) {
	d, err := a.catalog.Build(cc)
	if err != nil {
		return nil, err
	}
	return connector.NewRunner(cc.Name, cc.Family, d, policyOf(cc), a.logger, a.metrics), nil
}

func policyOf(cc config.ConnectorConfig) connector.Policy {
	return connector.Policy{
		InitialDelay: cc.Retry.InitialDelay.Std(),
		MaxDelay:     cc.Retry.MaxDelay.Std(),
		Multiplier:   cc.Retry.Multiplier,
		Jitter:       cc.Retry.Jitter,
		OpTimeout:    cc.Timeout.Std(),
		StaleAfter:   cc.StaleAfter.Std(),
	}
}

func (a *AppState) buildClocks() error {
	run := timesync.ExecRunner(!a.cfg.Sys.NoSudo)
	if a.clock == nil {
		a.clock = timesync.SystemClock{Run: run, Logger: a.logger}
	}
	if a.rtc == nil && a.cfg.Sys.SyncTimeFromRTC {
		rtc, err := timesync.NewDS1307(a.cfg.Sys.RTCI2CDev, a.cfg.Sys.RTCI2CAddr, run, timesync.ExecRunner(!a.cfg.Sys.NoSudo))
		if err != nil {
			return fmt.Errorf("%w: sys.rtc_i2c_dev: %v", core.ErrInvalidConfig, err)
		}
		a.rtc = rtc
	}
	return nil
}

func (a *AppState) registerEntrypoints() {
	if wc := a.cfg.WebSocket; wc.Enabled {
		a.catalog.RegisterEntrypoint(wsEntrypoint(wc, a.logger))
	}
	if sc := a.cfg.SSE; sc.Enabled {
		addr := net.JoinHostPort(sc.Host, strconv.Itoa(sc.Port))
		a.catalog.RegisterEntrypoint(sse.New("sse", addr, sc.Path, a.logger.With("component", "sse")))
	}
	for _, s := range a.cfg.Sockets {
		addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
		a.catalog.RegisterEntrypoint(socket.New(s.Name, addr, s.MaxConnections, a.logger.With("component", "socket")))
	}
	for _, e := range a.extra {
		a.catalog.RegisterEntrypoint(e)
	}
}

func wsEntrypoint(c config.WebSocketConfig, logger *slog.Logger) core.Entrypoint {
	return ws.New("web_socket", ws.Options{
		Addr:           net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:           c.Path,
		MaxConnections: c.MaxConnections,
		InboundRate:    c.InboundRate,
		InboundBurst:   c.InboundBurst,
	}, logger.With("component", "websocket"))
}

func (a *AppState) livenessCheckers() []heartbeat.LivenessChecker {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]heartbeat.LivenessChecker, 0, len(a.connectors))
	for _, m := range a.connectors {
		out = append(out, m.runner)
	}
	return out
}

// Start brings the runtime up and returns the consumer channel, which is
// closed once the hub has stopped.
func (a *AppState) Start(ctx context.Context) (<-chan core.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil, errors.New("app state already started")
	}

	if url := a.cfg.Database.URL; url != "" {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		a.db = pool
	}

	if a.cfg.Sys.SyncTimeFromRTC {
		if err := a.coordinator.RestoreFromHardware(ctx); err != nil {
			a.logger.Warn("system clock not restored from rtc", "error", err)
		}
	}

	a.runCtx, a.cancel = context.WithCancel(ctx)
	a.started = true

	events := a.hub.Start(a.runCtx)
	a.coordinator.Start(a.runCtx)
	a.catalog.StartEntrypoints(a.runCtx, a.hub)

	for name, m := range a.connectors {
		if err := m.runner.Start(a.runCtx, a.hub); err != nil {
			a.logger.Error("connector start failed", "connector", name, "error", err)
		}
	}

	a.hbDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		a.heartbeat.Run(a.runCtx)
	}(a.hbDone)

	if a.admin != nil {
		a.admin.start()
	}

	a.logger.Info("field hub started",
		"connectors", len(a.connectors),
		"families", a.catalog.Families(),
		"entrypoints", len(a.catalog.Entrypoints()),
	)
	return events, nil
}

func (a *AppState) Broadcast(msg core.Message) error {
	return a.hub.Broadcast(msg)
}

// Send returns core.ErrUnknownTarget when id is not an open connection at
// delivery time.
func (a *AppState) Send(ctx context.Context, id core.ConnectionID, msg core.Message) error {
	return a.hub.Send(ctx, id, msg)
}

// DB is nil when no database URL is configured.
func (a *AppState) DB() *pgxpool.Pool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db
}

func (a *AppState) Metrics() *metrics.Metrics {
	return a.metrics
}

func (a *AppState) Routes() *routing.Table {
	return a.routes
}

// Stop shuts down connectors, entrypoints, heartbeat, coordinator, hub and
// the database pool in that order.
func (a *AppState) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	runners := make([]*connector.Runner, 0, len(a.connectors))
	for _, m := range a.connectors {
		runners = append(runners, m.runner)
	}
	a.mu.Unlock()

	var errs []error
	var wg sync.WaitGroup
	var errMu sync.Mutex
	for _, r := range runners {
		wg.Add(1)
		go func(r *connector.Runner) {
			defer wg.Done()
			if err := r.Stop(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("stop connector %s: %w", r.Name(), err))
				errMu.Unlock()
			}
		}(r)
	}
	wg.Wait()

	a.catalog.StopEntrypoints(ctx)

	a.cancel()
	select {
	case <-a.hbDone:
	case <-ctx.Done():
	}

	if err := a.coordinator.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop timesync: %w", err))
	}
	if err := a.hub.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop hub: %w", err))
	}
	if a.admin != nil {
		if err := a.admin.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop admin: %w", err))
		}
	}
	if db := a.DB(); db != nil {
		db.Close()
	}
	a.logger.Info("field hub stopped")
	return errors.Join(errs...)
}

// Reconcile applies a new connector set: removed and changed connectors are
// stopped, added and changed ones are started with fresh runners. Drivers
// are built up front; if any fails nothing is changed and the error is
// returned. Once the set is swapped, stop and start problems are logged.
func (a *AppState) Reconcile(ctx context.Context, connectors []config.ConnectorConfig) error {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return errors.New("app state not running")
	}
	want := make(map[string]config.ConnectorConfig, len(connectors))
	for _, cc := range connectors {
		want[cc.Name] = cc
	}

	var stale []*managed
	fresh := make(map[string]*managed)
	var errs []error
	for name, m := range a.connectors {
		if cc, ok := want[name]; !ok || !cc.Equal(m.cfg) {
			stale = append(stale, m)
		}
	}
	for name, cc := range want {
		if m, ok := a.connectors[name]; ok && cc.Equal(m.cfg) {
			continue
		}
		r, err := a.buildRunner(cc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fresh[name] = &managed{cfg: cc, runner: r}
	}
	if len(errs) > 0 {
		a.mu.Unlock()
		return errors.Join(errs...)
	}
	for _, m := range stale {
		delete(a.connectors, m.cfg.Name)
	}
	for name, m := range fresh {
		a.connectors[name] = m
	}
	runCtx := a.runCtx
	a.mu.Unlock()

	for _, m := range stale {
		if err := m.runner.Stop(ctx); err != nil {
			a.logger.Warn("connector stop incomplete", "connector", m.cfg.Name, "error", err)
		}
		a.metrics.ForgetConnector(m.cfg.Name, m.cfg.Family)
	}
	for name, m := range fresh {
		if err := m.runner.Start(runCtx, a.hub); err != nil {
			a.logger.Error("connector start failed", "connector", name, "error", err)
		}
	}
	a.logger.Info("connectors reconciled", "stopped", len(stale), "started", len(fresh))
	return nil
}

// Health is a point-in-time view served on /healthz.
type Health struct {
	Status      string            `json:"status"`
	Connections int               `json:"connections"`
	Connectors  map[string]string `json:"connectors"`
	Database    string            `json:"database,omitempty"`
	CheckedAt   time.Time         `json:"checked_at"`
}

func (a *AppState) Health(ctx context.Context) Health {
	h := Health{
		Status:      "ok",
		Connections: a.registry.Len(),
		Connectors:  make(map[string]string),
		CheckedAt:   time.Now().UTC(),
	}
	a.mu.Lock()
	for name, m := range a.connectors {
		h.Connectors[name] = m.runner.State().String()
	}
	stopped := a.stopped
	db := a.db
	a.mu.Unlock()

	if stopped {
		h.Status = "stopped"
		return h
	}
	if db != nil {
		if err := db.Ping(ctx); err != nil {
			h.Database = "unreachable"
			h.Status = "degraded"
		} else {
			h.Database = "ok"
		}
	}
	return h
}
