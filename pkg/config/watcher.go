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

package config

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/wso2/api-platform/gateway/field-hub/internal/routing"
)

// ReconcileFunc receives the connector set of a reloaded config. An error
// means the running set was left unchanged.
type ReconcileFunc func(ctx context.Context, connectors []ConnectorConfig) error

type Watcher struct {
	path      string
	table     *routing.Table
	reconcile ReconcileFunc
	interval  time.Duration
	logger    *slog.Logger
	lastMod   time.Time
}

func NewWatcher(path string, table *routing.Table, reconcile ReconcileFunc, logger *slog.Logger) *Watcher {
	w := &Watcher{
		path:      path,
		table:     table,
		reconcile: reconcile,
		interval:  5 * time.Second,
		logger:    logger,
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

func (w *Watcher) Watch(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config stat failed", "path", w.path, "error", err)
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "path", w.path, "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Error("reloaded config rejected", "path", w.path, "error", err)
		return
	}

	if w.reconcile != nil {
		if err := w.reconcile(ctx, cfg.Connectors); err != nil {
			w.logger.Error("connector reconcile failed, keeping current routes", "error", err)
			return
		}
	}
	w.table.ReplaceAll(cfg.Routes())
	w.logger.Info("config reloaded", "connectors", len(cfg.Connectors))
}
