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

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wso2/api-platform/gateway/field-hub/internal/logging"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/appstate"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/plugins"
)

// capabilities is filled by the capability_*.go files compiled into this
// build.
var capabilities = map[string]plugins.Factory{}

func register(family string, f plugins.Factory) {
	capabilities[family] = f
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "/etc/field-hub/config.yaml"
	}

	boot := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg, err := config.Load(configPath)
	if err != nil {
		boot.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	catalog := plugins.NewRegistry(logger)
	for family, f := range capabilities {
		catalog.RegisterFamily(family, f)
	}

	app, err := appstate.New(cfg, catalog, appstate.WithLogger(logger))
	if err != nil {
		logger.Error("invalid configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := app.Start(ctx)
	if err != nil {
		logger.Error("failed to start field hub", "error", err)
		os.Exit(1)
	}

	watcher := config.NewWatcher(configPath, app.Routes(), app.Reconcile, logger)
	go watcher.Watch(ctx)

	go consume(events, logger)

	logger.Info("field hub running", "config", configPath, "families", catalog.Families())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down field hub")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.Stop(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	cancel()
}

// consume drains the event stream. Applications embedding the hub read this
// channel themselves; the standalone server only logs it.
func consume(events <-chan core.Event, logger *slog.Logger) {
	for evt := range events {
		switch evt.Kind {
		case core.EventLinkUp, core.EventLinkDown, core.EventConnectionOpened, core.EventConnectionClosed:
			logger.Info("lifecycle event", "kind", evt.Kind.String(), "source", evt.Source, "conn_id", evt.ConnID, "reason", evt.Reason)
		default:
			logger.Debug("event", "kind", evt.Kind.String(), "source", evt.Source, "topic", evt.Message.Topic)
		}
	}
}
