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

package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wso2/api-platform/gateway/field-hub/internal/connector"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

// Factory builds the driver for one connector instance. It must not perform
// I/O; connecting happens when the connector starts.
type Factory func(cfg config.ConnectorConfig, logger *slog.Logger) (connector.Driver, error)

// Registry holds the connector families compiled into the binary and the
// downstream entrypoints.
type Registry struct {
	families    map[string]Factory
	entrypoints map[string]core.Entrypoint
	logger      *slog.Logger
	mu          sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		families:    make(map[string]Factory),
		entrypoints: make(map[string]core.Entrypoint),
		logger:      logger,
	}
}

func (r *Registry) RegisterFamily(family string, f Factory) {
	r.mu.Lock()
	r.families[family] = f
	r.mu.Unlock()
	r.logger.Debug("registered connector family", "family", family)
}

func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.families))
	for f := range r.families {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Build returns core.ErrCapabilityMissing when cfg.Family was not compiled in.
func (r *Registry) Build(cfg config.ConnectorConfig) (connector.Driver, error) {
	r.mu.RLock()
	f, ok := r.families[cfg.Family]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: connector %q requests family %q", core.ErrCapabilityMissing, cfg.Name, cfg.Family)
	}
	d, err := f(cfg, r.logger.With("connector", cfg.Name, "family", cfg.Family))
	if err != nil {
		return nil, fmt.Errorf("%w: connector %q: %v", core.ErrInvalidConfig, cfg.Name, err)
	}
	return d, nil
}

func (r *Registry) RegisterEntrypoint(e core.Entrypoint) {
	r.mu.Lock()
	r.entrypoints[e.Name()] = e
	r.mu.Unlock()
	r.logger.Info("registered entrypoint", "name", e.Name(), "type", e.Type())
}

func (r *Registry) Entrypoints() map[string]core.Entrypoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]core.Entrypoint, len(r.entrypoints))
	for k, v := range r.entrypoints {
		cp[k] = v
	}
	return cp
}

func (r *Registry) StartEntrypoints(ctx context.Context, hub core.Attacher) {
	for name, ep := range r.Entrypoints() {
		go func(n string, e core.Entrypoint) {
			if err := e.Start(ctx, hub); err != nil {
				r.logger.Error("entrypoint failed", "name", n, "error", err)
			}
		}(name, ep)
	}
}

func (r *Registry) StopEntrypoints(ctx context.Context) {
	for name, ep := range r.Entrypoints() {
		r.logger.Info("stopping entrypoint", "name", name)
		if err := ep.Stop(ctx); err != nil {
			r.logger.Warn("entrypoint stop failed", "name", name, "error", err)
		}
	}
}
