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
	"time"

	"github.com/wso2/api-platform/gateway/field-hub/internal/registry"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

// Sink is the part of the hub the scheduler drives.
type Sink interface {
	Publish(evt core.Event) error
	Close(id core.ConnectionID, reason string) error
}

// LivenessChecker is implemented by connectors that detect silent links.
type LivenessChecker interface {
	CheckLiveness(now time.Time)
}

type Scheduler struct {
	interval time.Duration
	registry *registry.Registry
	sink     Sink
	checkers func() []LivenessChecker
	logger   *slog.Logger
	now      func() time.Time
}

func New(interval time.Duration, reg *registry.Registry, sink Sink, checkers func() []LivenessChecker, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		registry: reg,
		sink:     sink,
		checkers: checkers,
		logger:   logger.With("component", "heartbeat"),
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("heartbeat started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Tick pings every open connection and closes those whose last pong is
// older than twice the interval.
func (s *Scheduler) Tick(now time.Time) {
	deadline := 2 * s.interval
	for _, info := range s.registry.Snapshot() {
		if info.State != core.StateOpen {
			continue
		}
		if now.Sub(info.LastPong) > deadline {
			if s.registry.MarkClosing(info.ID) {
				s.logger.Info("heartbeat timeout", "conn_id", info.ID, "last_pong", info.LastPong)
				if err := s.sink.Close(info.ID, "heartbeat timeout"); err != nil {
					s.logger.Warn("close request failed", "conn_id", info.ID, "error", err)
				}
			}
			continue
		}

		s.registry.RecordPing(info.ID, now)
		evt := core.NewEvent(core.EventOutbound, "heartbeat")
		evt.Target = core.ToOne(info.ID)
		evt.Message, _ = core.NewMessage(core.TopicPing, now.UnixMilli())
		if err := s.sink.Publish(evt); err != nil {
			s.logger.Warn("ping enqueue failed", "conn_id", info.ID, "error", err)
		}
	}

	if s.checkers == nil {
		return
	}
	for _, c := range s.checkers() {
		c.CheckLiveness(now)
	}
}
