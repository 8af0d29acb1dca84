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

package logging

import (
	"context"
	"io"
	"log/slog"

	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

// EventLogger traces every event passing through the hub at debug level.
type EventLogger struct {
	logger *slog.Logger
}

func NewEventLogger(logger *slog.Logger) *EventLogger {
	return &EventLogger{logger: logger}
}

func (p *EventLogger) Log(evt core.Event, direction string) {
	if p == nil || !p.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := []any{
		"event_id", evt.ID,
		"kind", evt.Kind.String(),
		"source", evt.Source,
		"direction", direction,
		"topic", evt.Message.Topic,
		"payload_size", len(evt.Message.Payload),
		"timestamp", evt.Timestamp,
	}
	if evt.ConnID != "" {
		attrs = append(attrs, "conn_id", evt.ConnID)
	}
	if evt.Kind == core.EventOutbound {
		attrs = append(attrs, "target", evt.Target.String())
	}
	if evt.Reason != "" {
		attrs = append(attrs, "reason", evt.Reason)
	}
	p.logger.Debug("event", attrs...)
}

// New builds the process logger from level and format names.
func New(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
