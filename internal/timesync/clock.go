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

package timesync

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Layout is the wire format of syncSysTime payloads.
const Layout = "2006-01-02 15:04:05"

// ClockSetter sets the host system clock.
type ClockSetter interface {
	SetSystemTime(ctx context.Context, t time.Time) error
}

// HardwareClock is a battery-backed clock kept alongside the system clock.
type HardwareClock interface {
	Write(ctx context.Context, t time.Time) error
	Read(ctx context.Context) (time.Time, error)
}

// CommandRunner executes an external program and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands through os/exec, optionally prefixed with sudo.
func ExecRunner(sudo bool) CommandRunner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if sudo {
			args = append([]string{name}, args...)
			name = "sudo"
		}
		cmd := exec.CommandContext(ctx, name, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		return out, nil
	}
}

// SystemClock sets the clock with timedatectl after disabling NTP.
type SystemClock struct {
	Run    CommandRunner
	Logger *slog.Logger
}

func (s SystemClock) SetSystemTime(ctx context.Context, t time.Time) error {
	if _, err := s.Run(ctx, "timedatectl", "set-ntp", "false"); err != nil && s.Logger != nil {
		s.Logger.Warn("disabling ntp failed", "error", err)
	}
	if _, err := s.Run(ctx, "timedatectl", "set-time", t.Format(Layout)); err != nil {
		return fmt.Errorf("set system time: %w", err)
	}
	return nil
}
