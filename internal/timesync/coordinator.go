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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wso2/api-platform/gateway/field-hub/internal/metrics"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

type Status string

const (
	StatusApplied     Status = "applied"
	StatusDisabled    Status = "disabled"
	StatusUnsupported Status = "unsupported"
	StatusFailed      Status = "failed"
)

// Request is a parsed syncSysTime message.
type Request struct {
	Target            time.Time
	SyncHardwareClock bool
	ConnID            core.ConnectionID
}

// Result is sent back to the requesting connection on syncSysTimeResult.
type Result struct {
	Status        Status `json:"status"`
	Time          string `json:"time,omitempty"`
	HardwareClock bool   `json:"hardwareClock,omitempty"`
	Error         string `json:"error,omitempty"`
}

type Options struct {
	// Enabled mirrors sys.sync_time_from_client.
	Enabled bool
	// SyncHardwareClock mirrors sys.sync_time_from_rtc.
	SyncHardwareClock bool
	Timeout           time.Duration
	QueueSize         int
}

// Replier delivers results back through the hub.
type Replier interface {
	Publish(evt core.Event) error
}

type Coordinator struct {
	opts      Options
	supported bool
	clock     ClockSetter
	rtc       HardwareClock
	replier   Replier
	logger    *slog.Logger
	metrics   *metrics.Metrics
	location  *time.Location

	reqs chan Request
	wg   sync.WaitGroup
	mu   sync.Mutex
	stop context.CancelFunc
}

func New(opts Options, clock ClockSetter, rtc HardwareClock, replier Replier, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	return &Coordinator{
		opts:      opts,
		supported: platformSupported,
		clock:     clock,
		rtc:       rtc,
		replier:   replier,
		logger:    logger.With("component", "timesync"),
		metrics:   m,
		location:  time.Local,
		reqs:      make(chan Request, opts.QueueSize),
	}
}

// ParseRequest accepts either a "YYYY-MM-DD HH:MM:SS" string payload or an
// object {"time": "...", "syncHardwareClock": bool}.
func ParseRequest(msg core.Message, loc *time.Location, hardwareDefault bool) (Request, error) {
	req := Request{SyncHardwareClock: hardwareDefault}
	raw := strings.TrimSpace(string(msg.Payload))
	if raw == "" {
		return req, errors.New("empty syncSysTime payload")
	}

	var text string
	if strings.HasPrefix(raw, "{") {
		var body struct {
			Time              string `json:"time"`
			SyncHardwareClock *bool  `json:"syncHardwareClock"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			return req, fmt.Errorf("decode syncSysTime payload: %w", err)
		}
		text = body.Time
		if body.SyncHardwareClock != nil {
			req.SyncHardwareClock = hardwareDefault && *body.SyncHardwareClock
		}
	} else if err := json.Unmarshal(msg.Payload, &text); err != nil {
		return req, fmt.Errorf("syncSysTime payload must be a string: %w", err)
	}

	t, err := time.ParseInLocation(Layout, strings.TrimSpace(text), loc)
	if err != nil {
		return req, fmt.Errorf("invalid syncSysTime %q, want YYYY-MM-DD HH:MM:SS", text)
	}
	req.Target = t
	return req, nil
}

// Handle applies one request. It never returns an error; failures are
// described by the result.
func (c *Coordinator) Handle(ctx context.Context, req Request) Result {
	res := Result{Time: req.Target.Format(Layout)}
	switch {
	case !c.opts.Enabled:
		res.Status = StatusDisabled
	case !c.supported:
		res.Status = StatusUnsupported
		res.Error = core.ErrClockUnsupported.Error()
	default:
		res = c.apply(ctx, req, res)
	}
	c.metrics.TimeSync(string(res.Status))
	c.logger.Info("time sync handled", "conn_id", req.ConnID, "status", res.Status, "time", res.Time, "error", res.Error)
	return res
}

func (c *Coordinator) apply(ctx context.Context, req Request, res Result) Result {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.clock.SetSystemTime(ctx, req.Target); err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	if req.SyncHardwareClock && c.rtc != nil {
		res.HardwareClock = true
		if err := c.rtc.Write(ctx, req.Target); err != nil {
			res.Status = StatusFailed
			res.Error = "hardware clock: " + err.Error()
			return res
		}
	}
	res.Status = StatusApplied
	return res
}

// HandleSync queues a raw request from the hub. A parse failure or a full
// queue is answered immediately.
func (c *Coordinator) HandleSync(id core.ConnectionID, msg core.Message) {
	req, err := ParseRequest(msg, c.location, c.opts.SyncHardwareClock)
	if err != nil {
		c.metrics.TimeSync(string(StatusFailed))
		c.reply(id, Result{Status: StatusFailed, Error: err.Error()})
		return
	}
	req.ConnID = id
	select {
	case c.reqs <- req:
	default:
		c.metrics.TimeSync(string(StatusFailed))
		c.reply(id, Result{Status: StatusFailed, Time: req.Target.Format(Layout), Error: "time sync busy"})
	}
}

// Start runs the worker that applies queued requests.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.stop = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-c.reqs:
				c.reply(req.ConnID, c.Handle(ctx, req))
			}
		}
	}()
}

func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stop != nil {
		c.stop()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestoreFromHardware sets the system clock from the RTC. Used at startup
// when sync_time_from_rtc is set.
func (c *Coordinator) RestoreFromHardware(ctx context.Context) error {
	if !c.supported {
		return core.ErrClockUnsupported
	}
	if c.rtc == nil {
		return errors.New("no hardware clock configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	t, err := c.rtc.Read(ctx)
	if err != nil {
		return err
	}
	if err := c.clock.SetSystemTime(ctx, t); err != nil {
		return err
	}
	c.logger.Info("system clock restored from rtc", "time", t.Format(Layout))
	return nil
}

func (c *Coordinator) reply(id core.ConnectionID, res Result) {
	if id == "" || c.replier == nil {
		return
	}
	msg, err := core.NewMessage(core.TopicSyncSysTimeResult, res)
	if err != nil {
		c.logger.Error("encode sync result", "error", err)
		return
	}
	evt := core.NewEvent(core.EventOutbound, "timesync")
	evt.Target = core.ToOne(id)
	evt.Message = msg
	if err := c.replier.Publish(evt); err != nil {
		c.logger.Warn("sync result not delivered", "conn_id", id, "error", err)
	}
}
