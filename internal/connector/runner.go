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

package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wso2/api-platform/gateway/field-hub/internal/metrics"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

var errStale = errors.New("link silent past stale_after")

var _ core.Connector = (*Runner)(nil)

type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	// OpTimeout bounds Open and the wait for the loop to exit on Stop.
	OpTimeout time.Duration
	// StaleAfter forces a reconnect when a connected link delivers nothing
	// for this long. Zero disables the check.
	StaleAfter time.Duration
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Runner drives a Driver through connect, read and backoff until stopped.
type Runner struct {
	name    string
	family  string
	driver  Driver
	policy  Policy
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	state      core.LinkState
	stopped    bool
	pub        core.Publisher
	cancel     context.CancelFunc
	linkCancel context.CancelCauseFunc
	lastData   time.Time
	done       chan struct{}
	attempts   int
}

func NewRunner(name, family string, driver Driver, policy Policy, logger *slog.Logger, m *metrics.Metrics) *Runner {
	if policy.OpTimeout <= 0 {
		policy.OpTimeout = 5 * time.Second
	}
	return &Runner{
		name:    name,
		family:  family,
		driver:  driver,
		policy:  policy,
		logger:  logger.With("component", "connector", "connector", name, "family", family),
		metrics: m,
		state:   core.LinkDisconnected,
	}
}

func (r *Runner) Name() string { return r.name }

func (r *Runner) Family() string { return r.family }

func (r *Runner) State() core.LinkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start launches the connect loop and returns immediately.
func (r *Runner) Start(ctx context.Context, pub core.Publisher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return fmt.Errorf("connector %s already started", r.name)
	}
	if r.stopped {
		return fmt.Errorf("%w: %s", core.ErrConnectorStopped, r.name)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.pub = pub
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
	return nil
}

// Stop cancels the loop. Once Stop returns, the runner publishes nothing.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	wait := r.policy.OpTimeout
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		r.logger.Warn("connector did not exit within op timeout, abandoning", "timeout", wait)
		return nil
	}
}

// CheckLiveness reconnects a connected link that has been silent for longer
// than StaleAfter.
func (r *Runner) CheckLiveness(now time.Time) {
	if r.policy.StaleAfter <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != core.LinkConnected || r.linkCancel == nil {
		return
	}
	if now.Sub(r.lastData) > r.policy.StaleAfter {
		r.logger.Warn("link silent, forcing reconnect", "last_data", r.lastData)
		r.linkCancel(errStale)
	}
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	defer r.setState(core.LinkDisconnected)

	b := r.policy.backOff()
	for {
		if ctx.Err() != nil {
			return
		}
		r.setState(core.LinkConnecting)
		if r.attempts > 0 {
			r.metrics.Reconnect(r.name)
		}
		r.attempts++

		openCtx, cancel := context.WithTimeout(ctx, r.policy.OpTimeout)
		err := r.driver.Open(openCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := b.NextBackOff()
			r.logger.Warn("connect failed", "error", err, "retry_in", delay, "attempt", r.attempts)
			if !r.sleep(ctx, delay) {
				return
			}
			continue
		}

		b.Reset()
		r.logger.Info("link up")
		linkCtx, linkCancel := context.WithCancelCause(ctx)
		r.mu.Lock()
		r.state = core.LinkConnected
		r.linkCancel = linkCancel
		r.lastData = time.Now()
		r.mu.Unlock()
		r.metrics.SetLinkState(r.name, r.family, int(core.LinkConnected))
		r.publishLink(core.EventLinkUp, "")

		err = r.consume(linkCtx)
		if cause := context.Cause(linkCtx); errors.Is(cause, errStale) {
			err = cause
		}
		linkCancel(nil)
		if cerr := r.driver.Close(); cerr != nil {
			r.logger.Debug("driver close", "error", cerr)
		}

		reason := "stopped"
		if ctx.Err() == nil {
			reason = err.Error()
		}
		r.mu.Lock()
		r.linkCancel = nil
		r.mu.Unlock()
		r.publishLink(core.EventLinkDown, reason)
		if ctx.Err() != nil {
			return
		}

		delay := b.NextBackOff()
		r.logger.Warn("link down", "reason", reason, "retry_in", delay)
		if !r.sleep(ctx, delay) {
			return
		}
	}
}

func (r *Runner) consume(ctx context.Context) error {
	for {
		f, err := r.driver.Next(ctx)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.lastData = time.Now()
		r.mu.Unlock()

		msg, err := r.driver.Decode(f)
		if err != nil {
			r.metrics.DecodeError(r.name)
			r.logger.Warn("decode failed, dropping frame", "topic", f.Topic, "error", err)
			continue
		}
		evt := core.NewEvent(core.EventInbound, r.name)
		evt.Message = msg
		if !f.At.IsZero() {
			evt.Timestamp = f.At.UTC()
		}
		if err := r.publish(evt); err != nil {
			r.logger.Debug("inbound event refused", "error", err)
			continue
		}
		r.metrics.ConnectorMessage(r.name)
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	r.setState(core.LinkBackoff)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Runner) setState(s core.LinkState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.metrics.SetLinkState(r.name, r.family, int(s))
}

func (r *Runner) publishLink(kind core.EventKind, reason string) {
	evt := core.NewEvent(kind, r.name)
	evt.Reason = reason
	if err := r.publish(evt); err != nil {
		r.logger.Debug("link event refused", "error", err)
	}
}

// publish holds the runner lock so Stop cannot return between the stopped
// check and the hand-off.
func (r *Runner) publish(evt core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return core.ErrConnectorStopped
	}
	return r.pub.Publish(evt)
}
