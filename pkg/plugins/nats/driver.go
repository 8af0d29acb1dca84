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

package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wso2/api-platform/gateway/field-hub/internal/connector"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

const Family = "nats"

var errDisconnected = errors.New("nats disconnected")

// Driver subscribes to NATS subjects. Subjects may use the * and >
// wildcards. The client runs without its own reconnect loop so link loss
// surfaces to the connector runner.
type Driver struct {
	name     string
	url      string
	subjects []string
	queue    string
	username string
	password string
	token    string
	timeout  time.Duration
	logger   *slog.Logger

	conn  *nats.Conn
	subs  []*nats.Subscription
	inbox *connector.Inbox
}

func New(cfg config.ConnectorConfig, logger *slog.Logger) (connector.Driver, error) {
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("nats connector needs at least one subject")
	}
	d := &Driver{
		name:     cfg.Name,
		url:      cfg.Address,
		queue:    cfg.Options["queue"],
		username: cfg.Username,
		password: cfg.Password,
		token:    cfg.Options["token"],
		timeout:  cfg.Timeout.Std(),
		logger:   logger,
	}
	for _, t := range cfg.Topics {
		if t.Topic == "" {
			return nil, fmt.Errorf("nats subject must not be empty")
		}
		d.subjects = append(d.subjects, t.Topic)
	}
	return d, nil
}

func (d *Driver) options(inbox *connector.Inbox) []nats.Option {
	opts := []nats.Option{
		nats.Name("field-hub-" + d.name),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			inbox.Fail(fmt.Errorf("%w: %v", errDisconnected, err))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			inbox.Fail(errDisconnected)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			d.logger.Warn("nats async error", "connector", d.name, "subject", subject, "error", err)
		}),
	}
	if d.timeout > 0 {
		opts = append(opts, nats.Timeout(d.timeout))
	}
	if d.username != "" {
		opts = append(opts, nats.UserInfo(d.username, d.password))
	}
	if d.token != "" {
		opts = append(opts, nats.Token(d.token))
	}
	return opts
}

func (d *Driver) Open(ctx context.Context) error {
	inbox := connector.NewInbox(0)
	d.inbox = inbox

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := nats.Connect(d.url, d.options(inbox)...)
		done <- result{c, err}
	}()

	var conn *nats.Conn
	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("connect %s: %w", d.url, r.err)
		}
		conn = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return ctx.Err()
	}
	d.conn = conn

	for _, subject := range d.subjects {
		var (
			sub *nats.Subscription
			err error
		)
		if d.queue != "" {
			sub, err = conn.QueueSubscribe(subject, d.queue, d.onMessage)
		} else {
			sub, err = conn.Subscribe(subject, d.onMessage)
		}
		if err != nil {
			d.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		d.subs = append(d.subs, sub)
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		d.Close()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	d.logger.Info("nats subscribed", "connector", d.name, "url", d.url, "subjects", len(d.subjects))
	return nil
}

func (d *Driver) onMessage(m *nats.Msg) {
	if !d.inbox.Push(connector.Frame{Topic: m.Subject, Data: m.Data}) {
		d.logger.Warn("nats inbox full, dropping message", "connector", d.name, "subject", m.Subject)
	}
}

func (d *Driver) Next(ctx context.Context) (connector.Frame, error) {
	return d.inbox.Next(ctx)
}

func (d *Driver) Decode(f connector.Frame) (core.Message, error) {
	return connector.PassThrough(f)
}

func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	for _, s := range d.subs {
		_ = s.Unsubscribe()
	}
	d.conn.Close()
	d.conn, d.subs = nil, nil
	return nil
}
