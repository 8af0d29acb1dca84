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

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/wso2/api-platform/gateway/field-hub/internal/connector"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

const Family = "mqtt"

var errConnectionLost = errors.New("mqtt connection lost")

// Driver subscribes to a set of MQTT 3.1.1 topic filters. Reconnection is
// left to the connector runner, so the client runs with auto-reconnect off.
type Driver struct {
	name      string
	broker    string
	filters   map[string]byte
	clientID  string
	username  string
	password  string
	keepAlive time.Duration
	timeout   time.Duration
	newClient func(o *paho.ClientOptions) paho.Client
	logger    *slog.Logger

	client paho.Client
	inbox  *connector.Inbox
}

func New(cfg config.ConnectorConfig, logger *slog.Logger) (connector.Driver, error) {
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("mqtt connector needs at least one topic")
	}
	filters := make(map[string]byte, len(cfg.Topics))
	for _, t := range cfg.Topics {
		filters[t.Topic] = t.QoS
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "field-hub-" + cfg.Name + "-" + uuid.New().String()[:8]
	}
	return &Driver{
		name:      cfg.Name,
		broker:    cfg.Address,
		filters:   filters,
		clientID:  clientID,
		username:  cfg.Username,
		password:  cfg.Password,
		keepAlive: cfg.KeepAlive.Std(),
		timeout:   cfg.Timeout.Std(),
		newClient: paho.NewClient,
		logger:    logger,
	}, nil
}

func (d *Driver) Open(ctx context.Context) error {
	inbox := connector.NewInbox(0)
	opts := paho.NewClientOptions().
		AddBroker(d.broker).
		SetClientID(d.clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(d.keepAlive).
		SetConnectTimeout(d.timeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			inbox.Fail(fmt.Errorf("%w: %v", errConnectionLost, err))
		})
	if d.username != "" {
		opts.SetUsername(d.username)
		opts.SetPassword(d.password)
	}

	c := d.newClient(opts)
	if err := await(ctx, c.Connect()); err != nil {
		return fmt.Errorf("connect %s: %w", d.broker, err)
	}
	d.client = c
	d.inbox = inbox

	if err := await(ctx, c.SubscribeMultiple(d.filters, d.onMessage)); err != nil {
		d.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	d.logger.Info("mqtt subscribed", "connector", d.name, "broker", d.broker, "filters", len(d.filters))
	return nil
}

func await(ctx context.Context, t paho.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) onMessage(_ paho.Client, m paho.Message) {
	if !d.inbox.Push(connector.Frame{Topic: m.Topic(), Data: m.Payload()}) {
		d.logger.Warn("mqtt inbox full, dropping message", "connector", d.name, "topic", m.Topic())
	}
}

func (d *Driver) Next(ctx context.Context) (connector.Frame, error) {
	return d.inbox.Next(ctx)
}

func (d *Driver) Decode(f connector.Frame) (core.Message, error) {
	return connector.PassThrough(f)
}

func (d *Driver) Close() error {
	if d.client != nil {
		d.client.Disconnect(250)
		d.client = nil
	}
	return nil
}
