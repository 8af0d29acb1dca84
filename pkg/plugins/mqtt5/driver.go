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

package mqtt5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/wso2/api-platform/gateway/field-hub/internal/connector"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

const Family = "mqtt5"

const defaultCloseTimeout = 2 * time.Second

var errServerDisconnect = errors.New("mqtt5 server disconnect")

type Driver struct {
	name      string
	server    *url.URL
	subs      []paho.SubscribeOptions
	clientID  string
	username  string
	password  string
	keepAlive uint16
	logger    *slog.Logger

	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc
	inbox  *connector.Inbox
}

func New(cfg config.ConnectorConfig, logger *slog.Logger) (connector.Driver, error) {
	u, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("mqtt5 invalid URL: %w", err)
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("mqtt5 connector needs at least one topic")
	}
	subs := make([]paho.SubscribeOptions, 0, len(cfg.Topics))
	for _, t := range cfg.Topics {
		subs = append(subs, paho.SubscribeOptions{Topic: t.Topic, QoS: t.QoS})
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "field-hub-" + cfg.Name + "-" + uuid.New().String()[:8]
	}
	keepAlive := uint16(cfg.KeepAlive.Std().Seconds())
	if keepAlive == 0 {
		keepAlive = 30
	}
	return &Driver{
		name:      cfg.Name,
		server:    u,
		subs:      subs,
		clientID:  clientID,
		username:  cfg.Username,
		password:  cfg.Password,
		keepAlive: keepAlive,
		logger:    logger,
	}, nil
}

func (d *Driver) clientConfig(inbox *connector.Inbox) autopaho.ClientConfig {
	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{d.server},
		KeepAlive:                     d.keepAlive,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			d.logger.Info("mqtt5 connection up", "connector", d.name)
			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{Subscriptions: d.subs}); err != nil {
				inbox.Fail(fmt.Errorf("mqtt5 subscribe: %w", err))
			}
		},
		OnConnectError: func(err error) {
			d.logger.Debug("mqtt5 connect attempt failed", "connector", d.name, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: d.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					return d.onPublish(inbox, pr)
				},
			},
			OnClientError: func(err error) {
				inbox.Fail(fmt.Errorf("mqtt5 client error: %w", err))
			},
			OnServerDisconnect: func(p *paho.Disconnect) {
				inbox.Fail(fmt.Errorf("%w: reason code %d", errServerDisconnect, p.ReasonCode))
			},
		},
	}
	if d.username != "" {
		cfg.ConnectUsername = d.username
		cfg.ConnectPassword = []byte(d.password)
	}
	return cfg
}

func (d *Driver) onPublish(inbox *connector.Inbox, pr paho.PublishReceived) (bool, error) {
	if pr.Packet == nil {
		return false, nil
	}
	if !inbox.Push(connector.Frame{Topic: pr.Packet.Topic, Data: pr.Packet.Payload}) {
		d.logger.Warn("mqtt5 inbox full, dropping message", "connector", d.name, "topic", pr.Packet.Topic)
	}
	return true, nil
}

// Open starts a connection manager that lives until Close; ctx only bounds
// the wait for the first connection.
func (d *Driver) Open(ctx context.Context) error {
	inbox := connector.NewInbox(0)
	runCtx, cancel := context.WithCancel(context.Background())
	cm, err := autopaho.NewConnection(runCtx, d.clientConfig(inbox))
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt5 connection: %w", err)
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		cancel()
		return fmt.Errorf("mqtt5 await connection: %w", err)
	}
	d.cm, d.cancel, d.inbox = cm, cancel, inbox
	return nil
}

func (d *Driver) Next(ctx context.Context) (connector.Frame, error) {
	return d.inbox.Next(ctx)
}

func (d *Driver) Decode(f connector.Frame) (core.Message, error) {
	return connector.PassThrough(f)
}

func (d *Driver) Close() error {
	if d.cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()
	err := d.cm.Disconnect(ctx)
	d.cancel()
	d.cm = nil
	return err
}
